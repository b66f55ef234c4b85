// Command daemon runs the encrypted ledger: the ledger API,
// the decryption relayer and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/i5heu/ouroboros-ledger/internal/api"
	"github.com/i5heu/ouroboros-ledger/internal/config"
	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/internal/metrics"
	"github.com/i5heu/ouroboros-ledger/pkg/api"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/backup"
	"github.com/i5heu/ouroboros-ledger/pkg/engine/memengine"
	"github.com/i5heu/ouroboros-ledger/pkg/events"
	"github.com/i5heu/ouroboros-ledger/pkg/grants"
	"github.com/i5heu/ouroboros-ledger/pkg/ledger"
	"github.com/i5heu/ouroboros-ledger/pkg/logging"
	"github.com/i5heu/ouroboros-ledger/pkg/period"
	"github.com/i5heu/ouroboros-ledger/pkg/relayer"
	"github.com/i5heu/ouroboros-ledger/pkg/trend"
)

const identityFileName = "ledger.key"

func main() { // A
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("daemon error")
		os.Exit(1)
	}
}

// parseFlags loads the config file named by --config and
// applies command line overrides on top of it.
func parseFlags(args []string) (config.Config, error) { // A
	fs := flag.NewFlagSet("ledgerd", flag.ContinueOnError)
	path := fs.String("config", "", "Path to the YAML config file")
	dataDir := fs.String("data", "", "Data directory (overrides dataDir)")
	inMemory := fs.Bool("in-memory", false, "Keep all state in memory")
	apiAddr := fs.String("api", "", "Ledger API listen address")
	relayerAddr := fs.String("relayer", "", "Relayer listen address")
	metricsAddr := fs.String("metrics", "", "Metrics listen address")
	chainID := fs.Uint64("chain-id", 0, "Chain id disclosures bind to")
	restore := fs.String("restore", "", "Load this backup file into the store before serving")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("data") {
		cfg.DataDir = *dataDir
		cfg.InMemory = false
	}
	if fs.Changed("in-memory") {
		cfg.InMemory = *inMemory
	}
	if fs.Changed("api") {
		cfg.API.Addr = *apiAddr
	}
	if fs.Changed("relayer") {
		cfg.Relayer.Addr = *relayerAddr
	}
	if fs.Changed("metrics") {
		cfg.Metrics.Addr = *metricsAddr
	}
	if fs.Changed("chain-id") {
		cfg.ChainID = *chainID
	}
	if *debug {
		cfg.Log.Level = logrus.DebugLevel.String()
	}
	cfg.RestoreFrom = *restore
	return cfg, cfg.Validate()
}

// run wires the components and serves until ctx is done.
func run( // A
	ctx context.Context,
	cfg config.Config,
	log *logrus.Logger,
) error {
	storeCfg := keyValStore.StoreConfig{
		InMemory:         cfg.InMemory,
		MinimumFreeSpace: cfg.MinimumFreeGB,
		SyncWrites:       cfg.SyncWrites,
		Logger:           log,
	}
	if !cfg.InMemory {
		kvDir := filepath.Join(cfg.DataDir, "kv")
		if err := os.MkdirAll(kvDir, 0o750); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		storeCfg.Paths = []string{kvDir}
	}
	kv, err := keyValStore.NewKeyValStore(storeCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.WithError(err).Warn("error closing store")
		}
	}()

	if cfg.RestoreFrom != "" {
		if err := backup.Restore(kv, cfg.RestoreFrom); err != nil {
			return err
		}
		log.WithField("path", cfg.RestoreFrom).Info("Backup restored")
	}

	id, err := loadOrCreateIdentity(cfg, log)
	if err != nil {
		return fmt.Errorf("setup ledger identity: %w", err)
	}
	admin, err := cfg.AdminPrincipal()
	if err != nil {
		return err
	}
	if admin.IsZero() {
		admin = id.Address()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	metrics.RegisterStore(reg, kv)

	clock := auth.SystemClock()
	cal, err := period.NewCalendar(cfg.Period.Epoch, cfg.Period.Length)
	if err != nil {
		return err
	}

	var secret []byte
	if cfg.EngineSeed != "" {
		secret = memengine.DeriveSecret([]byte(cfg.EngineSeed))
	} else {
		log.Warn("no engineSeed configured, input proofs will not survive a restart")
	}
	eng, err := memengine.New(memengine.Config{Store: kv, Secret: secret, Logger: log})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	evs := events.New(events.Config{
		Logger:     log,
		Clock:      clock,
		Retention:  cfg.Events.Retention,
		MaxEntries: cfg.Events.MaxEntries,
	})
	defer evs.Stop()

	registry, err := grants.New(grants.Config{
		Store:   kv,
		ACL:     eng,
		Clock:   clock,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("create grant registry: %w", err)
	}

	l, err := ledger.New(ctx, ledger.Config{
		Store:    kv,
		Verifier: eng,
		Grants:   registry,
		Events:   evs,
		Address:  id.Address(),
		Admin:    admin,
		MaxUsers: cfg.MaxUsers,
		Clock:    clock,
		Period:   cal.Current(clock),
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	tr, err := trend.New(trend.Config{
		Records:   l,
		Evaluator: eng,
		Grants:    registry,
		Events:    evs,
		Metrics:   m,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("create trend engine: %w", err)
	}

	scope := auth.Scope{Ledger: l.Address(), ChainID: cfg.ChainID}
	apiServer, err := api.New(l, tr, registry,
		auth.NewRequestVerifier(scope, cfg.RequestWindow, clock),
		api.WithLogger(log),
		api.WithMetrics(m),
		api.WithEvents(evs),
		api.WithEncryptor(eng),
		api.WithRelayerURL(cfg.RelayerURL),
	)
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}

	relayServer, err := relayer.New(relayer.Config{
		Backend: eng,
		Scope:   scope,
		Clock:   clock,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("create relayer: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	log.WithFields(logrus.Fields{
		"ledger":  l.Address().String(),
		"admin":   admin.String(),
		"chainId": cfg.ChainID,
		"api":     cfg.API.Addr,
		"relayer": cfg.Relayer.Addr,
		"metrics": cfg.Metrics.Addr,
	}).Info("ledger daemon started")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Backup.Dir != "" {
		backups, err := backup.New(backup.Config{
			Store:    kv,
			Schedule: cfg.Backup,
			Clock:    clock,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return backups.Run(gctx) })
	}
	g.Go(func() error { return httpapi.Serve(gctx, cfg.API, apiServer, log) })
	g.Go(func() error { return httpapi.Serve(gctx, cfg.Relayer, relayServer, log) })
	g.Go(func() error { return httpapi.Serve(gctx, cfg.Metrics, metricsMux, log) })
	err = g.Wait()

	log.Info("daemon shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadOrCreateIdentity returns the ledger key. In-memory
// daemons without an identity file get an ephemeral key.
func loadOrCreateIdentity( // A
	cfg config.Config,
	log *logrus.Logger,
) (*auth.Identity, error) {
	keyPath := cfg.IdentityFile
	if keyPath == "" {
		if cfg.InMemory {
			log.Warn("using an ephemeral ledger identity")
			return auth.GenerateIdentity()
		}
		keyPath = filepath.Join(cfg.DataDir, identityFileName)
	}

	if _, err := os.Stat(keyPath); err == nil {
		id, err := auth.LoadIdentityFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("load identity from %s: %w", keyPath, err)
		}
		log.WithField("keyPath", keyPath).Debug("loaded existing ledger identity")
		return id, nil
	}

	id, err := auth.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("create new identity: %w", err)
	}
	if err := auth.SaveIdentityFile(keyPath, id); err != nil {
		return nil, fmt.Errorf("save identity to %s: %w", keyPath, err)
	}
	log.WithField("keyPath", keyPath).Info("created new ledger identity")
	return id, nil
}
