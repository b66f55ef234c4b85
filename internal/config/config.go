// Package config loads the ledger daemon configuration
// from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	httpapi "github.com/i5heu/ouroboros-ledger/internal/api"
	"github.com/i5heu/ouroboros-ledger/pkg/backup"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Defaults used when a field is left empty.
const (
	DefaultAPIAddr       = "localhost:4242"
	DefaultRelayerAddr   = "localhost:4243"
	DefaultMetricsAddr   = "localhost:9100"
	DefaultChainID       = 31337
	DefaultMaxUsers      = 1000
	DefaultRequestWindow = 2 * time.Minute
	DefaultPeriodLength  = 24 * time.Hour
	DefaultMinimumFreeGB = 1
)

// Config is the ledgerd configuration file.
type Config struct {
	// DataDir holds the badger store. Ignored when InMemory.
	DataDir       string `yaml:"dataDir"`
	InMemory      bool   `yaml:"inMemory"`
	MinimumFreeGB int    `yaml:"minimumFreeGB"`
	SyncWrites    bool   `yaml:"syncWrites"`

	// IdentityFile holds the ledger key. Its address is the
	// ledger address that proofs and disclosures bind to.
	IdentityFile string `yaml:"identityFile"`
	// Admin is the initial administrator. Empty means the
	// ledger identity itself.
	Admin   string `yaml:"admin"`
	ChainID uint64 `yaml:"chainId"`
	// MaxUsers is applied only when the ledger is created.
	MaxUsers uint64 `yaml:"maxUsers"`

	// EngineSeed keys input proofs. Empty means proofs do
	// not survive a restart.
	EngineSeed string `yaml:"engineSeed"`

	Period  PeriodConfig    `yaml:"period"`
	Events  EventsConfig    `yaml:"events"`
	Log     LogConfig       `yaml:"log"`
	API     httpapi.Config  `yaml:"api"`
	Relayer httpapi.Config  `yaml:"relayer"`
	Metrics httpapi.Config  `yaml:"metrics"`
	// Backup is disabled while Backup.Dir is empty.
	Backup backup.Schedule `yaml:"backup"`

	// RelayerURL is advertised to clients. Defaults to the
	// relayer listener.
	RelayerURL    string        `yaml:"relayerURL"`
	RequestWindow time.Duration `yaml:"requestWindow"`

	// RestoreFrom is set from the command line only.
	RestoreFrom string `yaml:"-"`
}

// PeriodConfig sets the period calendar.
type PeriodConfig struct {
	Epoch  time.Time     `yaml:"epoch"`
	Length time.Duration `yaml:"length"`
}

// EventsConfig sets notification retention.
type EventsConfig struct {
	Retention  time.Duration `yaml:"retention"`
	MaxEntries int           `yaml:"maxEntries"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs an in-memory
// ledger on localhost.
func Default() Config {
	var c Config
	c.InMemory = true
	c.applyDefaults()
	return c
}

// Load reads path and fills in defaults. Empty path yields
// Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data, fills in defaults and validates
// the result.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.MinimumFreeGB == 0 {
		c.MinimumFreeGB = DefaultMinimumFreeGB
	}
	if c.ChainID == 0 {
		c.ChainID = DefaultChainID
	}
	if c.MaxUsers == 0 {
		c.MaxUsers = DefaultMaxUsers
	}
	if c.Period.Length == 0 {
		c.Period.Length = DefaultPeriodLength
	}
	if c.Period.Epoch.IsZero() {
		c.Period.Epoch = time.Unix(0, 0).UTC()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}
	if c.Relayer.Addr == "" {
		c.Relayer.Addr = DefaultRelayerAddr
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.RelayerURL == "" {
		scheme := "http"
		if c.Relayer.EnableTLS {
			scheme = "https"
		}
		c.RelayerURL = scheme + "://" + c.Relayer.Addr
	}
	if c.RequestWindow == 0 {
		c.RequestWindow = DefaultRequestWindow
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if !c.InMemory && c.DataDir == "" {
		return errors.New("config: dataDir is required unless inMemory is set")
	}
	if c.Period.Length < time.Second {
		return fmt.Errorf("config: period length %s is below one second", c.Period.Length)
	}
	if c.RequestWindow < 0 {
		return errors.New("config: requestWindow must not be negative")
	}
	if c.Backup.Interval < 0 || c.Backup.RetainCount < 0 {
		return errors.New("config: backup interval and retain must not be negative")
	}
	if c.Events.Retention < 0 || c.Events.MaxEntries < 0 {
		return errors.New("config: events limits must not be negative")
	}
	if _, err := c.AdminPrincipal(); err != nil {
		return err
	}
	for name, l := range map[string]httpapi.Config{
		"api":     c.API,
		"relayer": c.Relayer,
		"metrics": c.Metrics,
	} {
		if l.EnableTLS && (l.CertFile == "" || l.KeyFile == "") {
			return fmt.Errorf("config: %s listener enables TLS without certFile and keyFile", name)
		}
	}
	return nil
}

// AdminPrincipal parses Admin. The zero principal means
// "use the ledger identity".
func (c Config) AdminPrincipal() (types.Principal, error) {
	if c.Admin == "" {
		return types.Principal{}, nil
	}
	p, err := types.ParsePrincipal(c.Admin)
	if err != nil {
		return types.Principal{}, fmt.Errorf("config: admin: %w", err)
	}
	if p.IsZero() {
		return types.Principal{}, errors.New("config: admin must not be the zero address")
	}
	return p, nil
}
