// Command cli talks to a ledger daemon: it submits values,
// derives trends and discloses handles the caller holds a
// grant on.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/i5heu/ouroboros-ledger/pkg/api"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/disclosure"
	"github.com/i5heu/ouroboros-ledger/pkg/logging"
	"github.com/i5heu/ouroboros-ledger/pkg/relayer"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const usage = `Usage: ouroboros-ledger <command> [flags] [arguments]
Commands:
  keygen                       create a key file
  info                         show the ledger description
  stats                        show the population counter
  account <owner>              show an account state
  submit <value> [period]      encrypt and store a value (default: current period)
  get <owner> <period>         show a record
  compare <periodA> <periodB>  derive "value(B) < value(A)"
  range <start> <end>          compare with range ceilings
  exists <period>...           derive "any period holds a record"
  sum <start> <end>            derive the encrypted sum of a range
  disclose <handle>            decrypt a handle you hold a grant on
  events [since]               list notifications
  set-max-users <n>            change the population cap (admin)
  transfer-admin <address>     hand over the admin role (admin)
`

func main() { // A
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the flags every command accepts.
type globals struct { // A
	apiURL     string
	relayerURL string
	keyPath    string
	authzPath  string
	yes        bool
	timeout    time.Duration
}

func run( // A
	ctx context.Context,
	args []string,
	in io.Reader,
	out io.Writer,
) error {
	if len(args) < 1 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}
	cmd := args[0]

	var g globals
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&g.apiURL, "api", "http://localhost:4242", "Ledger API base URL")
	fs.StringVar(&g.relayerURL, "relayer", "", "Relayer base URL (default: advertised by the ledger)")
	fs.StringVar(&g.keyPath, "key", defaultPath("key"), "Key file")
	fs.StringVar(&g.authzPath, "authz", defaultPath("authorizations.json"), "Stored disclosure authorizations")
	fs.BoolVarP(&g.yes, "yes", "y", false, "Approve disclosure statements without asking")
	fs.DurationVar(&g.timeout, "timeout", 30*time.Second, "Request timeout")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	a := fs.Args()

	if cmd == "keygen" {
		return keygen(g, out)
	}

	id, err := loadIdentity(g, cmd)
	if err != nil {
		return err
	}
	c, err := api.NewClient(ctx, api.ClientConfig{BaseURL: g.apiURL, Identity: id})
	if err != nil {
		return err
	}

	switch cmd {
	case "info":
		info, err := c.Info(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, info)
	case "stats":
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, stats)
	case "account":
		owner, err := ownerArg(a, 0, id)
		if err != nil {
			return err
		}
		acct, err := c.Account(ctx, owner)
		if err != nil {
			return err
		}
		return printJSON(out, acct)
	case "submit":
		return submit(ctx, c, a, out)
	case "get":
		if len(a) != 2 {
			return errors.New("usage: get <owner> <period>")
		}
		owner, err := types.ParsePrincipal(a[0])
		if err != nil {
			return err
		}
		p, err := types.ParsePeriod(a[1])
		if err != nil {
			return err
		}
		rec, err := c.Record(ctx, owner, p)
		if err != nil {
			return err
		}
		return printJSON(out, rec)
	case "compare", "range", "sum":
		periods, err := periodArgs(a, 2)
		if err != nil {
			return fmt.Errorf("usage: %s <period> <period>: %w", cmd, err)
		}
		switch cmd {
		case "compare":
			return printHandle(out)(c.Compare(ctx, periods[0], periods[1]))
		case "range":
			return printHandle(out)(c.CompareRange(ctx, periods[0], periods[1]))
		}
		agg, err := c.Sum(ctx, periods[0], periods[1])
		if err != nil {
			return err
		}
		return printJSON(out, agg)
	case "exists":
		periods, err := periodArgs(a, -1)
		if err != nil {
			return fmt.Errorf("usage: exists <period>...: %w", err)
		}
		return printHandle(out)(c.ExistsAny(ctx, periods))
	case "disclose":
		if len(a) != 1 {
			return errors.New("usage: disclose <handle>")
		}
		h, err := types.ParseHandle(a[0])
		if err != nil {
			return err
		}
		return disclose(ctx, g, c, id, h, in, out)
	case "events":
		var since uint64
		if len(a) > 0 {
			if since, err = strconv.ParseUint(a[0], 10, 64); err != nil {
				return fmt.Errorf("invalid sequence %q: %w", a[0], err)
			}
		}
		evs, err := c.Events(ctx, since)
		if err != nil {
			return err
		}
		return printJSON(out, evs)
	case "set-max-users":
		if len(a) != 1 {
			return errors.New("usage: set-max-users <n>")
		}
		n, err := strconv.ParseUint(a[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid cap %q: %w", a[0], err)
		}
		counter, err := c.SetMaxUsers(ctx, n)
		if err != nil {
			return err
		}
		return printJSON(out, counter)
	case "transfer-admin":
		if len(a) != 1 {
			return errors.New("usage: transfer-admin <address>")
		}
		next, err := types.ParsePrincipal(a[0])
		if err != nil {
			return err
		}
		if err := c.TransferAdmin(ctx, next); err != nil {
			return err
		}
		fmt.Fprintf(out, "Admin transferred to %s\n", next)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func defaultPath(name string) string { // A
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".ouroboros-ledger", name)
}

func keygen(g globals, out io.Writer) error { // A
	if _, err := os.Stat(g.keyPath); err == nil {
		return fmt.Errorf("key file %s already exists", g.keyPath)
	}
	id, err := auth.GenerateIdentity()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.keyPath), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := auth.SaveIdentityFile(g.keyPath, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "Address: %s\nKey file: %s\n", id.Address(), g.keyPath)
	return nil
}

// loadIdentity reads the key file. Read-only commands run
// without one.
func loadIdentity(g globals, cmd string) (*auth.Identity, error) { // A
	id, err := auth.LoadIdentityFile(g.keyPath)
	if err == nil {
		return id, nil
	}
	switch cmd {
	case "info", "stats", "get", "events":
		return nil, nil
	}
	return nil, fmt.Errorf("load key (run keygen first): %w", err)
}

func ownerArg(a []string, i int, id *auth.Identity) (types.Principal, error) { // A
	if len(a) > i {
		return types.ParsePrincipal(a[i])
	}
	if id == nil {
		return types.Principal{}, errors.New("owner address is required")
	}
	return id.Address(), nil
}

// periodArgs parses n periods, or at least one when n < 0.
func periodArgs(a []string, n int) ([]types.Period, error) { // A
	if (n >= 0 && len(a) != n) || len(a) == 0 {
		return nil, fmt.Errorf("got %d periods", len(a))
	}
	out := make([]types.Period, len(a))
	for i, s := range a {
		p, err := types.ParsePeriod(s)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func submit(ctx context.Context, c *api.Client, a []string, out io.Writer) error { // A
	if len(a) < 1 || len(a) > 2 {
		return errors.New("usage: submit <value> [period]")
	}
	v, err := strconv.ParseUint(a[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", a[0], err)
	}
	var p types.Period
	if len(a) == 2 {
		if p, err = types.ParsePeriod(a[1]); err != nil {
			return err
		}
	} else {
		info, err := c.Info(ctx)
		if err != nil {
			return err
		}
		p = info.Period
	}

	input, err := c.Encrypt(ctx, v)
	if err != nil {
		return err
	}
	rec, err := c.Submit(ctx, p, input)
	if err != nil {
		return err
	}
	return printJSON(out, rec)
}

func printHandle(out io.Writer) func(types.Handle, error) error { // A
	return func(h types.Handle, err error) error {
		if err != nil {
			return err
		}
		fmt.Fprintln(out, h)
		return nil
	}
}

func printJSON(out io.Writer, v any) error { // A
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// disclose runs the authorization handshake against the
// relayer. Authorizations are kept in a file so a later
// invocation does not ask again while they are valid.
func disclose( // A
	ctx context.Context,
	g globals,
	c *api.Client,
	id *auth.Identity,
	h types.Handle,
	in io.Reader,
	out io.Writer,
) error {
	relayerURL := g.relayerURL
	if relayerURL == "" {
		info, err := c.Info(ctx)
		if err != nil {
			return err
		}
		relayerURL = info.Relayer
	}
	if relayerURL == "" {
		return errors.New("ledger does not advertise a relayer, pass --relayer")
	}

	cache, err := disclosure.NewCache(disclosure.DefaultCacheSize, nil)
	if err != nil {
		return err
	}
	stored, err := loadAuthorizations(g.authzPath)
	if err != nil {
		return err
	}
	for _, authz := range stored {
		if authz.Verify() == nil {
			cache.Put(authz)
		}
	}

	authorizer, err := disclosure.New(disclosure.Config{
		Ledger:  c.Scope().Ledger,
		Grants:  c,
		Relayer: relayer.NewClient(relayerURL, nil),
		Cache:   cache,
		Logger:  logging.Discard(),
	})
	if err != nil {
		return err
	}

	approver := disclosure.AutoApprove
	if !g.yes {
		approver = promptApprover(in, out)
	}
	active := disclosure.Active{
		ChainID: c.Scope().ChainID,
		Signer:  disclosure.NewKeySigner(id, approver),
	}
	pt, err := authorizer.Disclose(ctx, h, active)
	if err != nil {
		return err
	}

	k := disclosure.Key{ChainID: active.ChainID, Ledger: c.Scope().Ledger, Signer: id.Address()}
	if authz, ok := cache.Peek(k); ok {
		stored[k.String()] = authz
		if err := saveAuthorizations(g.authzPath, stored); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, pt)
	return nil
}

// promptApprover asks on the terminal before signing.
func promptApprover(in io.Reader, out io.Writer) disclosure.Approver { // A
	r := bufio.NewReader(in)
	return disclosure.ApproverFunc(func(_ context.Context, stmt disclosure.Statement) (bool, error) {
		fmt.Fprintf(out,
			"Authorize disclosures on ledger %s (chain %d) for %s until %s? [y/N] ",
			stmt.Ledger, stmt.ChainID, stmt.Signer, stmt.Expiry.Format(time.RFC3339),
		)
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	})
}

func loadAuthorizations(path string) (map[string]disclosure.Authorization, error) { // A
	out := make(map[string]disclosure.Authorization)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read authorizations: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse authorizations: %w", err)
	}
	return out, nil
}

func saveAuthorizations(path string, all map[string]disclosure.Authorization) error { // A
	now := time.Now()
	for k, authz := range all {
		if authz.Statement.Expired(now) {
			delete(all, k)
		}
	}
	raw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create authorization directory: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}
