package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	httpapi "github.com/i5heu/ouroboros-ledger/internal/api"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/events"
	"github.com/i5heu/ouroboros-ledger/pkg/trend"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	// Identity signs mutating requests. Read-only clients
	// may leave it nil.
	Identity *auth.Identity
	// Scope is learned from Info when left zero.
	Scope auth.Scope
	HTTP  *http.Client
	Clock auth.Clock
}

// Client is the ledger API client. HasGrant makes it a
// disclosure.GrantChecker.
type Client struct {
	base  string
	id    *auth.Identity
	scope auth.Scope
	http  *http.Client
	clock auth.Clock
}

// NewClient creates a Client. With a zero scope it asks
// the server for its Info first.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) { // A
	if cfg.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	c := &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		id:    cfg.Identity,
		scope: cfg.Scope,
		http:  cfg.HTTP,
		clock: cfg.Clock,
	}
	if c.scope.Ledger.IsZero() {
		info, err := c.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch ledger info: %w", err)
		}
		c.scope = auth.Scope{Ledger: info.Ledger, ChainID: info.ChainID}
	}
	return c, nil
}

// Scope returns the ledger and chain the client signs
// for.
func (c *Client) Scope() auth.Scope { // A
	return c.scope
}

// Info returns the server description.
func (c *Client) Info(ctx context.Context) (Info, error) { // A
	var out Info
	err := c.get(ctx, "/v1/info", &out)
	return out, err
}

// Stats returns the population counter.
func (c *Client) Stats(ctx context.Context) (types.SystemCounter, error) { // A
	var out types.SystemCounter
	err := c.get(ctx, "/v1/stats", &out)
	return out, err
}

// Record returns the record of (owner, period).
func (c *Client) Record( // A
	ctx context.Context,
	owner types.Principal,
	p types.Period,
) (RecordResponse, error) {
	var out RecordResponse
	err := c.get(ctx, "/v1/records/"+owner.String()+"/"+p.String(), &out)
	return out, err
}

// Account returns owner's account state.
func (c *Client) Account( // A
	ctx context.Context,
	owner types.Principal,
) (types.UserAccountState, error) {
	var out types.UserAccountState
	err := c.get(ctx, "/v1/accounts/"+owner.String(), &out)
	return out, err
}

// HasGrant reports whether p may disclose h.
func (c *Client) HasGrant( // A
	ctx context.Context,
	h types.Handle,
	p types.Principal,
) (bool, error) {
	var out GrantResponse
	err := c.get(ctx, "/v1/grants/"+h.String()+"/"+p.String(), &out)
	return out.Granted, err
}

// Events returns notifications newer than since.
func (c *Client) Events(ctx context.Context, since uint64) ([]events.Event, error) { // A
	var out []events.Event
	q := url.Values{"since": {strconv.FormatUint(since, 10)}}
	err := c.get(ctx, "/v1/events?"+q.Encode(), &out)
	return out, err
}

// Encrypt asks the server's engine for a handle of v bound
// to the caller.
func (c *Client) Encrypt(ctx context.Context, v uint64) (types.EncryptedInput, error) { // A
	var out types.EncryptedInput
	err := c.post(ctx, "/v1/encrypt", EncryptRequest{Value: v}, &out)
	return out, err
}

// Submit stores in for the caller at p.
func (c *Client) Submit( // A
	ctx context.Context,
	p types.Period,
	in types.EncryptedInput,
) (types.Record, error) {
	var out types.Record
	err := c.post(ctx, "/v1/records", SubmitRequest{Period: p, Input: in}, &out)
	return out, err
}

// SubmitBatch stores several inputs for the caller.
func (c *Client) SubmitBatch( // A
	ctx context.Context,
	periods []types.Period,
	inputs []types.EncryptedInput,
) ([]types.Record, error) {
	var out []types.Record
	err := c.post(ctx, "/v1/records/batch",
		SubmitBatchRequest{Periods: periods, Inputs: inputs}, &out)
	return out, err
}

// Compare derives "value(b) < value(a)" for the caller.
func (c *Client) Compare( // A
	ctx context.Context,
	a types.Period,
	b types.Period,
) (types.Handle, error) {
	var out HandleResponse
	err := c.post(ctx, "/v1/trend/compare", CompareRequest{PeriodA: a, PeriodB: b}, &out)
	return out.Handle, err
}

// CompareRange is Compare with range ceilings.
func (c *Client) CompareRange( // A
	ctx context.Context,
	start types.Period,
	end types.Period,
) (types.Handle, error) {
	var out HandleResponse
	err := c.post(ctx, "/v1/trend/range", RangeRequest{Start: start, End: end}, &out)
	return out.Handle, err
}

// ExistsAny derives "any of periods holds a record".
func (c *Client) ExistsAny( // A
	ctx context.Context,
	periods []types.Period,
) (types.Handle, error) {
	var out HandleResponse
	err := c.post(ctx, "/v1/trend/exists", ExistsRequest{Periods: periods}, &out)
	return out.Handle, err
}

// Sum derives the encrypted sum over [start, end].
func (c *Client) Sum( // A
	ctx context.Context,
	start types.Period,
	end types.Period,
) (trend.Aggregate, error) {
	var out trend.Aggregate
	err := c.post(ctx, "/v1/trend/sum", RangeRequest{Start: start, End: end}, &out)
	return out, err
}

// SetMaxUsers changes the population cap (admin only).
func (c *Client) SetMaxUsers(ctx context.Context, n uint64) (types.SystemCounter, error) { // A
	var out types.SystemCounter
	err := c.post(ctx, "/v1/admin/max-users", MaxUsersRequest{MaxUsers: n}, &out)
	return out, err
}

// TransferAdmin hands the admin role to next (admin
// only).
func (c *Client) TransferAdmin(ctx context.Context, next types.Principal) error { // A
	return c.post(ctx, "/v1/admin/transfer", TransferAdminRequest{Admin: next}, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error { // A
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error { // A
	if c.id == nil {
		return errors.New("api: client has no signing identity")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	env, err := auth.SignRequest(c.id, c.scope, http.MethodPost, req.URL.Path, body, c.clock.Now())
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	env.Apply(req.Header)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error { // A
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorOf(httpapi.DecodeError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
