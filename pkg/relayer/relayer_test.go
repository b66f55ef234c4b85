package relayer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ledger/internal/testutil"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/disclosure"
	"github.com/i5heu/ouroboros-ledger/pkg/engine/memengine"
	"github.com/i5heu/ouroboros-ledger/pkg/events"
	"github.com/i5heu/ouroboros-ledger/pkg/grants"
	"github.com/i5heu/ouroboros-ledger/pkg/ledger"
	"github.com/i5heu/ouroboros-ledger/pkg/relayer"
	"github.com/i5heu/ouroboros-ledger/pkg/trend"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const (
	chainID = uint64(31337)
	today   = types.Period(19724)
)

type stack struct { // A
	clock   *auth.ManualClock
	engine  *memengine.Engine
	grants  *grants.Registry
	ledger  *ledger.Ledger
	trend   *trend.Engine
	relayer *relayer.Server
	url     string
}

func newStack(t *testing.T) *stack { // A
	t.Helper()
	ctx := context.Background()
	kv := testutil.NewStore(t)
	log := testutil.Logger(t)
	clk := auth.NewManualClock(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))

	eng, err := memengine.New(memengine.Config{Store: kv, Logger: log})
	require.NoError(t, err)
	reg, err := grants.New(grants.Config{Store: kv, ACL: eng, Clock: clk, Logger: log})
	require.NoError(t, err)
	evs := events.New(events.Config{Logger: log, Clock: clk})
	t.Cleanup(evs.Stop)

	l, err := ledger.New(ctx, ledger.Config{
		Store:    kv,
		Verifier: eng,
		Grants:   reg,
		Events:   evs,
		Address:  testutil.Principal(t),
		Admin:    testutil.Principal(t),
		Clock:    clk,
		Logger:   log,
	})
	require.NoError(t, err)

	tr, err := trend.New(trend.Config{
		Records:   l,
		Evaluator: eng,
		Grants:    reg,
		Events:    evs,
		Logger:    log,
	})
	require.NoError(t, err)

	rel, err := relayer.New(relayer.Config{
		Backend: eng,
		Scope:   auth.Scope{Ledger: l.Address(), ChainID: chainID},
		Clock:   clk,
		Logger:  log,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(rel)
	t.Cleanup(srv.Close)

	return &stack{
		clock:   clk,
		engine:  eng,
		grants:  reg,
		ledger:  l,
		trend:   tr,
		relayer: rel,
		url:     srv.URL,
	}
}

func (s *stack) submit( // A
	t *testing.T,
	owner types.Principal,
	p types.Period,
	v uint64,
) types.Record {
	t.Helper()
	ctx := context.Background()
	in, err := s.engine.Encrypt(ctx, s.ledger.Address(), owner, v)
	require.NoError(t, err)
	rec, err := s.ledger.Submit(ctx, owner, p, in)
	require.NoError(t, err)
	return rec
}

func (s *stack) authorizer( // A
	t *testing.T,
	relay disclosure.Relayer,
) *disclosure.Authorizer {
	t.Helper()
	cache, err := disclosure.NewCache(8, s.clock)
	require.NoError(t, err)
	a, err := disclosure.New(disclosure.Config{
		Ledger:  s.ledger.Address(),
		Grants:  s.grants,
		Relayer: relay,
		Cache:   cache,
		Clock:   s.clock,
		Logger:  testutil.Logger(t),
	})
	require.NoError(t, err)
	return a
}

func signerFor(t *testing.T) (*auth.Identity, *disclosure.KeySigner) { // A
	t.Helper()
	id, err := auth.GenerateIdentity()
	require.NoError(t, err)
	return id, disclosure.NewKeySigner(id, nil)
}

func TestDecreaseDisclosedOverHTTP(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	id, signer := signerFor(t)
	owner := id.Address()

	s.submit(t, owner, today-1, 75)
	s.submit(t, owner, today, 70)

	h, err := s.trend.Compare(ctx, owner, today-1, today)
	require.NoError(t, err)

	a := s.authorizer(t, relayer.NewClient(s.url, nil))
	pt, err := a.Disclose(ctx, h, disclosure.Active{ChainID: chainID, Signer: signer})
	require.NoError(t, err)
	assert.Equal(t, types.KindBool, pt.Kind)
	assert.True(t, pt.Bool(), "75 -> 70 is a decrease")

	stored, err := s.ledger.Get(ctx, owner, today)
	require.NoError(t, err)
	raw, err := a.Disclose(ctx, stored, disclosure.Active{ChainID: chainID, Signer: signer})
	require.NoError(t, err)
	assert.Equal(t, uint64(70), raw.Value)
}

func TestOtherPrincipalCannotDisclose(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	ownerID, _ := signerFor(t)
	_, intruder := signerFor(t)

	rec := s.submit(t, ownerID.Address(), today, 70)

	a := s.authorizer(t, relayer.NewClient(s.url, nil))
	_, err := a.Disclose(ctx, rec.Value, disclosure.Active{ChainID: chainID, Signer: intruder})
	require.ErrorIs(t, err, disclosure.ErrUnauthorized)
}

func TestRelayerChecksEngineACLIndependently(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	ownerID, _ := signerFor(t)
	intruderID, _ := signerFor(t)
	rec := s.submit(t, ownerID.Address(), today, 70)

	// A correctly signed authorization is not enough without
	// an engine grant.
	stmt, err := disclosure.NewStatement(
		s.ledger.Address(), chainID, intruderID.Address(), s.clock.Now(), time.Hour,
	)
	require.NoError(t, err)
	authz := disclosure.Authorization{
		Statement: stmt,
		Signature: intruderID.SignDigest(stmt.Digest()),
	}

	c := relayer.NewClient(s.url, nil)
	_, err = c.Decrypt(ctx, disclosure.Request{Handle: rec.Value, Authorization: authz})
	require.ErrorIs(t, err, disclosure.ErrUnauthorized)
}

func TestRelayerRejectsForeignBinding(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	id, _ := signerFor(t)
	rec := s.submit(t, id.Address(), today, 70)
	c := relayer.NewClient(s.url, nil)

	sign := func(ledgerAddr types.Principal, chain uint64) disclosure.Authorization {
		stmt, err := disclosure.NewStatement(ledgerAddr, chain, id.Address(), s.clock.Now(), time.Hour)
		require.NoError(t, err)
		return disclosure.Authorization{Statement: stmt, Signature: id.SignDigest(stmt.Digest())}
	}

	_, err := c.Decrypt(ctx, disclosure.Request{Handle: rec.Value, Authorization: sign(s.ledger.Address(), 1)})
	require.ErrorIs(t, err, disclosure.ErrSignatureRejected)

	_, err = c.Decrypt(ctx, disclosure.Request{Handle: rec.Value, Authorization: sign(testutil.Principal(t), chainID)})
	require.ErrorIs(t, err, disclosure.ErrSignatureRejected)

	tampered := sign(s.ledger.Address(), chainID)
	tampered.Statement.Expiry = tampered.Statement.Expiry.Add(time.Hour)
	_, err = c.Decrypt(ctx, disclosure.Request{Handle: rec.Value, Authorization: tampered})
	require.ErrorIs(t, err, disclosure.ErrSignatureRejected)

	pt, err := c.Decrypt(ctx, disclosure.Request{Handle: rec.Value, Authorization: sign(s.ledger.Address(), chainID)})
	require.NoError(t, err)
	assert.Equal(t, uint64(70), pt.Value)
}

func TestRelayerReportsExpiry(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	id, signer := signerFor(t)
	rec := s.submit(t, id.Address(), today, 70)

	// The relayer's clock runs ahead of the client's view
	// of the authorization, so the cached entry is still
	// live locally but stale remotely.
	cache, err := disclosure.NewCache(8, auth.NewManualClock(s.clock.Now()))
	require.NoError(t, err)
	a, err := disclosure.New(disclosure.Config{
		Ledger:  s.ledger.Address(),
		Grants:  s.grants,
		Relayer: relayer.NewClient(s.url, nil),
		Cache:   cache,
		Clock:   auth.NewManualClock(s.clock.Now()),
		Logger:  testutil.Logger(t),
	})
	require.NoError(t, err)
	active := disclosure.Active{ChainID: chainID, Signer: signer}

	_, err = a.Disclose(ctx, rec.Value, active)
	require.NoError(t, err)

	s.clock.Advance(disclosure.DefaultValidity + time.Minute)
	_, err = a.Disclose(ctx, rec.Value, active)
	require.ErrorIs(t, err, disclosure.ErrAuthorizationExpired)
	assert.Equal(t, disclosure.NoAuthorization, a.State(chainID, id.Address()))
}

func TestRelayerTimeoutKeepsAuthorization(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	id, signer := signerFor(t)
	rec := s.submit(t, id.Address(), today, 70)

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		s.relayer.ServeHTTP(w, r)
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	a := s.authorizer(t, relayer.NewClient(slow.URL, nil))
	active := disclosure.Active{ChainID: chainID, Signer: signer}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Disclose(ctx, rec.Value, active)
	require.ErrorIs(t, err, disclosure.ErrDisclosureFailed)
	assert.True(t, disclosure.IsRetryable(err))
	assert.Equal(t, disclosure.Authorized, a.State(chainID, id.Address()))

	// The retry goes to the direct relayer and reuses the
	// cached authorization.
	cached, err := a.Authorize(context.Background(), active)
	require.NoError(t, err)
	pt, err := relayer.NewClient(s.url, nil).Decrypt(
		context.Background(),
		disclosure.Request{Handle: rec.Value, Authorization: cached},
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), pt.Value)
}

func TestRelayerRejectsMalformedRequests(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	id, _ := signerFor(t)

	stmt, err := disclosure.NewStatement(s.ledger.Address(), chainID, id.Address(), s.clock.Now(), time.Hour)
	require.NoError(t, err)
	authz := disclosure.Authorization{Statement: stmt, Signature: id.SignDigest(stmt.Digest())}
	c := relayer.NewClient(s.url, nil)

	_, err = c.Decrypt(ctx, disclosure.Request{Authorization: authz})
	require.ErrorIs(t, err, disclosure.ErrMalformedHandle)

	resp, err := http.Post(s.url+relayer.DecryptPath, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInProcessRelayer(t *testing.T) { // A
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	id, signer := signerFor(t)
	rec := s.submit(t, id.Address(), today, 42)

	a := s.authorizer(t, s.relayer)
	pt, err := a.Disclose(ctx, rec.Value, disclosure.Active{ChainID: chainID, Signer: signer})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pt.Value)
}
