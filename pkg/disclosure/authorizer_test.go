package disclosure

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

var (
	testLedger = types.Principal{0xAA, 0x01}
	chainA     = uint64(1)
	chainB     = uint64(31337)
)

type grantSet struct { // A
	mu  sync.Mutex
	set map[types.Handle]map[types.Principal]bool
}

func newGrantSet() *grantSet { // A
	return &grantSet{set: make(map[types.Handle]map[types.Principal]bool)}
}

func (g *grantSet) allow(h types.Handle, p types.Principal) { // A
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set[h] == nil {
		g.set[h] = make(map[types.Principal]bool)
	}
	g.set[h][p] = true
}

func (g *grantSet) HasGrant( // A
	_ context.Context,
	h types.Handle,
	p types.Principal,
) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set[h][p], nil
}

// fakeRelayer verifies authorizations the way a real
// relayer does and returns a fixed plaintext per handle.
type fakeRelayer struct { // A
	clock  auth.Clock
	values map[types.Handle]types.Plaintext
	calls  atomic.Int32

	mu   sync.Mutex
	fail error
}

func (r *fakeRelayer) failWith(err error) { // A
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *fakeRelayer) Decrypt( // A
	ctx context.Context,
	req Request,
) (types.Plaintext, error) {
	r.calls.Add(1)
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return types.Plaintext{}, fail
	}
	if err := ctx.Err(); err != nil {
		return types.Plaintext{}, err
	}
	if err := req.Authorization.Statement.Validate(r.clock.Now()); err != nil {
		return types.Plaintext{}, err
	}
	if err := req.Authorization.Verify(); err != nil {
		return types.Plaintext{}, err
	}
	return r.values[req.Handle], nil
}

type countingApprover struct { // A
	calls  atomic.Int32
	answer bool
	gate   chan struct{}
}

func (c *countingApprover) Approve( // A
	ctx context.Context,
	_ Statement,
) (bool, error) {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return c.answer, nil
}

type fixture struct { // A
	clock    *auth.ManualClock
	grants   *grantSet
	relayer  *fakeRelayer
	cache    *Cache
	authz    *Authorizer
	handle   types.Handle
	id       *auth.Identity
	approver *countingApprover
	signer   *KeySigner
}

func newFixture(t *testing.T) *fixture { // A
	t.Helper()
	clk := auth.NewManualClock(time.Unix(1_700_000_000, 0))
	cache, err := NewCache(16, clk)
	require.NoError(t, err)

	id, err := auth.GenerateIdentity()
	require.NoError(t, err)

	h := types.Handle{0x42}
	grants := newGrantSet()
	grants.allow(h, id.Address())

	rel := &fakeRelayer{
		clock:  clk,
		values: map[types.Handle]types.Plaintext{h: types.BoolPlaintext(true)},
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	a, err := New(Config{
		Ledger:  testLedger,
		Grants:  grants,
		Relayer: rel,
		Cache:   cache,
		Clock:   clk,
		Logger:  logger,
	})
	require.NoError(t, err)

	approver := &countingApprover{answer: true}
	return &fixture{
		clock:    clk,
		grants:   grants,
		relayer:  rel,
		cache:    cache,
		authz:    a,
		handle:   h,
		id:       id,
		approver: approver,
		signer:   NewKeySigner(id, approver),
	}
}

func TestDiscloseSignsOnceAndCaches(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	active := Active{ChainID: chainA, Signer: f.signer}

	assert.Equal(t, NoAuthorization, f.authz.State(chainA, f.id.Address()))

	pt, err := f.authz.Disclose(ctx, f.handle, active)
	require.NoError(t, err)
	assert.True(t, pt.Bool())
	assert.Equal(t, Authorized, f.authz.State(chainA, f.id.Address()))

	_, err = f.authz.Disclose(ctx, f.handle, active)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.approver.calls.Load(), "second disclosure must reuse the authorization")
}

func TestDiscloseWithoutGrantIsUnauthorized(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)

	other, err := auth.GenerateIdentity()
	require.NoError(t, err)
	approver := &countingApprover{answer: true}

	_, err = f.authz.Disclose(
		context.Background(),
		f.handle,
		Active{ChainID: chainA, Signer: NewKeySigner(other, approver)},
	)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, approver.calls.Load(), "no prompt without a grant")
	assert.Zero(t, f.relayer.calls.Load())
}

func TestDiscloseRejectsZeroHandle(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	_, err := f.authz.Disclose(
		context.Background(),
		types.Handle{},
		Active{ChainID: chainA, Signer: f.signer},
	)
	require.ErrorIs(t, err, ErrDisclosureFailed)
	require.ErrorIs(t, err, ErrMalformedHandle)
	assert.False(t, IsRetryable(err))
}

func TestAuthorizationBindingForcesResign(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.authz.Disclose(ctx, f.handle, Active{ChainID: chainA, Signer: f.signer})
	require.NoError(t, err)
	require.Equal(t, int32(1), f.approver.calls.Load())

	// Same signer, other chain.
	_, err = f.authz.Disclose(ctx, f.handle, Active{ChainID: chainB, Signer: f.signer})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.approver.calls.Load())

	// Same chain, other signer.
	otherID, err := auth.GenerateIdentity()
	require.NoError(t, err)
	f.grants.allow(f.handle, otherID.Address())
	otherApprover := &countingApprover{answer: true}
	_, err = f.authz.Disclose(ctx, f.handle, Active{
		ChainID: chainA,
		Signer:  NewKeySigner(otherID, otherApprover),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), otherApprover.calls.Load())

	a1, ok := f.cache.Get(Key{ChainID: chainA, Ledger: testLedger, Signer: f.id.Address()})
	require.True(t, ok)
	assert.False(t, a1.BoundTo(chainB, f.id.Address()))
	assert.False(t, a1.BoundTo(chainA, otherID.Address()))
}

func TestMisboundCacheEntryIsDropped(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)

	// An authorization whose statement names another ledger
	// must never be served for this one.
	stmt, err := NewStatement(types.Principal{0xBB}, chainA, f.id.Address(), f.clock.Now(), time.Hour)
	require.NoError(t, err)
	foreign := Authorization{Statement: stmt, Signature: f.id.SignDigest(stmt.Digest())}
	k := Key{ChainID: chainA, Ledger: testLedger, Signer: f.id.Address()}
	f.cache.entries.Add(k, foreign)

	got, err := f.authz.Authorize(context.Background(), Active{ChainID: chainA, Signer: f.signer})
	require.NoError(t, err)
	assert.Equal(t, testLedger, got.Statement.Ledger)
	assert.Equal(t, int32(1), f.approver.calls.Load())
}

func TestDiscloseCancelled(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	f.approver.answer = false

	_, err := f.authz.Disclose(context.Background(), f.handle, Active{ChainID: chainA, Signer: f.signer})
	require.ErrorIs(t, err, ErrDisclosureCancelled)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, NoAuthorization, f.authz.State(chainA, f.id.Address()))
	assert.Zero(t, f.relayer.calls.Load())
	assert.Equal(t, int32(1), f.approver.calls.Load(), "no automatic retry")
}

func TestRelayerTimeoutKeepsAuthorization(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	active := Active{ChainID: chainA, Signer: f.signer}

	f.relayer.failWith(context.DeadlineExceeded)
	_, err := f.authz.Disclose(context.Background(), f.handle, active)
	require.ErrorIs(t, err, ErrDisclosureFailed)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, Authorized, f.authz.State(chainA, f.id.Address()))

	f.relayer.failWith(nil)
	pt, err := f.authz.Disclose(context.Background(), f.handle, active)
	require.NoError(t, err)
	assert.True(t, pt.Bool())
	assert.Equal(t, int32(1), f.approver.calls.Load(), "retry must reuse the cached authorization")
}

func TestRelayerRejectionDropsAuthorization(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	active := Active{ChainID: chainA, Signer: f.signer}

	f.relayer.failWith(ErrSignatureRejected)
	_, err := f.authz.Disclose(context.Background(), f.handle, active)
	require.ErrorIs(t, err, ErrDisclosureFailed)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, NoAuthorization, f.authz.State(chainA, f.id.Address()))

	f.relayer.failWith(ErrAuthorizationExpired)
	_, err = f.authz.Disclose(context.Background(), f.handle, active)
	require.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.Equal(t, NoAuthorization, f.authz.State(chainA, f.id.Address()))
}

func TestAuthorizationExpiry(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	active := Active{ChainID: chainA, Signer: f.signer}

	_, err := f.authz.Disclose(context.Background(), f.handle, active)
	require.NoError(t, err)

	f.clock.Advance(DefaultValidity)
	assert.Equal(t, Expired, f.authz.State(chainA, f.id.Address()))

	// A declined re-signature leaves the old one expired.
	f.approver.answer = false
	_, err = f.authz.Disclose(context.Background(), f.handle, active)
	require.ErrorIs(t, err, ErrDisclosureCancelled)
	assert.Equal(t, Expired, f.authz.State(chainA, f.id.Address()))

	f.approver.answer = true
	_, err = f.authz.Disclose(context.Background(), f.handle, active)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.approver.calls.Load(), "expired authorization requires a new signature")
	assert.Equal(t, Authorized, f.authz.State(chainA, f.id.Address()))
}

func TestConcurrentDisclosuresSharePrompt(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	f.approver.gate = make(chan struct{})
	active := Active{ChainID: chainA, Signer: f.signer}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.authz.Disclose(context.Background(), f.handle, active)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return f.authz.State(chainA, f.id.Address()) == PendingSignature
	}, time.Second, time.Millisecond)
	close(f.approver.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	// Late goroutines may arrive after the shared call
	// finished; they hit the cache instead of prompting.
	assert.Equal(t, int32(1), f.approver.calls.Load())
}

func TestCancelledCallerDoesNotCancelSharedPrompt(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	f.approver.gate = make(chan struct{})
	active := Active{ChainID: chainA, Signer: f.signer}

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.authz.Authorize(first, active)
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		return f.authz.State(chainA, f.id.Address()) == PendingSignature
	}, time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := f.authz.Authorize(context.Background(), active)
		secondErr <- err
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, ErrDisclosureCancelled)
	assert.Equal(t, PendingSignature, f.authz.State(chainA, f.id.Address()),
		"the prompt keeps running for the remaining caller")

	close(f.approver.gate)
	require.NoError(t, <-secondErr)
	assert.Equal(t, Authorized, f.authz.State(chainA, f.id.Address()))
}

func TestNewRequiresCache(t *testing.T) { // A
	t.Parallel()
	_, err := New(Config{
		Ledger:  testLedger,
		Grants:  newGrantSet(),
		Relayer: &fakeRelayer{},
	})
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) { // A
	t.Parallel()
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("other")))
	assert.True(t, IsRetryable(ErrDisclosureFailed))
	assert.False(t, IsRetryable(ErrDisclosureCancelled))
	assert.False(t, IsRetryable(ErrUnauthorized))
	assert.False(t, IsRetryable(ErrAuthorizationExpired))
}
