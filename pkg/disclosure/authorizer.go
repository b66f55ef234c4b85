package disclosure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/i5heu/ouroboros-ledger/internal/metrics"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const (
	logKeyChain  = "chain"
	logKeySigner = "signer"
	logKeyHandle = "handle"
	logKeyExpiry = "expiry"
)

// State is the authorization state of one
// (chain, ledger, signer) key.
type State uint8 // A

const ( // A
	NoAuthorization State = iota
	PendingSignature
	Authorized
	Expired
)

// String returns the state name.
func (s State) String() string { // A
	switch s {
	case NoAuthorization:
		return "no-authorization"
	case PendingSignature:
		return "pending-signature"
	case Authorized:
		return "authorized"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// GrantChecker answers whether a principal holds a grant.
type GrantChecker interface {
	HasGrant(ctx context.Context, h types.Handle, p types.Principal) (bool, error)
}

// Request is what the relayer receives.
type Request struct { // A
	Handle        types.Handle  `json:"handle"`
	Authorization Authorization `json:"authorization"`
}

// Relayer exchanges a handle and an authorization for the
// plaintext. Implementations report a stale statement as
// ErrAuthorizationExpired, a bad signature or binding as
// ErrSignatureRejected and a missing engine grant as
// ErrUnauthorized; everything else counts as transient.
type Relayer interface {
	Decrypt(ctx context.Context, req Request) (types.Plaintext, error)
}

// Active is the chain and signer currently selected by
// the client.
type Active struct { // A
	ChainID uint64
	Signer  Signer
}

// Config configures an Authorizer.
type Config struct { // A
	Ledger   types.Principal
	Grants   GrantChecker
	Relayer  Relayer
	Cache    *Cache
	Clock    auth.Clock
	Validity time.Duration
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

// Authorizer runs the disclosure handshake for one
// ledger.
type Authorizer struct { // A
	ledger   types.Principal
	grants   GrantChecker
	relayer  Relayer
	cache    *Cache
	clock    auth.Clock
	validity time.Duration
	metrics  *metrics.Metrics
	log      *logrus.Logger

	signing singleflight.Group

	mu      sync.Mutex
	pending map[Key]struct{}
}

// New creates an Authorizer. The cache is required so
// callers decide its lifetime and sharing.
func New(cfg Config) (*Authorizer, error) { // A
	if cfg.Ledger.IsZero() {
		return nil, errors.New("disclosure: ledger address is required")
	}
	if cfg.Grants == nil || cfg.Relayer == nil || cfg.Cache == nil {
		return nil, errors.New("disclosure: grants, relayer and cache are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.Validity > MaxValidity {
		return nil, fmt.Errorf("disclosure: validity exceeds %s", MaxValidity)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Authorizer{
		ledger:   cfg.Ledger,
		grants:   cfg.Grants,
		relayer:  cfg.Relayer,
		cache:    cfg.Cache,
		clock:    cfg.Clock,
		validity: cfg.Validity,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		pending:  make(map[Key]struct{}),
	}, nil
}

func (a *Authorizer) key( // A
	chainID uint64,
	signer types.Principal,
) Key {
	return Key{ChainID: chainID, Ledger: a.ledger, Signer: signer}
}

// State reports the authorization state for the pair. An
// expired authorization stays Expired until it is signed
// again or the relayer rejects it.
func (a *Authorizer) State( // A
	chainID uint64,
	signer types.Principal,
) State {
	k := a.key(chainID, signer)

	a.mu.Lock()
	_, pending := a.pending[k]
	a.mu.Unlock()
	if pending {
		return PendingSignature
	}

	authz, ok := a.cache.Peek(k)
	switch {
	case !ok:
		return NoAuthorization
	case authz.Statement.Expired(a.clock.Now()):
		return Expired
	default:
		return Authorized
	}
}

// Forget drops the cached authorization of the pair.
func (a *Authorizer) Forget( // A
	chainID uint64,
	signer types.Principal,
) {
	a.cache.Remove(a.key(chainID, signer))
}

// Authorize returns a valid authorization for active,
// asking the signer only when no cached one is bound to
// the active chain and signer. Concurrent callers for the
// same key share one signing prompt.
func (a *Authorizer) Authorize( // A
	ctx context.Context,
	active Active,
) (Authorization, error) {
	if active.Signer == nil {
		return Authorization{}, errors.New("disclosure: no active signer")
	}
	k := a.key(active.ChainID, active.Signer.Address())

	if authz, ok := a.cached(k); ok {
		return authz, nil
	}

	// The flight outlives any single caller; each caller
	// still gives up on its own ctx below.
	flightCtx := context.WithoutCancel(ctx)
	ch := a.signing.DoChan(k.String(), func() (interface{}, error) {
		return a.sign(flightCtx, k, active)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Authorization{}, res.Err
		}
		return res.Val.(Authorization), nil
	case <-ctx.Done():
		return Authorization{}, fmt.Errorf(
			"%w: %w", ErrDisclosureCancelled, ctx.Err(),
		)
	}
}

// cached returns the live authorization for k if it is
// bound to k's chain, signer and this ledger. A mismatched
// entry is dropped.
func (a *Authorizer) cached(k Key) (Authorization, bool) { // A
	authz, ok := a.cache.Get(k)
	if !ok {
		return Authorization{}, false
	}
	if !authz.BoundTo(k.ChainID, k.Signer) || authz.Statement.Ledger != a.ledger {
		a.cache.Remove(k)
		return Authorization{}, false
	}
	return authz, true
}

func (a *Authorizer) sign( // A
	ctx context.Context,
	k Key,
	active Active,
) (Authorization, error) {
	// A flight that just finished may have stored one.
	if authz, ok := a.cached(k); ok {
		return authz, nil
	}

	a.mu.Lock()
	a.pending[k] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, k)
		a.mu.Unlock()
	}()

	stmt, err := NewStatement(
		a.ledger, active.ChainID, k.Signer, a.clock.Now(), a.validity,
	)
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrDisclosureFailed, err)
	}

	sig, err := active.Signer.SignAuthorization(ctx, stmt)
	switch {
	case errors.Is(err, ErrDisclosureCancelled):
		a.log.WithFields(logrus.Fields{
			logKeyChain:  k.ChainID,
			logKeySigner: k.Signer.String(),
		}).Info("Disclosure authorization declined")
		return Authorization{}, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Authorization{}, fmt.Errorf("%w: %w", ErrDisclosureCancelled, err)
	case err != nil:
		return Authorization{}, fmt.Errorf("%w: sign: %w", ErrDisclosureFailed, err)
	}

	authz := Authorization{Statement: stmt, Signature: sig}
	if err := authz.Verify(); err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrDisclosureFailed, err)
	}

	a.cache.Put(authz)
	a.metrics.Signature()
	a.log.WithFields(logrus.Fields{
		logKeyChain:  k.ChainID,
		logKeySigner: k.Signer.String(),
		logKeyExpiry: stmt.Expiry.Format(time.RFC3339),
	}).Debug("Disclosure authorized")
	return authz, nil
}

// Disclose returns the plaintext of h for the active
// signer. The signer must hold a grant on h. A transport
// failure keeps the cached authorization so a later call
// reuses it; an expired or rejected authorization is
// dropped and has to be signed again.
func (a *Authorizer) Disclose( // A
	ctx context.Context,
	h types.Handle,
	active Active,
) (types.Plaintext, error) {
	pt, err := a.disclose(ctx, h, active)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	a.metrics.Disclosure(result)
	return pt, err
}

func (a *Authorizer) disclose( // A
	ctx context.Context,
	h types.Handle,
	active Active,
) (types.Plaintext, error) {
	if h.IsZero() {
		return types.Plaintext{}, fmt.Errorf(
			"%w: %w", ErrDisclosureFailed, ErrMalformedHandle,
		)
	}
	if active.Signer == nil {
		return types.Plaintext{}, errors.New("disclosure: no active signer")
	}
	signer := active.Signer.Address()

	granted, err := a.grants.HasGrant(ctx, h, signer)
	if err != nil {
		return types.Plaintext{}, fmt.Errorf(
			"%w: check grant: %w", ErrDisclosureFailed, err,
		)
	}
	if !granted {
		return types.Plaintext{}, ErrUnauthorized
	}

	authz, err := a.Authorize(ctx, active)
	if err != nil {
		return types.Plaintext{}, err
	}

	pt, err := a.relayer.Decrypt(ctx, Request{Handle: h, Authorization: authz})
	if err == nil {
		return pt, nil
	}

	k := authz.Key()
	fields := logrus.Fields{
		logKeyChain:  k.ChainID,
		logKeySigner: k.Signer.String(),
		logKeyHandle: h.Tag(),
	}
	switch {
	case errors.Is(err, ErrAuthorizationExpired):
		a.cache.Remove(k)
		a.log.WithFields(fields).Info("Relayer reported expired authorization")
		return types.Plaintext{}, ErrAuthorizationExpired
	case errors.Is(err, ErrSignatureRejected):
		a.cache.Remove(k)
		a.log.WithFields(fields).Warn("Relayer rejected authorization")
		return types.Plaintext{}, fmt.Errorf("%w: %w", ErrDisclosureFailed, err)
	case errors.Is(err, ErrUnauthorized):
		return types.Plaintext{}, ErrUnauthorized
	case errors.Is(err, ErrMalformedHandle):
		return types.Plaintext{}, fmt.Errorf("%w: %w", ErrDisclosureFailed, err)
	default:
		a.log.WithFields(fields).WithError(err).Warn("Relayer exchange failed")
		return types.Plaintext{}, fmt.Errorf("%w: %w", ErrDisclosureFailed, err)
	}
}
