package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Header names carrying a request envelope.
const (
	HeaderSigner    = "X-Ledger-Signer"
	HeaderTimestamp = "X-Ledger-Timestamp"
	HeaderNonce     = "X-Ledger-Nonce"
	HeaderSignature = "X-Ledger-Signature"
)

// DefaultRequestWindow is how far a request timestamp may
// drift from the verifier's clock.
const DefaultRequestWindow = 2 * time.Minute

var (
	// ErrMissingEnvelope is returned when a request carries
	// no or incomplete envelope headers.
	ErrMissingEnvelope = errors.New("auth: missing request envelope")

	// ErrStaleRequest is returned for timestamps outside
	// the acceptance window.
	ErrStaleRequest = errors.New("auth: request timestamp outside window")

	// ErrReplayedRequest is returned for a nonce that was
	// already accepted.
	ErrReplayedRequest = errors.New("auth: replayed request nonce")

	// ErrSignerMismatch is returned when the signature
	// recovers to a different address than the claimed
	// signer.
	ErrSignerMismatch = errors.New("auth: signature does not match signer")
)

// Envelope is the authentication attached to one request.
type Envelope struct { // A
	Signer    types.Principal
	Timestamp time.Time
	Nonce     [32]byte
	Signature []byte
}

// SignRequest builds an envelope for a request with a
// fresh random nonce. The timestamp is truncated to
// milliseconds, the resolution carried on the wire.
func SignRequest( // A
	id *Identity,
	scope Scope,
	method string,
	path string,
	body []byte,
	now time.Time,
) (Envelope, error) {
	if id == nil {
		return Envelope{}, errors.New("identity must not be nil")
	}
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	ts := time.UnixMilli(now.UnixMilli())

	digest, err := requestDigest(scope, method, path, ts, nonce, body)
	if err != nil {
		return Envelope{}, fmt.Errorf("build request digest: %w", err)
	}

	return Envelope{
		Signer:    id.Address(),
		Timestamp: ts,
		Nonce:     nonce,
		Signature: id.SignDigest(digest),
	}, nil
}

// Apply writes the envelope into h.
func (e Envelope) Apply(h http.Header) { // A
	h.Set(HeaderSigner, e.Signer.String())
	h.Set(HeaderTimestamp, strconv.FormatInt(e.Timestamp.UnixMilli(), 10))
	h.Set(HeaderNonce, hex.EncodeToString(e.Nonce[:]))
	h.Set(HeaderSignature, hex.EncodeToString(e.Signature))
}

// EnvelopeFromHeader parses the envelope headers of h.
func EnvelopeFromHeader(h http.Header) (Envelope, error) { // A
	signer := h.Get(HeaderSigner)
	ts := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	sig := h.Get(HeaderSignature)
	if signer == "" || ts == "" || nonce == "" || sig == "" {
		return Envelope{}, ErrMissingEnvelope
	}

	var e Envelope
	p, err := types.ParsePrincipal(signer)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMissingEnvelope, err)
	}
	e.Signer = p

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf(
			"%w: timestamp: %w", ErrMissingEnvelope, err,
		)
	}
	e.Timestamp = time.UnixMilli(ms)

	n, err := hex.DecodeString(nonce)
	if err != nil || len(n) != len(e.Nonce) {
		return Envelope{}, fmt.Errorf(
			"%w: malformed nonce", ErrMissingEnvelope,
		)
	}
	copy(e.Nonce[:], n)

	e.Signature, err = hex.DecodeString(sig)
	if err != nil {
		return Envelope{}, fmt.Errorf(
			"%w: signature: %w", ErrMissingEnvelope, err,
		)
	}
	return e, nil
}

// RequestVerifier authenticates request envelopes for one
// scope. It is safe for concurrent use.
type RequestVerifier struct { // A
	scope  Scope
	window time.Duration
	clock  Clock
	nonces *NonceCache
}

// NewRequestVerifier creates a verifier. A zero window
// means DefaultRequestWindow.
func NewRequestVerifier( // A
	scope Scope,
	window time.Duration,
	clock Clock,
) *RequestVerifier {
	if window <= 0 {
		window = DefaultRequestWindow
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &RequestVerifier{
		scope:  scope,
		window: window,
		clock:  clock,
		nonces: NewNonceCache(window, clock),
	}
}

// Scope returns the scope requests are verified against.
func (v *RequestVerifier) Scope() Scope { // A
	return v.scope
}

// Verify authenticates env for the given request and
// returns the signing principal. The nonce is consumed
// only once the signature checks out.
func (v *RequestVerifier) Verify( // A
	env Envelope,
	method string,
	path string,
	body []byte,
) (types.Principal, error) {
	now := v.clock.Now()
	if env.Timestamp.Before(now.Add(-v.window)) ||
		env.Timestamp.After(now.Add(v.window)) {
		return types.Principal{}, fmt.Errorf(
			"%w: %s", ErrStaleRequest, env.Timestamp.UTC().Format(time.RFC3339),
		)
	}

	digest, err := requestDigest(
		v.scope, method, path, env.Timestamp, env.Nonce, body,
	)
	if err != nil {
		return types.Principal{}, fmt.Errorf(
			"build request digest: %w", err,
		)
	}

	signer, err := RecoverAddress(digest, env.Signature)
	if err != nil {
		return types.Principal{}, err
	}
	if signer != env.Signer {
		return types.Principal{}, ErrSignerMismatch
	}

	if !v.nonces.RecordNonce(env.Nonce, env.Timestamp) {
		return types.Principal{}, ErrReplayedRequest
	}
	return signer, nil
}
