// Package memengine is a local stand-in for the
// computation engine. Plaintexts live in the key-value
// store behind random handles and are only reachable
// through Decrypt. Input proofs are BLAKE3 keyed MACs over
// the (ledger, principal, handle) triple.
package memengine

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/engine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const (
	ctxInputProofV1 = "CTX_ENGINE_INPUT_PROOF_V1"
	ctxSecretV1     = "ouroboros-ledger memengine proof key v1"

	// ProofSize is the byte length of an input proof.
	ProofSize = 32

	// SecretSize is the byte length of the MAC key.
	SecretSize = 32
)

var (
	valuePrefix = []byte("eng/v/")
	aclPrefix   = []byte("eng/acl/")
)

var _ engine.Engine = (*Engine)(nil)

// Config configures an Engine.
type Config struct { // A
	Store *keyValStore.KeyValStore
	// Secret keys the provenance MAC. Empty means a fresh
	// random key, so proofs do not survive a restart.
	Secret []byte
	Logger *logrus.Logger
}

// Engine implements engine.Engine on top of the store.
type Engine struct { // A
	store  *keyValStore.KeyValStore
	secret []byte
	log    *logrus.Logger
}

// DeriveSecret stretches a configured seed into a MAC key.
func DeriveSecret(seed []byte) []byte { // A
	out := make([]byte, SecretSize)
	blake3.DeriveKey(ctxSecretV1, seed, out)
	return out
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) { // A
	if cfg.Store == nil {
		return nil, errors.New("memengine: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	secret := cfg.Secret
	switch len(secret) {
	case 0:
		secret = make([]byte, SecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	case SecretSize:
	default:
		return nil, fmt.Errorf(
			"memengine: secret must be %d bytes, got %d",
			SecretSize, len(secret),
		)
	}
	return &Engine{
		store:  cfg.Store,
		secret: secret,
		log:    cfg.Logger,
	}, nil
}

// Encrypt stores value behind a fresh handle and returns
// it with a proof bound to (ledger, principal).
func (e *Engine) Encrypt( // A
	ctx context.Context,
	ledger types.Principal,
	principal types.Principal,
	value uint64,
) (types.EncryptedInput, error) {
	h, err := e.put(ctx, types.Uint64Plaintext(value))
	if err != nil {
		return types.EncryptedInput{}, err
	}
	proof, err := e.proof(ledger, principal, h)
	if err != nil {
		return types.EncryptedInput{}, err
	}
	return types.EncryptedInput{Handle: h, Proof: proof}, nil
}

// VerifyInput checks that in.Proof was issued for
// (ledger, principal) and that the handle is live.
func (e *Engine) VerifyInput( // A
	ctx context.Context,
	ledger types.Principal,
	principal types.Principal,
	in types.EncryptedInput,
) error {
	if in.Handle.IsZero() || len(in.Proof) != ProofSize {
		return engine.ErrInvalidProvenance
	}
	want, err := e.proof(ledger, principal, in.Handle)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, in.Proof) != 1 {
		return engine.ErrInvalidProvenance
	}

	var found bool
	err = e.store.View(ctx, func(tx *keyValStore.Txn) error {
		var err error
		found, err = tx.Has(valueKey(in.Handle))
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", engine.ErrUnknownHandle, in.Handle.Tag())
	}
	return nil
}

// Lt returns an encrypted "a < b".
func (e *Engine) Lt( // A
	ctx context.Context,
	a, b types.Handle,
) (types.Handle, error) {
	va, vb, err := e.operands(ctx, a, b)
	if err != nil {
		return types.Handle{}, err
	}
	return e.put(ctx, types.BoolPlaintext(va < vb))
}

// Add returns an encrypted "a + b".
func (e *Engine) Add( // A
	ctx context.Context,
	a, b types.Handle,
) (types.Handle, error) {
	va, vb, err := e.operands(ctx, a, b)
	if err != nil {
		return types.Handle{}, err
	}
	return e.put(ctx, types.Uint64Plaintext(va+vb))
}

// EncryptBool stores a public boolean behind a handle.
func (e *Engine) EncryptBool( // A
	ctx context.Context,
	v bool,
) (types.Handle, error) {
	return e.put(ctx, types.BoolPlaintext(v))
}

// Allow lets p disclose h. Allowing twice is a no-op.
func (e *Engine) Allow( // A
	ctx context.Context,
	h types.Handle,
	p types.Principal,
) error {
	return e.store.Update(ctx, func(tx *keyValStore.Txn) error {
		known, err := tx.Has(valueKey(h))
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("%w: %s", engine.ErrUnknownHandle, h.Tag())
		}
		return tx.Put(aclKey(h, p), true)
	})
}

// IsAllowed reports whether p may disclose h.
func (e *Engine) IsAllowed( // A
	ctx context.Context,
	h types.Handle,
	p types.Principal,
) (bool, error) {
	var ok bool
	err := e.store.View(ctx, func(tx *keyValStore.Txn) error {
		var err error
		ok, err = tx.Has(aclKey(h, p))
		return err
	})
	return ok, err
}

// Decrypt returns the plaintext behind h. The zero handle
// decrypts to uint64 zero.
func (e *Engine) Decrypt( // A
	ctx context.Context,
	h types.Handle,
) (types.Plaintext, error) {
	var pt types.Plaintext
	err := e.store.View(ctx, func(tx *keyValStore.Txn) error {
		var err error
		pt, err = e.load(tx, h)
		return err
	})
	return pt, err
}

func (e *Engine) operands( // A
	ctx context.Context,
	a, b types.Handle,
) (uint64, uint64, error) {
	var pa, pb types.Plaintext
	err := e.store.View(ctx, func(tx *keyValStore.Txn) error {
		var err error
		if pa, err = e.load(tx, a); err != nil {
			return err
		}
		pb, err = e.load(tx, b)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if pa.Kind != types.KindUint64 || pb.Kind != types.KindUint64 {
		return 0, 0, fmt.Errorf(
			"%w: %s, %s", engine.ErrTypeMismatch, pa.Kind, pb.Kind,
		)
	}
	return pa.Value, pb.Value, nil
}

func (e *Engine) load( // A
	tx *keyValStore.Txn,
	h types.Handle,
) (types.Plaintext, error) {
	if h.IsZero() {
		return types.Uint64Plaintext(0), nil
	}
	var pt types.Plaintext
	found, err := tx.Get(valueKey(h), &pt)
	if err != nil {
		return types.Plaintext{}, err
	}
	if !found {
		return types.Plaintext{}, fmt.Errorf(
			"%w: %s", engine.ErrUnknownHandle, h.Tag(),
		)
	}
	return pt, nil
}

func (e *Engine) put( // A
	ctx context.Context,
	pt types.Plaintext,
) (types.Handle, error) {
	var h types.Handle
	if _, err := rand.Read(h[:]); err != nil {
		return types.Handle{}, fmt.Errorf("generate handle: %w", err)
	}
	err := e.store.Update(ctx, func(tx *keyValStore.Txn) error {
		return tx.Put(valueKey(h), pt)
	})
	if err != nil {
		return types.Handle{}, err
	}
	e.log.WithFields(logrus.Fields{
		"handle": h.Tag(),
		"kind":   pt.Kind.String(),
	}).Trace("engine value stored")
	return h, nil
}

// proof computes the MAC over the domain-separated
// (ledger, principal, handle) payload.
func (e *Engine) proof( // A
	ledger types.Principal,
	principal types.Principal,
	h types.Handle,
) ([]byte, error) {
	mac, err := blake3.NewKeyed(e.secret)
	if err != nil {
		return nil, fmt.Errorf("keyed hasher: %w", err)
	}
	_, _ = mac.WriteString(ctxInputProofV1)
	_, _ = mac.Write(ledger[:])
	_, _ = mac.Write(principal[:])
	_, _ = mac.Write(h[:])
	return mac.Sum(nil), nil
}

func valueKey(h types.Handle) []byte { // A
	k := make([]byte, 0, len(valuePrefix)+types.HandleSize)
	k = append(k, valuePrefix...)
	return append(k, h[:]...)
}

func aclKey(h types.Handle, p types.Principal) []byte { // A
	k := make(
		[]byte, 0,
		len(aclPrefix)+types.HandleSize+types.PrincipalSize,
	)
	k = append(k, aclPrefix...)
	k = append(k, h[:]...)
	return append(k, p[:]...)
}
