// Package engine describes the black-box computation
// engine the ledger runs on. The engine holds every value
// behind an opaque types.Handle; callers can combine
// handles, register who may see them, and (on the relayer
// side only) decrypt them.
//
// The zero Handle is read by every operation as an
// encrypted uint64 zero.
package engine

import (
	"context"
	"errors"

	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

var (
	// ErrInvalidProvenance is returned when an input proof
	// does not bind the handle to the (ledger, principal)
	// it is presented for.
	ErrInvalidProvenance = errors.New("engine: invalid provenance proof")

	// ErrUnknownHandle is returned for handles the engine
	// never issued.
	ErrUnknownHandle = errors.New("engine: unknown handle")

	// ErrTypeMismatch is returned when an operation is
	// applied to a value of the wrong kind.
	ErrTypeMismatch = errors.New("engine: operand type mismatch")
)

// Encryptor issues fresh handles for client values. The
// returned proof binds the handle to (ledger, principal).
type Encryptor interface { // A
	Encrypt(
		ctx context.Context,
		ledger types.Principal,
		principal types.Principal,
		value uint64,
	) (types.EncryptedInput, error)
}

// ProvenanceVerifier checks input proofs.
type ProvenanceVerifier interface { // A
	VerifyInput(
		ctx context.Context,
		ledger types.Principal,
		principal types.Principal,
		in types.EncryptedInput,
	) error
}

// Evaluator derives new handles from existing ones.
type Evaluator interface { // A
	// Lt returns an encrypted bool "a < b".
	Lt(ctx context.Context, a, b types.Handle) (types.Handle, error)
	// Add returns an encrypted uint64 "a + b", wrapping on
	// overflow.
	Add(ctx context.Context, a, b types.Handle) (types.Handle, error)
	// EncryptBool trivially encrypts a public boolean.
	EncryptBool(ctx context.Context, v bool) (types.Handle, error)
}

// ACL is the engine's own access-control list. The
// relayer consults it independently of any ledger.
type ACL interface { // A
	Allow(ctx context.Context, h types.Handle, p types.Principal) error
	IsAllowed(ctx context.Context, h types.Handle, p types.Principal) (bool, error)
}

// Decrypter reveals plaintexts. Only the relayer holds
// one.
type Decrypter interface { // A
	Decrypt(ctx context.Context, h types.Handle) (types.Plaintext, error)
}

// Engine is the full surface of a local engine.
type Engine interface { // A
	Encryptor
	ProvenanceVerifier
	Evaluator
	ACL
	Decrypter
}
