package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Handle is an opaque reference to a value held by the
// computation engine. It never carries plaintext and two
// handles are equal only if they are the same handle.
// The zero Handle is the "no value" sentinel.
type Handle [HandleSize]byte // A

// ParseHandle decodes a 0x-prefixed or bare hex handle.
func ParseHandle(s string) (Handle, error) { // A
	var h Handle
	if err := decodeHex(s, h[:]); err != nil {
		return Handle{}, fmt.Errorf("handle %q: %w", s, err)
	}
	return h, nil
}

// HandleFromBytes copies b into a Handle.
func HandleFromBytes(b []byte) (Handle, error) { // A
	var h Handle
	if len(b) != HandleSize {
		return Handle{}, fmt.Errorf(
			"%w: handle length %d", ErrMalformed, len(b),
		)
	}
	copy(h[:], b)
	return h, nil
}

// IsZero reports whether h is the "no value" sentinel.
func (h Handle) IsZero() bool { // A
	return h == Handle{}
}

// Bytes returns a copy of the handle bytes.
func (h Handle) Bytes() []byte { // A
	b := make([]byte, HandleSize)
	copy(b, h[:])
	return b
}

// String returns the 0x-prefixed hex form.
func (h Handle) String() string { // A
	return "0x" + hex.EncodeToString(h[:])
}

// Tag returns a short, log-friendly prefix of the handle.
func (h Handle) Tag() string { // A
	return hex.EncodeToString(h[:6])
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) { // A
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(b []byte) error { // A
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Proof attests that a handle was produced by the engine
// for one (ledger, principal) pair.
type Proof []byte // A

// EncryptedInput is what a client submits: an engine
// handle plus its provenance proof.
type EncryptedInput struct { // A
	Handle Handle `json:"handle" cbor:"1,keyasint"`
	Proof  Proof  `json:"proof" cbor:"2,keyasint"`
}

// PlaintextKind distinguishes the value domains the engine
// can disclose.
type PlaintextKind uint8 // A

const ( // A
	KindUint64 PlaintextKind = iota + 1
	KindBool
)

// String returns the textual kind name.
func (k PlaintextKind) String() string { // A
	switch k {
	case KindUint64:
		return "uint64"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Plaintext is a disclosed value.
type Plaintext struct { // A
	Kind  PlaintextKind `json:"kind" cbor:"1,keyasint"`
	Value uint64        `json:"value" cbor:"2,keyasint"`
}

// Uint64Plaintext wraps an integer value.
func Uint64Plaintext(v uint64) Plaintext { // A
	return Plaintext{Kind: KindUint64, Value: v}
}

// BoolPlaintext wraps a boolean value.
func BoolPlaintext(v bool) Plaintext { // A
	p := Plaintext{Kind: KindBool}
	if v {
		p.Value = 1
	}
	return p
}

// Bool reports the boolean reading of the value.
func (p Plaintext) Bool() bool { // A
	return p.Value != 0
}

// String renders the value according to its kind.
func (p Plaintext) String() string { // A
	if p.Kind == KindBool {
		return fmt.Sprintf("%t", p.Bool())
	}
	return fmt.Sprintf("%d", p.Value)
}

// Record is the single ledger entry for (Owner, Period).
// A Record exists iff CreatedAt > 0.
type Record struct { // A
	Owner     Principal `json:"owner" cbor:"1,keyasint"`
	Period    Period    `json:"period" cbor:"2,keyasint"`
	Value     Handle    `json:"value" cbor:"3,keyasint"`
	CreatedAt int64     `json:"createdAt" cbor:"4,keyasint"`
}

// Exists reports whether the record was ever written.
func (r Record) Exists() bool { // A
	return r.CreatedAt > 0
}

// Created returns CreatedAt as a time.
func (r Record) Created() time.Time { // A
	return time.Unix(r.CreatedAt, 0).UTC()
}

// UserAccountState is kept per principal and bounds the
// population of distinct submitters.
type UserAccountState struct { // A
	HasSubmittedBefore bool   `json:"hasSubmittedBefore" cbor:"1,keyasint"`
	LastPeriod         Period `json:"lastPeriod" cbor:"2,keyasint"`
}

// SystemCounter is the process-wide population counter.
type SystemCounter struct { // A
	TotalUsers uint64 `json:"totalUsers" cbor:"1,keyasint"`
	MaxUsers   uint64 `json:"maxUsers" cbor:"2,keyasint"`
}

// Full reports whether no further distinct principal may
// submit.
func (c SystemCounter) Full() bool { // A
	return c.TotalUsers >= c.MaxUsers
}
