// Package types holds the value types shared by the ledger,
// the grant registry, the trend engine and the disclosure
// client.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PrincipalSize is the byte length of an account address.
const PrincipalSize = 20

// HandleSize is the byte length of a ciphertext handle.
const HandleSize = 32

// ErrMalformed is returned by the text decoders of this
// package.
var ErrMalformed = errors.New("types: malformed value")

// Principal is an account address. It is supplied by the
// caller's signing key and never changes.
type Principal [PrincipalSize]byte // A

// ParsePrincipal decodes a 0x-prefixed or bare hex address.
func ParsePrincipal(s string) (Principal, error) { // A
	var p Principal
	if err := decodeHex(s, p[:]); err != nil {
		return Principal{}, fmt.Errorf(
			"principal %q: %w", s, err,
		)
	}
	return p, nil
}

// PrincipalFromBytes copies b into a Principal.
func PrincipalFromBytes(b []byte) (Principal, error) { // A
	var p Principal
	if len(b) != PrincipalSize {
		return Principal{}, fmt.Errorf(
			"%w: principal length %d", ErrMalformed, len(b),
		)
	}
	copy(p[:], b)
	return p, nil
}

// IsZero reports whether p is the zero address.
func (p Principal) IsZero() bool { // A
	return p == Principal{}
}

// Bytes returns a copy of the address bytes.
func (p Principal) Bytes() []byte { // A
	b := make([]byte, PrincipalSize)
	copy(b, p[:])
	return b
}

// String returns the 0x-prefixed lowercase hex form.
func (p Principal) String() string { // A
	return "0x" + hex.EncodeToString(p[:])
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) { // A
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(b []byte) error { // A
	parsed, err := ParsePrincipal(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Period is a fixed-length time bucket index, e.g. whole
// days since the Unix epoch. Zero means "never".
type Period uint64 // A

// ParsePeriod parses a decimal period.
func ParsePeriod(s string) (Period, error) { // A
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("period %q: %w", s, ErrMalformed)
	}
	return Period(v), nil
}

// Bytes returns the big-endian encoding, which keeps
// periods ordered inside store keys.
func (p Period) Bytes() []byte { // A
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(p))
	return b[:]
}

// String returns the decimal form.
func (p Period) String() string { // A
	return strconv.FormatUint(uint64(p), 10)
}

func decodeHex(s string, out []byte) error { // A
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != len(out)*2 {
		return fmt.Errorf(
			"%w: expected %d hex chars, got %d",
			ErrMalformed, len(out)*2, len(s),
		)
	}
	if _, err := hex.Decode(out, []byte(s)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
