// Package auth provides the identities, signatures and
// request authentication of the ledger: secp256k1 keys,
// 20-byte addresses, Keccak-256 digests, signed request
// envelopes and a replay cache.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashSize is the byte length of a Keccak-256 digest.
const HashSize = 32

// Hash is a Keccak-256 digest (the pre-standard Keccak
// padding used by Ethereum, not SHA3-256).
type Hash [HashSize]byte

// Keccak256 hashes the concatenation of parts.
func Keccak256(parts ...[]byte) Hash { // A
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		_, _ = d.Write(p)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}

// HashBytes computes the Keccak-256 hash of data.
func HashBytes(data []byte) Hash { // A
	return Keccak256(data)
}

// HashString computes the Keccak-256 hash of s.
func HashString(s string) Hash { // A
	return HashBytes([]byte(s))
}

// HashHexadecimal parses a 0x-prefixed or bare hex digest.
// Returns an error if the string is not 64 hex characters.
func HashHexadecimal(s string) (Hash, error) { // A
	s = strings.TrimPrefix(s, "0x")
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf(
			"invalid hex length: expected %d, got %d",
			HashSize*2, len(s),
		)
	}

	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf(
			"decode hex: %w", err,
		)
	}

	var h Hash
	copy(h[:], decoded)
	return h, nil
}

// Equal returns true if this hash equals the other hash.
func (h Hash) Equal(other Hash) bool { // A
	return subtle.ConstantTimeCompare(
		h[:],
		other[:],
	) == 1
}

// IsZero returns true if all bytes are zero.
func (h Hash) IsZero() bool { // A
	return h == Hash{}
}

// Bytes returns a byte slice copy of the hash.
func (h Hash) Bytes() []byte { // A
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

// String returns the 0x-prefixed hex form.
func (h Hash) String() string { // A
	return "0x" + hex.EncodeToString(h[:])
}

// Hex returns the bare hex form.
func (h Hash) Hex() string { // A
	return hex.EncodeToString(h[:])
}
