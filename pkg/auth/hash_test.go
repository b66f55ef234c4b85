package auth

import (
	"encoding/hex"
	"testing"

	"pgregory.net/rapid"
)

func TestKeccak256KnownVector(t *testing.T) { // A
	// Keccak-256 of the empty string.
	const want = "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got := HashBytes(nil).Hex(); got != want {
		t.Fatalf("keccak256(\"\") = %s, want %s", got, want)
	}
}

func TestKeccak256Parts(t *testing.T) { // A
	whole := HashBytes([]byte("hello world"))
	parts := Keccak256([]byte("hello"), []byte(" "), []byte("world"))
	if whole != parts {
		t.Fatal("hashing parts must equal hashing the concatenation")
	}
}

func TestHashBytesDifferentData(t *testing.T) { // A
	h1 := HashBytes([]byte("data1"))
	h2 := HashBytes([]byte("data2"))

	if h1 == h2 {
		t.Error("different data should produce different hashes")
	}
}

func TestHashString(t *testing.T) { // A
	s := "test string"
	if HashString(s) != HashBytes([]byte(s)) {
		t.Error("HashString mismatch with HashBytes")
	}
}

func TestHashHexadecimalAcceptsPrefix(t *testing.T) { // A
	original := HashString("test")

	bare, err := HashHexadecimal(original.Hex())
	if err != nil {
		t.Fatalf("HashHexadecimal: %v", err)
	}
	prefixed, err := HashHexadecimal(original.String())
	if err != nil {
		t.Fatalf("HashHexadecimal: %v", err)
	}
	if bare != original || prefixed != original {
		t.Error("parsed hash does not match original")
	}
}

func TestHashHexadecimalInvalid(t *testing.T) { // A
	if _, err := HashHexadecimal("abc123"); err == nil {
		t.Error("expected error for short input")
	}
	bad := make([]byte, HashSize*2)
	for i := range bad {
		bad[i] = 'z'
	}
	if _, err := HashHexadecimal(string(bad)); err == nil {
		t.Error("expected error for non-hex input")
	}
}

func TestHashZeroAndEqual(t *testing.T) { // A
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero hash should report IsZero")
	}
	h := HashString("x")
	if h.IsZero() {
		t.Error("hash of data should not be zero")
	}
	if !h.Equal(HashString("x")) || h.Equal(zero) {
		t.Error("Equal disagrees with ==")
	}
}

func TestHashBytesCopy(t *testing.T) { // A
	h := HashString("copy")
	b := h.Bytes()
	b[0] ^= 0xff
	if h.Bytes()[0] == b[0] {
		t.Error("Bytes must return a copy")
	}
}

func TestHashHexRoundTripProperty(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		h := HashBytes(data)
		parsed, err := HashHexadecimal(hex.EncodeToString(h[:]))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if parsed != h {
			t.Fatalf("round trip mismatch")
		}
	})
}
