// Package disclosure turns a ciphertext handle into its
// plaintext for the handle's grantee. The grantee signs a
// typed-data authorization statement once; the authorizer
// caches it per (chain, ledger, signer) and hands it to a
// decryption relayer with every disclosure request.
package disclosure

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Typed-data domain of disclosure statements.
const (
	DomainName    = "OuroborosLedger"
	DomainVersion = "1"
)

const (
	// DefaultValidity is how long a fresh statement stays
	// valid.
	DefaultValidity = 24 * time.Hour

	// MaxValidity caps the lifetime a relayer accepts.
	MaxValidity = 30 * 24 * time.Hour
)

var (
	domainTypeHash = auth.HashString(
		"EIP712Domain(string name,string version," +
			"uint256 chainId,address verifyingContract)",
	)
	statementTypeHash = auth.HashString(
		"Disclosure(address ledger,uint256 chainId," +
			"address signer,uint64 issuedAt,uint64 expiry," +
			"bytes32 nonce)",
	)
)

// Nonce makes every statement unique.
type Nonce [32]byte // A

// NewNonce returns a random nonce.
func NewNonce() (Nonce, error) { // A
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// MarshalText implements encoding.TextMarshaler.
func (n Nonce) MarshalText() ([]byte, error) { // A
	return []byte("0x" + hex.EncodeToString(n[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nonce) UnmarshalText(b []byte) error { // A
	h, err := auth.HashHexadecimal(string(b))
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	*n = Nonce(h)
	return nil
}

// Statement is what the owner signs to authorize
// disclosures on one ledger instance and one chain.
type Statement struct { // A
	Ledger   types.Principal `json:"ledger"`
	ChainID  uint64          `json:"chainId"`
	Signer   types.Principal `json:"signer"`
	IssuedAt time.Time       `json:"issuedAt"`
	Expiry   time.Time       `json:"expiry"`
	Nonce    Nonce           `json:"nonce"`
}

// NewStatement builds a statement valid from now for
// validity. Times are truncated to whole seconds, the
// resolution that is signed.
func NewStatement( // A
	ledger types.Principal,
	chainID uint64,
	signer types.Principal,
	now time.Time,
	validity time.Duration,
) (Statement, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Statement{}, err
	}
	issued := time.Unix(now.Unix(), 0).UTC()
	return Statement{
		Ledger:   ledger,
		ChainID:  chainID,
		Signer:   signer,
		IssuedAt: issued,
		Expiry:   issued.Add(validity),
		Nonce:    nonce,
	}, nil
}

// Key returns the cache key the statement belongs to.
func (s Statement) Key() Key { // A
	return Key{ChainID: s.ChainID, Ledger: s.Ledger, Signer: s.Signer}
}

// Expired reports whether the statement is no longer
// valid at now.
func (s Statement) Expired(now time.Time) bool { // A
	return !now.Before(s.Expiry)
}

// Validate checks the statement's shape and validity
// window at now.
func (s Statement) Validate(now time.Time) error { // A
	switch {
	case s.Ledger.IsZero() || s.Signer.IsZero():
		return fmt.Errorf("%w: zero address", ErrInvalidStatement)
	case !s.Expiry.After(s.IssuedAt):
		return fmt.Errorf("%w: expiry not after issuedAt", ErrInvalidStatement)
	case s.Expiry.Sub(s.IssuedAt) > MaxValidity:
		return fmt.Errorf("%w: validity exceeds %s", ErrInvalidStatement, MaxValidity)
	case s.IssuedAt.Unix() < 0:
		return fmt.Errorf("%w: issuedAt before epoch", ErrInvalidStatement)
	case now.Before(s.IssuedAt.Add(-time.Minute)):
		return fmt.Errorf("%w: issued in the future", ErrInvalidStatement)
	case s.Expired(now):
		return ErrAuthorizationExpired
	}
	return nil
}

// Digest returns the typed-data hash that is signed:
// keccak256(0x19 0x01 || domainSeparator || structHash).
func (s Statement) Digest() auth.Hash { // A
	domain := domainSeparator(s.ChainID, s.Ledger)
	structHash := auth.Keccak256(
		statementTypeHash[:],
		word(s.Ledger[:]),
		uintWord(s.ChainID),
		word(s.Signer[:]),
		uintWord(uint64(s.IssuedAt.Unix())), //#nosec G115
		uintWord(uint64(s.Expiry.Unix())),   //#nosec G115
		s.Nonce[:],
	)
	return auth.Keccak256(
		[]byte{0x19, 0x01},
		domain[:],
		structHash[:],
	)
}

func domainSeparator( // A
	chainID uint64,
	ledger types.Principal,
) auth.Hash {
	name := auth.HashString(DomainName)
	version := auth.HashString(DomainVersion)
	return auth.Keccak256(
		domainTypeHash[:],
		name[:],
		version[:],
		uintWord(chainID),
		word(ledger[:]),
	)
}

// word left-pads b to 32 bytes.
func word(b []byte) []byte { // A
	w := make([]byte, 32)
	copy(w[32-len(b):], b)
	return w
}

func uintWord(v uint64) []byte { // A
	w := make([]byte, 32)
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

// Authorization is a signed statement.
type Authorization struct { // A
	Statement Statement `json:"statement"`
	Signature []byte    `json:"signature"`
}

// Key returns the cache key of the authorization.
func (a Authorization) Key() Key { // A
	return a.Statement.Key()
}

// BoundTo reports whether the authorization was signed
// for chainID by signer.
func (a Authorization) BoundTo( // A
	chainID uint64,
	signer types.Principal,
) bool {
	return a.Statement.ChainID == chainID && a.Statement.Signer == signer
}

// Verify checks that the signature recovers to the
// statement's signer.
func (a Authorization) Verify() error { // A
	got, err := auth.RecoverAddress(a.Statement.Digest(), a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureRejected, err)
	}
	if got != a.Statement.Signer {
		return fmt.Errorf(
			"%w: recovered %s, statement names %s",
			ErrSignatureRejected, got, a.Statement.Signer,
		)
	}
	return nil
}
