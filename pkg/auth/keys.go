package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// SignatureSize is the byte length of a recoverable
// signature: R(32) || S(32) || V(1), V in {0, 1}.
const SignatureSize = 65

// compactMagic is the recovery-code offset of the compact
// signature format for uncompressed keys.
const compactMagic = 27

var (
	// ErrInvalidSignature is returned for signatures that
	// are malformed or do not recover to a public key.
	ErrInvalidSignature = errors.New("auth: invalid signature")

	// ErrInvalidKey is returned for unusable private keys.
	ErrInvalidKey = errors.New("auth: invalid private key")
)

// Identity is a secp256k1 signing key and the address
// derived from it.
type Identity struct { // A
	key     *secp256k1.PrivateKey
	address types.Principal
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) { // A
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newIdentity(key), nil
}

// IdentityFromBytes loads a 32-byte private scalar.
func IdentityFromBytes(b []byte) (*Identity, error) { // A
	if len(b) != 32 {
		return nil, fmt.Errorf(
			"%w: expected 32 bytes, got %d", ErrInvalidKey, len(b),
		)
	}
	key := secp256k1.PrivKeyFromBytes(b)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidKey)
	}
	return newIdentity(key), nil
}

// IdentityFromHex loads a 0x-prefixed or bare hex key.
func IdentityFromHex(s string) (*Identity, error) { // A
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return IdentityFromBytes(b)
}

// LoadIdentityFile reads a hex key from path.
func LoadIdentityFile(path string) (*Identity, error) { // A
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return IdentityFromHex(string(raw))
}

// SaveIdentityFile writes the hex key to path with owner
// only permissions.
func SaveIdentityFile(path string, id *Identity) error { // A
	return os.WriteFile(path, []byte(id.Hex()+"\n"), 0o600)
}

func newIdentity(key *secp256k1.PrivateKey) *Identity { // A
	return &Identity{
		key:     key,
		address: PublicKeyAddress(key.PubKey()),
	}
}

// Address returns the identity's principal.
func (id *Identity) Address() types.Principal { // A
	return id.address
}

// PublicKey returns the public key.
func (id *Identity) PublicKey() *secp256k1.PublicKey { // A
	return id.key.PubKey()
}

// Hex returns the private key in hex. Handle with care.
func (id *Identity) Hex() string { // A
	return hex.EncodeToString(id.key.Serialize())
}

// SignDigest signs a 32-byte digest and returns
// R || S || V.
func (id *Identity) SignDigest(digest Hash) []byte { // A
	compact := ecdsa.SignCompact(id.key, digest[:], false)
	sig := make([]byte, SignatureSize)
	copy(sig, compact[1:])
	sig[64] = compact[0] - compactMagic
	return sig
}

// RecoverAddress returns the address whose key produced
// sig over digest.
func RecoverAddress( // A
	digest Hash,
	sig []byte,
) (types.Principal, error) {
	if len(sig) != SignatureSize {
		return types.Principal{}, fmt.Errorf(
			"%w: length %d", ErrInvalidSignature, len(sig),
		)
	}
	v := sig[64]
	if v >= compactMagic {
		v -= compactMagic
	}
	if v > 1 {
		return types.Principal{}, fmt.Errorf(
			"%w: recovery id %d", ErrInvalidSignature, sig[64],
		)
	}

	compact := make([]byte, SignatureSize)
	compact[0] = compactMagic + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return PublicKeyAddress(pub), nil
}

// PublicKeyAddress derives the 20-byte address: the last
// 20 bytes of Keccak-256 over the uncompressed point
// without its 0x04 prefix.
func PublicKeyAddress(pub *secp256k1.PublicKey) types.Principal { // A
	h := HashBytes(pub.SerializeUncompressed()[1:])
	var p types.Principal
	copy(p[:], h[HashSize-types.PrincipalSize:])
	return p
}
