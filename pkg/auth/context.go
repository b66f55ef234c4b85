package auth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const (
	ctxLedgerRequestV1    = "CTX_LEDGER_REQUEST_V1"
	currentRequestVersion = 1
)

// Scope binds a signed request to one ledger instance on
// one chain. A request signed for one scope never verifies
// under another.
type Scope struct { // A
	Ledger  types.Principal
	ChainID uint64
}

// canonicalRequest encodes a request into a deterministic
// binary representation:
// version(1) || Ledger(20) || ChainID(8) ||
// len(method)(2) || method || len(path)(2) || path ||
// Timestamp(8, unix-ms BE) || Nonce(32) ||
// Keccak256(body)(32).
func canonicalRequest( // A
	scope Scope,
	method string,
	path string,
	timestamp time.Time,
	nonce [32]byte,
	body []byte,
) ([]byte, error) {
	if method == "" {
		return nil, errors.New("method must not be empty")
	}
	if len(method) > math.MaxUint16 {
		return nil, fmt.Errorf(
			"method too long: %d bytes", len(method),
		)
	}
	if len(path) > math.MaxUint16 {
		return nil, fmt.Errorf(
			"path too long: %d bytes", len(path),
		)
	}
	ms := timestamp.UnixMilli()
	if ms < 0 {
		return nil, errors.New(
			"timestamp must be unix epoch or later",
		)
	}

	size := 1 + types.PrincipalSize + 8 +
		2 + len(method) + 2 + len(path) +
		8 + 32 + HashSize
	buf := make([]byte, 0, size)

	buf = append(buf, currentRequestVersion)
	buf = append(buf, scope.Ledger[:]...)
	buf = binary.BigEndian.AppendUint64(buf, scope.ChainID)

	buf = binary.BigEndian.AppendUint16(
		buf, uint16(len(method)), //#nosec G115
	)
	buf = append(buf, method...)
	buf = binary.BigEndian.AppendUint16(
		buf, uint16(len(path)), //#nosec G115
	)
	buf = append(buf, path...)

	buf = binary.BigEndian.AppendUint64(buf, uint64(ms))
	buf = append(buf, nonce[:]...)

	bodyHash := HashBytes(body)
	buf = append(buf, bodyHash[:]...)

	return buf, nil
}

// requestDigest prepends the domain separation context to
// the canonical request and hashes the result.
func requestDigest( // A
	scope Scope,
	method string,
	path string,
	timestamp time.Time,
	nonce [32]byte,
	body []byte,
) (Hash, error) {
	canon, err := canonicalRequest(
		scope, method, path, timestamp, nonce, body,
	)
	if err != nil {
		return Hash{}, err
	}
	return Keccak256([]byte(ctxLedgerRequestV1), canon), nil
}
