package disclosure

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

func testStatement(t *testing.T, signer types.Principal) Statement { // A
	t.Helper()
	stmt, err := NewStatement(testLedger, chainA, signer, time.Unix(1_700_000_000, 0), time.Hour)
	require.NoError(t, err)
	return stmt
}

func TestStatementDigestBindsEveryField(t *testing.T) { // A
	t.Parallel()
	base := testStatement(t, types.Principal{0x01})
	d := base.Digest()

	mutations := map[string]func(s *Statement){
		"ledger":   func(s *Statement) { s.Ledger[0] ^= 1 },
		"chain":    func(s *Statement) { s.ChainID = chainB },
		"signer":   func(s *Statement) { s.Signer[0] ^= 1 },
		"issuedAt": func(s *Statement) { s.IssuedAt = s.IssuedAt.Add(time.Second) },
		"expiry":   func(s *Statement) { s.Expiry = s.Expiry.Add(time.Second) },
		"nonce":    func(s *Statement) { s.Nonce[0] ^= 1 },
	}
	for name, mutate := range mutations {
		s := base
		mutate(&s)
		assert.NotEqual(t, d, s.Digest(), name)
	}
}

func TestStatementValidate(t *testing.T) { // A
	t.Parallel()
	stmt := testStatement(t, types.Principal{0x01})
	now := stmt.IssuedAt

	require.NoError(t, stmt.Validate(now))
	require.ErrorIs(t, stmt.Validate(stmt.Expiry), ErrAuthorizationExpired)
	require.ErrorIs(t, stmt.Validate(now.Add(-time.Hour)), ErrInvalidStatement)

	long := stmt
	long.Expiry = long.IssuedAt.Add(MaxValidity + time.Second)
	require.ErrorIs(t, long.Validate(now), ErrInvalidStatement)

	inverted := stmt
	inverted.Expiry = inverted.IssuedAt
	require.ErrorIs(t, inverted.Validate(now), ErrInvalidStatement)

	anon := stmt
	anon.Signer = types.Principal{}
	require.ErrorIs(t, anon.Validate(now), ErrInvalidStatement)
}

func TestAuthorizationJSONKeepsDigest(t *testing.T) { // A
	t.Parallel()
	id, err := auth.GenerateIdentity()
	require.NoError(t, err)
	stmt := testStatement(t, id.Address())
	a := Authorization{Statement: stmt, Signature: id.SignDigest(stmt.Digest())}

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var decoded Authorization
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, stmt.Digest(), decoded.Statement.Digest())
	require.NoError(t, decoded.Verify())
}

func TestAuthorizationVerifyRejectsOtherSigner(t *testing.T) { // A
	t.Parallel()
	id, err := auth.GenerateIdentity()
	require.NoError(t, err)
	other, err := auth.GenerateIdentity()
	require.NoError(t, err)

	stmt := testStatement(t, id.Address())
	a := Authorization{Statement: stmt, Signature: other.SignDigest(stmt.Digest())}
	require.ErrorIs(t, a.Verify(), ErrSignatureRejected)

	a.Signature = []byte{1, 2, 3}
	require.ErrorIs(t, a.Verify(), ErrSignatureRejected)
}

func TestCacheHidesExpiredFromGet(t *testing.T) { // A
	t.Parallel()
	clk := auth.NewManualClock(time.Unix(1_700_000_000, 0))
	c, err := NewCache(4, clk)
	require.NoError(t, err)

	stmt := testStatement(t, types.Principal{0x01})
	c.Put(Authorization{Statement: stmt})
	_, ok := c.Get(stmt.Key())
	require.True(t, ok)

	clk.Set(stmt.Expiry)
	_, ok = c.Peek(stmt.Key())
	assert.True(t, ok, "Peek keeps expired entries")
	_, ok = c.Get(stmt.Key())
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entries stay until replaced")
	_, ok = c.Peek(stmt.Key())
	assert.True(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) { // A
	t.Parallel()
	clk := auth.NewManualClock(time.Unix(1_700_000_000, 0))
	c, err := NewCache(2, clk)
	require.NoError(t, err)

	s1 := testStatement(t, types.Principal{0x01})
	s2 := testStatement(t, types.Principal{0x02})
	s3 := testStatement(t, types.Principal{0x03})
	c.Put(Authorization{Statement: s1})
	c.Put(Authorization{Statement: s2})
	_, _ = c.Get(s1.Key())
	c.Put(Authorization{Statement: s3})

	_, ok := c.Get(s2.Key())
	assert.False(t, ok)
	_, ok = c.Get(s1.Key())
	assert.True(t, ok)
	_, ok = c.Get(s3.Key())
	assert.True(t, ok)
}

func TestCachePutReplacesWhole(t *testing.T) { // A
	t.Parallel()
	c, err := NewCache(4, nil)
	require.NoError(t, err)

	s1, err := NewStatement(testLedger, chainA, types.Principal{0x01}, time.Now(), time.Hour)
	require.NoError(t, err)
	s2 := s1
	s2.Nonce[0] ^= 0xff

	c.Put(Authorization{Statement: s1})
	c.Put(Authorization{Statement: s2})
	got, ok := c.Get(s1.Key())
	require.True(t, ok)
	assert.Equal(t, s2.Nonce, got.Statement.Nonce)
	assert.Equal(t, 1, c.Len())
}
