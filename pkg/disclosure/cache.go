package disclosure

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// DefaultCacheSize bounds the number of cached
// authorizations.
const DefaultCacheSize = 256

// Key identifies one cached authorization.
type Key struct { // A
	ChainID uint64
	Ledger  types.Principal
	Signer  types.Principal
}

// String renders the key, e.g. for singleflight groups.
func (k Key) String() string { // A
	return strconv.FormatUint(k.ChainID, 10) + "/" +
		k.Ledger.String() + "/" + k.Signer.String()
}

// Cache holds signed authorizations keyed by chain, ledger
// and signer. Entries are immutable values and are only
// ever replaced whole. Expired entries stay until they are
// replaced, removed or evicted. It is safe for concurrent
// use.
type Cache struct { // A
	entries *lru.Cache[Key, Authorization]
	clock   auth.Clock
}

// NewCache creates a Cache holding up to size entries.
func NewCache(size int, clock auth.Clock) (*Cache, error) { // A
	if size <= 0 {
		size = DefaultCacheSize
	}
	if clock == nil {
		clock = auth.SystemClock()
	}
	entries, err := lru.New[Key, Authorization](size)
	if err != nil {
		return nil, fmt.Errorf("create authorization cache: %w", err)
	}
	return &Cache{entries: entries, clock: clock}, nil
}

// Get returns the live authorization for k. An expired
// entry is reported as missing but kept for Peek.
func (c *Cache) Get(k Key) (Authorization, bool) { // A
	a, ok := c.entries.Get(k)
	if !ok || a.Statement.Expired(c.clock.Now()) {
		return Authorization{}, false
	}
	return a, true
}

// Peek returns the entry for k, expired or not, without
// touching recency.
func (c *Cache) Peek(k Key) (Authorization, bool) { // A
	return c.entries.Peek(k)
}

// Put stores a under its own key, replacing any previous
// entry.
func (c *Cache) Put(a Authorization) { // A
	c.entries.Add(a.Key(), a)
}

// Remove drops the entry for k.
func (c *Cache) Remove(k Key) bool { // A
	return c.entries.Remove(k)
}

// Len returns the number of entries, expired ones
// included.
func (c *Cache) Len() int { // A
	return c.entries.Len()
}
