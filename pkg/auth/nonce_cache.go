package auth

import (
	"sync"
	"time"
)

// NonceCache tracks the nonces of accepted requests so a
// captured request cannot be replayed while its timestamp
// is still inside the acceptance window. Entries expire
// together with the window and are evicted inline during
// RecordNonce.
type NonceCache struct { // A
	mu      sync.Mutex
	entries map[[32]byte]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewNonceCache creates a NonceCache. ttl must cover the
// whole window a request timestamp is accepted in.
func NewNonceCache( // A
	ttl time.Duration,
	clock Clock,
) *NonceCache {
	if clock == nil {
		clock = SystemClock()
	}
	return &NonceCache{
		entries: make(map[[32]byte]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// RecordNonce records a nonce seen with a request issued
// at issuedAt. It returns true if the nonce was fresh and
// false for a replay or the zero nonce.
func (nc *NonceCache) RecordNonce( // A
	nonce [32]byte,
	issuedAt time.Time,
) bool {
	if nonce == [32]byte{} {
		return false
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	nc.cleanup()

	if _, exists := nc.entries[nonce]; exists {
		return false
	}

	expiry := issuedAt.Add(nc.ttl)
	if now := nc.clock.Now().Add(nc.ttl); now.After(expiry) {
		expiry = now
	}
	nc.entries[nonce] = expiry
	return true
}

// Len returns the number of live entries.
func (nc *NonceCache) Len() int { // A
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.cleanup()
	return len(nc.entries)
}

// cleanup evicts expired entries. Must be called with
// mu held.
func (nc *NonceCache) cleanup() { // A
	now := nc.clock.Now()
	for k, expiry := range nc.entries {
		if expiry.Before(now) {
			delete(nc.entries, k)
		}
	}
}
