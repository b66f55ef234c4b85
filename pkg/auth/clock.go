package auth

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// SystemClock returns the wall clock.
func SystemClock() Clock { // A
	return realClock{}
}

// ManualClock is a Clock whose time only moves when told
// to. It is safe for concurrent use.
type ManualClock struct { // A
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock set to now.
func NewManualClock(now time.Time) *ManualClock { // A
	return &ManualClock{now: now}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) { // A
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { // A
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
