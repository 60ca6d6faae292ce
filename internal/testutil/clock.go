// Package testutil provides deterministic test fixtures shared by the
// store's test suites.
package testutil

import (
	"sync"
	"time"
)

// Clock is a deterministic [ident.Clock] for tests. Each call to Now
// advances the clock by Step so timestamps are strictly increasing.
type Clock struct {
	mu      sync.Mutex
	current time.Time

	// Step is added on every Now call. Defaults to one second.
	Step time.Duration
}

// NewClock returns a clock initialized to a fixed UTC start time.
func NewClock() *Clock {
	return &Clock{
		current: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		Step:    time.Second,
	}
}

// Now returns the next timestamp.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(c.Step)

	return c.current
}

// Set pins the clock to t. The next Now returns t plus Step.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = t
}

// Advance moves the clock forward by d without returning a timestamp.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
}
