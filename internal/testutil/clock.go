// clock.go
//
// Controllable time source for tests that exercise windows and expiry.
package testutil

import (
	"sync"
	"time"
)

// ReferenceTime is the default start for a Clock.
var ReferenceTime = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock, safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock returns a clock at start, or ReferenceTime if start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime
	}
	return &Clock{current: start}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}
