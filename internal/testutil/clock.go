package testutil

import (
	"sync"
	"time"
)

// Clock is a settable wall clock for tests.
//
// Pass Clock.Now wherever production code takes a func() time.Time, then
// move time with Advance to age heartbeats and claims without sleeping.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

// NewClock creates a clock reading start. The time is kept in UTC.
func NewClock(start time.Time) *Clock {
	start = start.UTC()
	return &Clock{start: start, now: start}
}

// Now returns the current time without advancing it.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
// Negative durations are ignored; the clock never goes backwards.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Reset returns the clock to its start time.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
