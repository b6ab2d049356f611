package hlc

import (
	"sync"
	"time"
)

// Clock issues hybrid timestamps: wall-clock nanoseconds when the wall clock
// has advanced, otherwise the previous timestamp plus one. Timestamps are
// strictly increasing per Clock even if the wall clock stalls or steps back,
// and stay within a few nanoseconds of real time under normal load.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

// New creates a clock reading the system wall clock.
func New() *Clock {
	return &Clock{now: func() int64 { return time.Now().UnixNano() }}
}

// Now returns the next timestamp.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wall := c.now(); wall > c.last {
		c.last = wall
	} else {
		c.last++
	}
	return c.last
}

// Last returns the most recently issued timestamp, or 0.
func (c *Clock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Observe advances the clock past ts so later timestamps order after it.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}

// Time converts a timestamp back to wall-clock time.
func Time(ts int64) time.Time {
	return time.Unix(0, ts)
}
