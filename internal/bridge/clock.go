package bridge

import (
	"sync"
	"time"
)

// SimClock is the simulated wall clock for a backtest run. The controller
// advances it to each bar's timestamp before the bar is published, so
// bootstrap requests made while processing that bar see a consistent "now".
type SimClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimClock starts at the given instant.
func NewSimClock(start time.Time) *SimClock {
	return &SimClock{now: start.UTC()}
}

// Now returns the current simulated time. Implements bootstrap.Clock.
func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetNow advances the clock. Moving backwards is allowed between sessions.
func (c *SimClock) SetNow(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}
