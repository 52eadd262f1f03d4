// Package clock abstracts the runtime's time source so the same trading
// loop runs against wall time in live mode and against data-driven time in
// replay. Nothing else in the runtime reads the wall clock directly.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current instant. Now is idempotent and side-effect-free.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock in UTC.
type Real struct{}

// NewReal returns the wall-clock implementation.
func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

// Replay is a monotonic clock advanced only by data providers. It never
// moves backward: AdvanceTo with an earlier instant is a no-op.
type Replay struct {
	mu  sync.RWMutex
	now time.Time
}

// NewReplay returns a replay clock positioned at start.
func NewReplay(start time.Time) *Replay {
	return &Replay{now: start.UTC()}
}

func (c *Replay) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// AdvanceTo moves the clock forward to ts. Earlier or equal instants leave
// the clock unchanged.
func (c *Replay) AdvanceTo(ts time.Time) {
	ts = ts.UTC()
	c.mu.Lock()
	if ts.After(c.now) {
		c.now = ts
	}
	c.mu.Unlock()
}
