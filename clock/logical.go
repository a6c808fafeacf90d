// Package clock provides the monotonic logical clock the settlement engine
// measures cancellation timeouts against. Ticks are supplied externally and
// advance independently of any single settlement call.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultTickInterval is the wall-clock duration of one logical tick. The
// cancellation timeout of 144 ticks is roughly 24 hours at this rate.
const DefaultTickInterval = 10 * time.Minute

// Logical is a monotonically increasing counter. The zero value is ready to
// use and starts at tick zero.
type Logical struct {
	ticks atomic.Uint64
}

// Now returns the current tick.
func (c *Logical) Now() uint64 {
	return c.ticks.Load()
}

// Advance moves the clock forward by n ticks and returns the new value.
func (c *Logical) Advance(n uint64) uint64 {
	return c.ticks.Add(n)
}

// Run advances the clock once per interval until the context is cancelled.
// A non-positive interval falls back to DefaultTickInterval.
func (c *Logical) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Advance(1)
		}
	}
}
