// Package monoclock exposes a monotonic time source measured as an offset from
// process start. Readings never jump with wall-clock adjustments.
package monoclock

import (
	"sync"
	"time"
)

// Clock returns the elapsed monotonic time since an arbitrary fixed origin.
type Clock interface {
	Now() time.Duration
}

type systemClock struct {
	origin time.Time
}

// System returns a Clock backed by the runtime monotonic reading of time.Now.
func System() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Now() time.Duration {
	return time.Since(c.origin)
}

// Manual is a Clock that only moves when Advance is called.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

func NewManual() *Manual {
	// Start away from zero so "never observed" (zero) stays distinguishable.
	return &Manual{now: time.Hour}
}

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}
