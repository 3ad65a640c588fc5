package safety

import (
	"context"
	"sync/atomic"
	"time"

	"optcore/internal/pkg/monoclock"
)

// Agent is a periodically ticking worker run under the Supervisor.
type Agent interface {
	Name() string
	// Interval is how often the agent is expected to beat.
	Interval() time.Duration
	// Run blocks until ctx is cancelled. A returned error or panic counts as
	// a crash.
	Run(ctx context.Context, hb *Heartbeat) error
}

// Heartbeat is the liveness channel between one agent and the Supervisor.
type Heartbeat struct {
	clock  monoclock.Clock
	last   atomic.Int64
	paused *atomic.Bool
}

func newHeartbeat(clock monoclock.Clock, paused *atomic.Bool) *Heartbeat {
	hb := &Heartbeat{clock: clock, paused: paused}
	hb.Beat()
	return hb
}

// Beat records that the agent is alive.
func (h *Heartbeat) Beat() {
	h.last.Store(int64(h.clock.Now()))
}

// Last returns the monotonic time of the latest beat.
func (h *Heartbeat) Last() time.Duration {
	return time.Duration(h.last.Load())
}

// Paused reports whether agents must skip work this tick.
func (h *Heartbeat) Paused() bool {
	return h.paused != nil && h.paused.Load()
}

// Loop calls step every interval until ctx is done. It beats on every tick,
// including paused ones, so a paused agent is never mistaken for a dead one.
// A step error ends the loop and is returned as a crash.
func Loop(ctx context.Context, hb *Heartbeat, interval time.Duration, step func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		hb.Beat()
		if hb.Paused() {
			continue
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
}
