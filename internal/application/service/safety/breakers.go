package safety

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/entity/safety"
	"optcore/internal/domain/interfaces"
	"optcore/internal/pkg/monoclock"

	"github.com/sirupsen/logrus"
)

const (
	defaultOrderWindow     = 60 * time.Second
	defaultUnhedgedTimeout = 5 * time.Second
	eventSource            = "safety"
)

// Limits are the breaker thresholds.
type Limits struct {
	Capital              float64
	MaxDailyLossPct      float64
	MaxOrdersPerWindow   int
	OrderWindow          time.Duration
	MaxGrossNotionalMult float64
	// MaxUnderlyingShare caps one underlying's margin as a fraction of capital.
	MaxUnderlyingShare float64
	UnhedgedTimeout    time.Duration
}

// Inputs is the book-derived state a breaker check runs against.
type Inputs struct {
	DailyPnL         float64
	GrossNotional    float64
	UnderlyingMargin map[string]float64
	Unhedged         []string
}

// InputsFrom derives breaker inputs from a position snapshot.
func InputsFrom(snap position.Snapshot, unhedged []string) Inputs {
	exp := snap.Exposure()
	return Inputs{
		DailyPnL:         exp.TotalPnL,
		GrossNotional:    exp.GrossNotional,
		UnderlyingMargin: exp.UnderlyingMargin,
		Unhedged:         unhedged,
	}
}

// Breakers evaluates the circuit breakers. The order-rate deque and the
// unhedged-since map are guarded by one mutex.
type Breakers struct {
	limits    Limits
	clock     monoclock.Clock
	logger    *logrus.Entry
	publisher interfaces.EventPublisher

	mu            sync.Mutex
	orders        []time.Duration
	unhedgedSince map[string]time.Duration
	closing       map[string]struct{}
	lastTripped   map[safety.BreakerKind]bool
}

func NewBreakers(limits Limits, clock monoclock.Clock, logger *logrus.Logger) *Breakers {
	if limits.OrderWindow <= 0 {
		limits.OrderWindow = defaultOrderWindow
	}
	if limits.UnhedgedTimeout <= 0 {
		limits.UnhedgedTimeout = defaultUnhedgedTimeout
	}
	return &Breakers{
		limits:        limits,
		clock:         clock,
		logger:        logger.WithField("component", "breakers"),
		unhedgedSince: make(map[string]time.Duration),
		closing:       make(map[string]struct{}),
		lastTripped:   make(map[safety.BreakerKind]bool),
	}
}

func (b *Breakers) SetPublisher(p interfaces.EventPublisher) {
	b.publisher = p
}

// Limits returns the configured thresholds.
func (b *Breakers) Limits() Limits {
	return b.limits
}

// CheckAll evaluates all five breakers together.
func (b *Breakers) CheckAll(ctx context.Context, in Inputs) safety.Status {
	b.mu.Lock()
	now := b.clock.Now()
	results := []safety.BreakerResult{
		b.dailyLoss(in),
		b.orderRateLocked(now, false),
		b.grossNotional(in),
		b.concentration(in),
		b.unhedgedLocked(in.Unhedged, now),
	}
	st := safety.NewStatus(results, time.Now().UTC())
	newly := b.transitionsLocked(results)
	b.mu.Unlock()

	b.report(ctx, newly)
	return st
}

// CheckPreOrder runs the breakers that gate a single new order. The unhedged
// timer is left to the background monitor. Every trip is reported since each
// one rejects a concrete order.
func (b *Breakers) CheckPreOrder(ctx context.Context, in Inputs) safety.Status {
	b.mu.Lock()
	results := []safety.BreakerResult{
		b.dailyLoss(in),
		b.orderRateLocked(b.clock.Now(), true),
		b.grossNotional(in),
		b.concentration(in),
	}
	b.mu.Unlock()

	st := safety.NewStatus(results, time.Now().UTC())
	b.report(ctx, st.Tripped)
	return st
}

// RecordOrder counts one submitted order in the rolling window.
func (b *Breakers) RecordOrder() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.pruneLocked(now)
	b.orders = append(b.orders, now)
}

// OrdersInWindow returns the number of orders in the current window.
func (b *Breakers) OrdersInWindow() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.clock.Now())
	return len(b.orders)
}

// TrackedUnhedged returns the keys currently timed by the unhedged breaker.
func (b *Breakers) TrackedUnhedged() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.unhedgedSince))
	for k := range b.unhedgedSince {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Breakers) dailyLoss(in Inputs) safety.BreakerResult {
	r := safety.BreakerResult{Kind: safety.BreakerDailyMaxLoss}
	if b.limits.Capital <= 0 || b.limits.MaxDailyLossPct <= 0 {
		return r
	}
	ratio := in.DailyPnL / b.limits.Capital
	if ratio < -b.limits.MaxDailyLossPct {
		r.Tripped = true
		r.KillSwitch = true
		r.Message = fmt.Sprintf("daily pnl %.2f is %.2f%% of capital, limit -%.2f%%",
			in.DailyPnL, ratio*100, b.limits.MaxDailyLossPct*100)
	}
	return r
}

// orderRateLocked trips once the window holds more than the limit. Before an
// order it trips at the limit, since that order would exceed it.
func (b *Breakers) orderRateLocked(now time.Duration, preOrder bool) safety.BreakerResult {
	r := safety.BreakerResult{Kind: safety.BreakerOrderRate}
	if b.limits.MaxOrdersPerWindow <= 0 {
		return r
	}
	b.pruneLocked(now)
	n := len(b.orders)
	if n > b.limits.MaxOrdersPerWindow || (preOrder && n == b.limits.MaxOrdersPerWindow) {
		r.Tripped = true
		r.Message = fmt.Sprintf("%d orders in the last %s, limit %d",
			len(b.orders), b.limits.OrderWindow, b.limits.MaxOrdersPerWindow)
	}
	return r
}

func (b *Breakers) grossNotional(in Inputs) safety.BreakerResult {
	r := safety.BreakerResult{Kind: safety.BreakerGrossNotional}
	if b.limits.Capital <= 0 || b.limits.MaxGrossNotionalMult <= 0 {
		return r
	}
	mult := in.GrossNotional / b.limits.Capital
	if mult > b.limits.MaxGrossNotionalMult {
		r.Tripped = true
		r.Message = fmt.Sprintf("gross notional %.0f is %.2fx capital, limit %.2fx",
			in.GrossNotional, mult, b.limits.MaxGrossNotionalMult)
	}
	return r
}

func (b *Breakers) concentration(in Inputs) safety.BreakerResult {
	r := safety.BreakerResult{Kind: safety.BreakerConcentration}
	if b.limits.Capital <= 0 || b.limits.MaxUnderlyingShare <= 0 {
		return r
	}
	underlyings := make([]string, 0, len(in.UnderlyingMargin))
	for u := range in.UnderlyingMargin {
		underlyings = append(underlyings, u)
	}
	sort.Strings(underlyings)
	for _, u := range underlyings {
		share := in.UnderlyingMargin[u] / b.limits.Capital
		if share > b.limits.MaxUnderlyingShare {
			r.Tripped = true
			r.Message = fmt.Sprintf("%s margin is %.1f%% of capital, cap %.1f%%",
				u, share*100, b.limits.MaxUnderlyingShare*100)
			return r
		}
	}
	return r
}

// unhedgedLocked times each unhedged key from first observation. A key past
// the timeout is handed out for force-close once and dropped from tracking; it
// is not timed again until it has been seen resolved.
func (b *Breakers) unhedgedLocked(keys []string, now time.Duration) safety.BreakerResult {
	r := safety.BreakerResult{Kind: safety.BreakerUnhedged}
	current := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		current[k] = struct{}{}
	}
	for k := range b.unhedgedSince {
		if _, ok := current[k]; !ok {
			delete(b.unhedgedSince, k)
		}
	}
	for k := range b.closing {
		if _, ok := current[k]; !ok {
			delete(b.closing, k)
		}
	}

	for _, k := range keys {
		if _, ok := b.closing[k]; ok {
			continue
		}
		since, ok := b.unhedgedSince[k]
		if !ok {
			b.unhedgedSince[k] = now
			continue
		}
		if now-since >= b.limits.UnhedgedTimeout {
			r.ForceClose = append(r.ForceClose, k)
			b.closing[k] = struct{}{}
			delete(b.unhedgedSince, k)
		}
	}
	if len(r.ForceClose) > 0 {
		sort.Strings(r.ForceClose)
		r.Tripped = true
		r.Message = fmt.Sprintf("%d short legs unhedged for over %s", len(r.ForceClose), b.limits.UnhedgedTimeout)
	}
	return r
}

func (b *Breakers) pruneLocked(now time.Duration) {
	cutoff := now - b.limits.OrderWindow
	i := 0
	for i < len(b.orders) && b.orders[i] <= cutoff {
		i++
	}
	if i > 0 {
		b.orders = append(b.orders[:0], b.orders[i:]...)
	}
}

// transitionsLocked returns breakers that tripped in this check but not in the
// previous one. Force-close results are always reported.
func (b *Breakers) transitionsLocked(results []safety.BreakerResult) []safety.BreakerResult {
	var newly []safety.BreakerResult
	for _, r := range results {
		was := b.lastTripped[r.Kind]
		b.lastTripped[r.Kind] = r.Tripped
		if r.Tripped && (!was || len(r.ForceClose) > 0) {
			newly = append(newly, r)
		}
	}
	return newly
}

func (b *Breakers) report(ctx context.Context, tripped []safety.BreakerResult) {
	for _, r := range tripped {
		sev := events.SeverityWarning
		if r.KillSwitch {
			sev = events.SeverityCritical
		}
		b.logger.WithFields(logrus.Fields{
			"breaker":     r.Kind,
			"kill_switch": r.KillSwitch,
		}).Warn(r.Message)
		if b.publisher == nil {
			continue
		}
		attrs := map[string]any{"breaker": string(r.Kind), "kill_switch": r.KillSwitch}
		if len(r.ForceClose) > 0 {
			attrs["force_close"] = r.ForceClose
		}
		if err := b.publisher.Publish(ctx, events.New(events.KindBreakerTripped, sev, eventSource, r.Message, attrs)); err != nil {
			b.logger.WithError(err).Warn("publish breaker event failed")
		}
	}
}
