package safety

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"optcore/internal/application/service/positions"
	"optcore/internal/application/service/queue"
	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/entity/safety"
	posstore "optcore/internal/infrastructure/positions"
	"optcore/internal/pkg/monoclock"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func defaultLimits() Limits {
	return Limits{
		Capital:              1_000_000,
		MaxDailyLossPct:      0.05,
		MaxOrdersPerWindow:   10,
		OrderWindow:          60 * time.Second,
		MaxGrossNotionalMult: 5,
		MaxUnderlyingShare:   0.5,
		UnhedgedTimeout:      5 * time.Second,
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *eventSink) count(kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type countingRejecter struct {
	calls atomic.Int32
}

func (r *countingRejecter) RejectAllPending(context.Context, string) (int64, error) {
	r.calls.Add(1)
	return 3, nil
}

type flagPauser struct {
	paused atomic.Bool
}

func (p *flagPauser) PauseAll()  { p.paused.Store(true) }
func (p *flagPauser) ResumeAll() { p.paused.Store(false) }

func TestCheckAllLossAndNotionalTogether(t *testing.T) {
	b := NewBreakers(defaultLimits(), monoclock.NewManual(), quietLogger())
	st := b.CheckAll(context.Background(), Inputs{DailyPnL: -80_000, GrossNotional: 6_000_000})

	if st.AllClear {
		t.Fatal("expected tripped status")
	}
	if !st.Has(safety.BreakerDailyMaxLoss) || !st.Has(safety.BreakerGrossNotional) {
		t.Fatalf("tripped = %+v, want DAILY_MAX_LOSS and GROSS_NOTIONAL", st.Tripped)
	}
	if len(st.Tripped) != 2 {
		t.Fatalf("tripped %d breakers, want 2", len(st.Tripped))
	}
	if !st.KillRequired() {
		t.Fatal("daily max loss must require the kill switch")
	}
	for _, r := range st.Tripped {
		if r.Kind == safety.BreakerGrossNotional && r.KillSwitch {
			t.Fatal("gross notional must reject, not halt")
		}
	}
}

func TestBreakerThresholds(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		want safety.BreakerKind
		trip bool
	}{
		{"loss within limit", Inputs{DailyPnL: -40_000}, safety.BreakerDailyMaxLoss, false},
		{"loss past limit", Inputs{DailyPnL: -50_001}, safety.BreakerDailyMaxLoss, true},
		{"notional at limit", Inputs{GrossNotional: 5_000_000}, safety.BreakerGrossNotional, false},
		{"notional over limit", Inputs{GrossNotional: 5_000_001}, safety.BreakerGrossNotional, true},
		{"concentration under cap", Inputs{UnderlyingMargin: map[string]float64{"NIFTY": 400_000}}, safety.BreakerConcentration, false},
		{"concentration over cap", Inputs{UnderlyingMargin: map[string]float64{"NIFTY": 600_000, "BANKNIFTY": 10_000}}, safety.BreakerConcentration, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreakers(defaultLimits(), monoclock.NewManual(), quietLogger())
			st := b.CheckAll(context.Background(), tt.in)
			if got := st.Has(tt.want); got != tt.trip {
				t.Fatalf("%s tripped = %v, want %v (%+v)", tt.want, got, tt.trip, st.Tripped)
			}
		})
	}
}

func TestOrderRateWindow(t *testing.T) {
	clock := monoclock.NewManual()
	b := NewBreakers(defaultLimits(), clock, quietLogger())
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		b.RecordOrder()
		clock.Advance(time.Second)
	}
	if st := b.CheckPreOrder(ctx, Inputs{}); !st.AllClear {
		t.Fatalf("9 orders tripped: %+v", st.Tripped)
	}
	b.RecordOrder()
	st := b.CheckPreOrder(ctx, Inputs{})
	if !st.Has(safety.BreakerOrderRate) || st.KillRequired() {
		t.Fatalf("10th order: %+v", st)
	}

	// The first order leaves the window 60s after it was recorded.
	clock.Advance(51 * time.Second)
	if n := b.OrdersInWindow(); n != 9 {
		t.Fatalf("orders in window = %d, want 9", n)
	}
	if st := b.CheckPreOrder(ctx, Inputs{}); !st.AllClear {
		t.Fatalf("still throttled after window slid: %+v", st.Tripped)
	}
}

func TestOrderRateAtLimit(t *testing.T) {
	clock := monoclock.NewManual()
	b := NewBreakers(defaultLimits(), clock, quietLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		b.RecordOrder()
	}
	if st := b.CheckAll(ctx, Inputs{}); st.Has(safety.BreakerOrderRate) {
		t.Fatalf("CheckAll tripped at the limit: %+v", st.Tripped)
	}
	if st := b.CheckPreOrder(ctx, Inputs{}); !st.Has(safety.BreakerOrderRate) {
		t.Fatal("CheckPreOrder allowed an order past the limit")
	}

	b.RecordOrder()
	if st := b.CheckAll(ctx, Inputs{}); !st.Has(safety.BreakerOrderRate) {
		t.Fatalf("CheckAll clear with 11 orders: %+v", st)
	}
}

func TestUnhedgedForceCloseOnce(t *testing.T) {
	clock := monoclock.NewManual()
	b := NewBreakers(defaultLimits(), clock, quietLogger())
	ctx := context.Background()
	keys := []string{"NIFTY25FEB22000CE|ic"}

	if st := b.CheckAll(ctx, Inputs{Unhedged: keys}); !st.AllClear {
		t.Fatalf("first observation tripped: %+v", st.Tripped)
	}
	clock.Advance(4 * time.Second)
	if st := b.CheckAll(ctx, Inputs{Unhedged: keys}); len(st.ForceClose()) != 0 {
		t.Fatalf("force close before timeout: %v", st.ForceClose())
	}
	clock.Advance(time.Second)
	st := b.CheckAll(ctx, Inputs{Unhedged: keys})
	if got := st.ForceClose(); len(got) != 1 || got[0] != keys[0] {
		t.Fatalf("ForceClose = %v, want %v", got, keys)
	}
	if st.KillRequired() {
		t.Fatal("unhedged breaker must not halt the system")
	}
	if tracked := b.TrackedUnhedged(); len(tracked) != 0 {
		t.Fatalf("key still tracked after force close: %v", tracked)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		if st := b.CheckAll(ctx, Inputs{Unhedged: keys}); len(st.ForceClose()) != 0 {
			t.Fatalf("force close repeated: %v", st.ForceClose())
		}
	}

	// Once resolved, a new unhedged episode is timed from scratch.
	b.CheckAll(ctx, Inputs{})
	b.CheckAll(ctx, Inputs{Unhedged: keys})
	if tracked := b.TrackedUnhedged(); len(tracked) != 1 {
		t.Fatalf("new episode not tracked: %v", tracked)
	}
}

func TestUnhedgedResolvedBeforeTimeout(t *testing.T) {
	clock := monoclock.NewManual()
	b := NewBreakers(defaultLimits(), clock, quietLogger())
	ctx := context.Background()
	keys := []string{"X|s"}

	b.CheckAll(ctx, Inputs{Unhedged: keys})
	clock.Advance(3 * time.Second)
	b.CheckAll(ctx, Inputs{})
	clock.Advance(3 * time.Second)
	if st := b.CheckAll(ctx, Inputs{Unhedged: keys}); len(st.ForceClose()) != 0 {
		t.Fatalf("timer survived resolution: %v", st.ForceClose())
	}
}

func TestBreakerEventsOnTransitionOnly(t *testing.T) {
	b := NewBreakers(defaultLimits(), monoclock.NewManual(), quietLogger())
	sink := &eventSink{}
	b.SetPublisher(sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.CheckAll(ctx, Inputs{GrossNotional: 9_000_000})
	}
	if n := sink.count(events.KindBreakerTripped); n != 1 {
		t.Fatalf("breaker events = %d, want 1", n)
	}
	b.CheckAll(ctx, Inputs{})
	b.CheckAll(ctx, Inputs{GrossNotional: 9_000_000})
	if n := sink.count(events.KindBreakerTripped); n != 2 {
		t.Fatalf("breaker events after re-trip = %d, want 2", n)
	}
}

func TestKillSwitchRunbookIsIdempotent(t *testing.T) {
	rejecter := &countingRejecter{}
	var cancels atomic.Int32
	ks := NewKillSwitch(rejecter, func(context.Context) error {
		cancels.Add(1)
		return nil
	}, quietLogger())
	sink := &eventSink{}
	ks.SetPublisher(sink)
	pauser := &flagPauser{}
	ks.AddPauser(pauser)
	ctx := context.Background()

	if !ks.Activate(ctx, "daily loss") {
		t.Fatal("first Activate returned false")
	}
	if ks.Activate(ctx, "again") {
		t.Fatal("second Activate ran the runbook")
	}
	if rejecter.calls.Load() != 1 || cancels.Load() != 1 {
		t.Fatalf("rejects = %d cancels = %d, want 1 each", rejecter.calls.Load(), cancels.Load())
	}
	if !pauser.paused.Load() {
		t.Fatal("agents not paused")
	}
	state := ks.State()
	if !state.Active || !state.Complete || state.Reason != "daily loss" || state.Rejected != 3 {
		t.Fatalf("state = %+v", state)
	}
	if n := sink.count(events.KindKillSwitch); n != 1 {
		t.Fatalf("kill events = %d", n)
	}
	if !sink.events[0].IsCritical() {
		t.Fatal("kill switch event must be critical")
	}

	if !ks.Resume(ctx) {
		t.Fatal("Resume returned false")
	}
	if pauser.paused.Load() || ks.Active() {
		t.Fatal("resume did not clear state")
	}
	if ks.Resume(ctx) {
		t.Fatal("second Resume returned true")
	}
	if rejecter.calls.Load() != 1 {
		t.Fatal("resume retried rejected work")
	}
}

type flakyRejecter struct {
	calls    atomic.Int32
	failures int32
	ctxErrs  []error
}

func (r *flakyRejecter) RejectAllPending(ctx context.Context, _ string) (int64, error) {
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if r.calls.Add(1) <= r.failures {
		return 0, errors.New("queue store unavailable")
	}
	return 2, nil
}

func TestKillSwitchRunbookIgnoresCallerCancellation(t *testing.T) {
	rejecter := &flakyRejecter{}
	var cancelErr error
	ks := NewKillSwitch(rejecter, func(ctx context.Context) error {
		cancelErr = ctx.Err()
		return ctx.Err()
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !ks.Activate(ctx, "operator") {
		t.Fatal("Activate returned false")
	}
	if len(rejecter.ctxErrs) != 1 || rejecter.ctxErrs[0] != nil || cancelErr != nil {
		t.Fatalf("runbook saw cancelled context: reject=%v cancel=%v", rejecter.ctxErrs, cancelErr)
	}
	if st := ks.State(); !st.Complete || st.Rejected != 2 {
		t.Fatalf("state = %+v", st)
	}
}

func TestKillSwitchRerunsIncompleteRunbook(t *testing.T) {
	rejecter := &flakyRejecter{failures: 1}
	var cancels atomic.Int32
	ks := NewKillSwitch(rejecter, func(context.Context) error {
		cancels.Add(1)
		return nil
	}, quietLogger())
	sink := &eventSink{}
	ks.SetPublisher(sink)
	ctx := context.Background()

	if !ks.Activate(ctx, "daily loss") {
		t.Fatal("first Activate returned false")
	}
	if st := ks.State(); !st.Active || st.Complete {
		t.Fatalf("state after failed run = %+v", st)
	}

	if !ks.Activate(ctx, "breaker") {
		t.Fatal("incomplete runbook was not run again")
	}
	st := ks.State()
	if !st.Complete || st.Reason != "daily loss" || st.Rejected != 2 {
		t.Fatalf("state after retry = %+v", st)
	}
	if rejecter.calls.Load() != 2 || cancels.Load() != 2 {
		t.Fatalf("rejects = %d cancels = %d, want 2 each", rejecter.calls.Load(), cancels.Load())
	}

	if ks.Activate(ctx, "again") {
		t.Fatal("completed runbook ran a third time")
	}
	if n := sink.count(events.KindKillSwitch); n != 1 {
		t.Fatalf("kill events = %d, want 1", n)
	}
}

type crashingAgent struct {
	runs atomic.Int32
}

func (a *crashingAgent) Name() string            { return "crasher" }
func (a *crashingAgent) Interval() time.Duration { return time.Second }
func (a *crashingAgent) Run(context.Context, *Heartbeat) error {
	a.runs.Add(1)
	return errors.New("boom")
}

type silentAgent struct{}

func (silentAgent) Name() string            { return "silent" }
func (silentAgent) Interval() time.Duration { return time.Second }
func (silentAgent) Run(ctx context.Context, _ *Heartbeat) error {
	<-ctx.Done()
	return nil
}

func waitStopped(t *testing.T, sup *Supervisor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := sup.Agents(); len(st) > 0 && !st[0].Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent did not stop")
}

func TestSupervisorRestartsThenKills(t *testing.T) {
	clock := monoclock.NewManual()
	rejecter := &countingRejecter{}
	ks := NewKillSwitch(rejecter, nil, quietLogger())
	sup := NewSupervisor(SupervisorConfig{MaxRestarts: 2, RestartBackoff: time.Second}, Deps{Clock: clock, KillSwitch: ks}, quietLogger())
	ks.AddPauser(sup)
	agent := &crashingAgent{}
	sup.Register(agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	waitStopped(t, sup)
	sup.Tick(ctx) // schedules restart after 1s
	if agent.runs.Load() != 1 {
		t.Fatalf("restarted before backoff: runs = %d", agent.runs.Load())
	}
	clock.Advance(time.Second)
	sup.Tick(ctx)
	waitStopped(t, sup)
	if agent.runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", agent.runs.Load())
	}

	sup.Tick(ctx) // schedules restart after 2s
	clock.Advance(2 * time.Second)
	sup.Tick(ctx)
	waitStopped(t, sup)
	if agent.runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", agent.runs.Load())
	}
	if ks.Active() {
		t.Fatal("kill switch engaged before restarts exhausted")
	}

	sup.Tick(ctx)
	if !ks.Active() {
		t.Fatal("kill switch not engaged after restarts exhausted")
	}
	if !sup.Paused() {
		t.Fatal("agents not paused by kill switch")
	}
	status := sup.Agents()[0]
	if !status.Failed || status.Restarts != 2 {
		t.Fatalf("agent status = %+v", status)
	}

	cancel()
	sup.Wait()
}

func TestSupervisorRestartsSilentAgent(t *testing.T) {
	clock := monoclock.NewManual()
	sup := NewSupervisor(SupervisorConfig{RestartBackoff: time.Millisecond}, Deps{Clock: clock}, quietLogger())
	sup.Register(silentAgent{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sup.Wait()
	}()
	sup.Start(ctx)

	clock.Advance(1500 * time.Millisecond)
	sup.Tick(ctx)
	if st := sup.Agents()[0]; st.Restarts != 0 {
		t.Fatalf("restarted within heartbeat timeout: %+v", st)
	}
	clock.Advance(time.Second)
	sup.Tick(ctx)
	clock.Advance(time.Millisecond)
	sup.Tick(ctx)
	if st := sup.Agents()[0]; st.Restarts != 1 || !st.Running {
		t.Fatalf("silent agent status = %+v", st)
	}
}

type countingReclaimer struct {
	calls atomic.Int32
}

func (r *countingReclaimer) ReclaimStaleLeases(context.Context) (queue.ReclaimReport, error) {
	r.calls.Add(1)
	return queue.ReclaimReport{}, nil
}

func TestSupervisorTickForceClosesUnhedgedOnce(t *testing.T) {
	clock := monoclock.NewManual()
	book := positions.NewBook(posstore.NewMemoryStore(), quietLogger())
	w, _ := book.ClaimWriter()
	ctx := context.Background()
	_, err := w.UpdatePosition(ctx, position.Position{
		Instrument: "NIFTY25FEB22000CE",
		Underlying: "NIFTY",
		Direction:  position.DirectionSell,
		Quantity:   -50,
		AvgPrice:   decimal.NewFromInt(100),
		StrategyID: "ic",
		HedgeKey:   position.MakeKey("NIFTY25FEB22500CE", "ic"),
	})
	if err != nil {
		t.Fatalf("UpdatePosition error = %v", err)
	}

	var closed []string
	reclaimer := &countingReclaimer{}
	sup := NewSupervisor(SupervisorConfig{}, Deps{
		Clock:    clock,
		Breakers: NewBreakers(defaultLimits(), clock, quietLogger()),
		Book:     book,
		Queue:    reclaimer,
		ForceClose: func(_ context.Context, key string) error {
			closed = append(closed, key)
			return nil
		},
	}, quietLogger())
	sup.Start(ctx)

	sup.Tick(ctx)
	clock.Advance(5 * time.Second)
	sup.Tick(ctx)
	clock.Advance(5 * time.Second)
	sup.Tick(ctx)

	if len(closed) != 1 || closed[0] != "NIFTY25FEB22000CE|ic" {
		t.Fatalf("closed = %v, want exactly one close", closed)
	}
	if reclaimer.calls.Load() != 3 {
		t.Fatalf("reclaim calls = %d, want 3", reclaimer.calls.Load())
	}
}

func TestSupervisorTickEngagesKillSwitchOnLoss(t *testing.T) {
	clock := monoclock.NewManual()
	book := positions.NewBook(posstore.NewMemoryStore(), quietLogger())
	w, _ := book.ClaimWriter()
	ctx := context.Background()
	pos := position.Position{
		Instrument: "NIFTY25FEB22000CE",
		Underlying: "NIFTY",
		Direction:  position.DirectionBuy,
		Quantity:   1000,
		AvgPrice:   decimal.NewFromInt(200),
		StrategyID: "s1",
	}
	if _, err := w.UpdatePosition(ctx, pos); err != nil {
		t.Fatalf("UpdatePosition error = %v", err)
	}
	w.UpdateLTP(pos.Instrument, decimal.NewFromInt(120)) // -80,000

	ks := NewKillSwitch(&countingRejecter{}, nil, quietLogger())
	sup := NewSupervisor(SupervisorConfig{}, Deps{
		Clock:      clock,
		Breakers:   NewBreakers(defaultLimits(), clock, quietLogger()),
		KillSwitch: ks,
		Book:       book,
	}, quietLogger())
	sup.Start(ctx)
	sup.Tick(ctx)

	if !ks.Active() {
		t.Fatal("kill switch not engaged")
	}
	if !sup.LastStatus().Has(safety.BreakerDailyMaxLoss) {
		t.Fatalf("status = %+v", sup.LastStatus())
	}
}

func TestLoopSkipsWorkWhilePaused(t *testing.T) {
	var paused atomic.Bool
	paused.Store(true)
	hb := newHeartbeat(monoclock.NewManual(), &paused)
	var steps atomic.Int32

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := Loop(ctx, hb, 5*time.Millisecond, func(context.Context) error {
		steps.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Loop error = %v", err)
	}
	if steps.Load() != 0 {
		t.Fatalf("paused loop ran %d steps", steps.Load())
	}
}
