package queue

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/entity/events"
	memstore "optcore/internal/infrastructure/queue"

	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 2, 3, 9, 15, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(kind events.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T) (*Service, *fakeClock, *recordingPublisher) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := newFakeClock()
	pub := &recordingPublisher{}
	svc := NewService(memstore.NewMemoryStore(), Config{}, logger)
	svc.SetClock(clock.Now)
	svc.SetPublisher(pub)
	return svc, clock, pub
}

func enqueue(t *testing.T, svc *Service, key string) int64 {
	t.Helper()
	id, created, err := svc.Enqueue(context.Background(), EnqueueRequest{
		IdempotencyKey: key,
		EventType:      "order.place",
		Payload:        []byte(`{"instrument":"NIFTY25FEB22000CE"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue(%s) error = %v", key, err)
	}
	if !created {
		t.Fatalf("Enqueue(%s) created = false", key)
	}
	return id
}

func TestEnqueueIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	enqueue(t, svc, "k-1")
	id, created, err := svc.Enqueue(ctx, EnqueueRequest{IdempotencyKey: "k-1", EventType: "order.place"})
	if err != nil {
		t.Fatalf("second Enqueue error = %v", err)
	}
	if created || id != 0 {
		t.Fatalf("second Enqueue = (%d, %v), want no-op", id, created)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats error = %v", err)
	}
	if stats[command.StatusPending] != 1 {
		t.Fatalf("pending = %d, want 1", stats[command.StatusPending])
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Enqueue(ctx, EnqueueRequest{EventType: "order.place"}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("missing key error = %v, want ErrEmptyKey", err)
	}
	if _, _, err := svc.Enqueue(ctx, EnqueueRequest{IdempotencyKey: "k"}); !errors.Is(err, ErrEmptyType) {
		t.Errorf("missing type error = %v, want ErrEmptyType", err)
	}
}

func TestDequeueClaimsWithLease(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	id := enqueue(t, svc, "k-1")

	cmd, err := svc.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error = %v", err)
	}
	if cmd == nil || cmd.ID != id {
		t.Fatalf("Dequeue = %+v, want id %d", cmd, id)
	}
	if cmd.Status != command.StatusProcessing || cmd.AttemptCount != 1 || cmd.OwnerToken == "" {
		t.Fatalf("claimed row = %+v", cmd)
	}
	if cmd.LeaseExpires == nil || !cmd.LeaseExpires.Equal(clock.Now().Add(30*time.Second)) {
		t.Fatalf("lease expires = %v, want now+30s", cmd.LeaseExpires)
	}

	again, err := svc.Dequeue(ctx)
	if err != nil {
		t.Fatalf("second Dequeue error = %v", err)
	}
	if again != nil {
		t.Fatalf("second Dequeue returned %d, want nothing", again.ID)
	}
}

func TestDequeueOrdersByEnqueueTime(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	first := enqueue(t, svc, "k-1")
	clock.Advance(time.Millisecond)
	second := enqueue(t, svc, "k-2")

	for _, want := range []int64{first, second} {
		cmd, err := svc.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue error = %v", err)
		}
		if cmd == nil || cmd.ID != want {
			t.Fatalf("Dequeue = %+v, want id %d", cmd, want)
		}
	}
}

func TestLeaseSafety(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := enqueue(t, svc, "k-1")

	cmd, err := svc.Dequeue(ctx)
	if err != nil || cmd == nil {
		t.Fatalf("Dequeue = %v, %v", cmd, err)
	}
	const stranger = "token-b"

	if err := svc.MarkDone(ctx, id, stranger, "ref"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkDone with foreign token error = %v", err)
	}
	if err := svc.MarkFailed(ctx, id, stranger, "boom"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkFailed with foreign token error = %v", err)
	}
	if _, err := svc.MarkRetry(ctx, id, stranger, command.ErrorNetworkTimeout, "timeout"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkRetry with foreign token error = %v", err)
	}
	if err := svc.MarkDeferred(ctx, id, stranger, "stale", time.Second); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkDeferred with foreign token error = %v", err)
	}

	row, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if row.Status != command.StatusProcessing || row.OwnerToken != cmd.OwnerToken {
		t.Fatalf("row mutated by foreign token: %+v", row)
	}

	if err := svc.MarkDone(ctx, id, cmd.OwnerToken, "ORD-1"); err != nil {
		t.Fatalf("MarkDone with owner token error = %v", err)
	}
	row, _ = svc.Get(ctx, id)
	if row.Status != command.StatusDone || row.BrokerOrderID != "ORD-1" || row.ProcessedAt == nil {
		t.Fatalf("row after done = %+v", row)
	}
	if err := svc.MarkDone(ctx, id, cmd.OwnerToken, "ORD-2"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("MarkDone on terminal row error = %v", err)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	svc, clock, pub := newTestService(t)
	ctx := context.Background()
	id := enqueue(t, svc, "k-1")

	backoffs := []time.Duration{2 * time.Second, 4 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		cmd, err := svc.Dequeue(ctx)
		if err != nil {
			t.Fatalf("attempt %d: Dequeue error = %v", attempt, err)
		}
		if cmd == nil || cmd.ID != id {
			t.Fatalf("attempt %d: Dequeue = %+v", attempt, cmd)
		}
		status, err := svc.MarkRetry(ctx, id, cmd.OwnerToken, command.ErrorNetworkTimeout, "read timeout")
		if err != nil {
			t.Fatalf("attempt %d: MarkRetry error = %v", attempt, err)
		}
		if attempt < 3 {
			if status != command.StatusPending {
				t.Fatalf("attempt %d: status = %s, want PENDING", attempt, status)
			}
			if early, _ := svc.Dequeue(ctx); early != nil {
				t.Fatalf("attempt %d: row dequeued before backoff elapsed", attempt)
			}
			clock.Advance(backoffs[attempt-1])
			continue
		}
		if status != command.StatusDeadLetter {
			t.Fatalf("final status = %s, want DEAD_LETTER", status)
		}
	}

	clock.Advance(time.Hour)
	if cmd, _ := svc.Dequeue(ctx); cmd != nil {
		t.Fatalf("dead-lettered row dequeued again: %+v", cmd)
	}
	row, _ := svc.Get(ctx, id)
	if row.AttemptCount != 3 || row.ErrorClass != command.ErrorNetworkTimeout {
		t.Fatalf("row = %+v", row)
	}
	letters, err := svc.DeadLetters(ctx, 10)
	if err != nil || len(letters) != 1 {
		t.Fatalf("DeadLetters = %v, %v", letters, err)
	}
	if pub.count(events.KindCommandDeadLetter) != 1 {
		t.Fatalf("dead letter events = %d, want 1", pub.count(events.KindCommandDeadLetter))
	}
}

func TestNonRetryableClassesDeadLetterImmediately(t *testing.T) {
	for _, class := range []command.ErrorClass{command.ErrorBrokerReject, command.ErrorValidation} {
		t.Run(string(class), func(t *testing.T) {
			svc, _, _ := newTestService(t)
			ctx := context.Background()
			id := enqueue(t, svc, "k-1")
			cmd, _ := svc.Dequeue(ctx)

			status, err := svc.MarkRetry(ctx, id, cmd.OwnerToken, class, "rejected")
			if err != nil {
				t.Fatalf("MarkRetry error = %v", err)
			}
			if status != command.StatusDeadLetter {
				t.Fatalf("status = %s, want DEAD_LETTER", status)
			}
		})
	}
}

func TestRateLimitUsesFixedBackoff(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	id := enqueue(t, svc, "k-1")
	cmd, _ := svc.Dequeue(ctx)

	if _, err := svc.MarkRetry(ctx, id, cmd.OwnerToken, command.ErrorRateLimit, "429"); err != nil {
		t.Fatalf("MarkRetry error = %v", err)
	}
	row, _ := svc.Get(ctx, id)
	if want := clock.Now().Add(time.Second); !row.NextRetryAt.Equal(want) {
		t.Fatalf("next retry = %v, want %v", row.NextRetryAt, want)
	}
}

func TestMarkDeferredDoesNotConsumeAttempts(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	id := enqueue(t, svc, "k-1")

	for i := 0; i < 5; i++ {
		cmd, err := svc.Dequeue(ctx)
		if err != nil || cmd == nil {
			t.Fatalf("defer round %d: Dequeue = %v, %v", i, cmd, err)
		}
		if err := svc.MarkDeferred(ctx, id, cmd.OwnerToken, "quote stale", 2*time.Second); err != nil {
			t.Fatalf("MarkDeferred error = %v", err)
		}
		clock.Advance(2 * time.Second)
	}

	row, _ := svc.Get(ctx, id)
	if row.Status != command.StatusPending {
		t.Fatalf("status = %s, want PENDING", row.Status)
	}
	if row.AttemptCount != 5 || row.EffectiveAttempts() != 0 {
		t.Fatalf("attempts = %d effective = %d", row.AttemptCount, row.EffectiveAttempts())
	}

	// A real failure after many deferrals still gets the full retry budget.
	cmd, _ := svc.Dequeue(ctx)
	status, err := svc.MarkRetry(ctx, id, cmd.OwnerToken, command.ErrorNetworkTimeout, "timeout")
	if err != nil {
		t.Fatalf("MarkRetry error = %v", err)
	}
	if status != command.StatusPending {
		t.Fatalf("status after first real failure = %s, want PENDING", status)
	}
}

func TestReclaimStaleLeases(t *testing.T) {
	svc, clock, pub := newTestService(t)
	ctx := context.Background()
	requeued := enqueue(t, svc, "k-1")
	exhausted := enqueue(t, svc, "k-2")

	// Burn k-2's budget: two retries then a third claim that is abandoned.
	first, _ := svc.Dequeue(ctx)
	if first.ID != requeued {
		t.Fatalf("first claim = %d", first.ID)
	}
	for i := 0; i < 2; i++ {
		cmd, _ := svc.Dequeue(ctx)
		if cmd == nil || cmd.ID != exhausted {
			t.Fatalf("claim of exhausted row = %+v", cmd)
		}
		if _, err := svc.MarkRetry(ctx, exhausted, cmd.OwnerToken, command.ErrorNetworkTimeout, "read timeout"); err != nil {
			t.Fatalf("MarkRetry error = %v", err)
		}
		clock.Advance(5 * time.Second)
	}
	last, _ := svc.Dequeue(ctx)
	if last == nil || last.ID != exhausted || last.AttemptCount != 3 {
		t.Fatalf("third claim = %+v", last)
	}

	report, err := svc.ReclaimStaleLeases(ctx)
	if err != nil {
		t.Fatalf("ReclaimStaleLeases error = %v", err)
	}
	if report.Requeued+report.DeadLettered != 0 {
		t.Fatalf("reclaimed live leases: %+v", report)
	}

	clock.Advance(31 * time.Second)
	report, err = svc.ReclaimStaleLeases(ctx)
	if err != nil {
		t.Fatalf("ReclaimStaleLeases error = %v", err)
	}
	if report.Requeued != 1 || report.DeadLettered != 1 {
		t.Fatalf("report = %+v, want 1 requeued 1 dead-lettered", report)
	}

	row, _ := svc.Get(ctx, requeued)
	if row.Status != command.StatusPending || row.OwnerToken != "" {
		t.Fatalf("requeued row = %+v", row)
	}
	row, _ = svc.Get(ctx, exhausted)
	if row.Status != command.StatusDeadLetter {
		t.Fatalf("exhausted row status = %s", row.Status)
	}

	// The original holder lost its lease and can no longer report.
	if err := svc.MarkDone(ctx, requeued, first.OwnerToken, "late"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("late MarkDone error = %v", err)
	}
	if pub.count(events.KindCommandReclaimed) != 1 {
		t.Fatalf("reclaimed events = %d", pub.count(events.KindCommandReclaimed))
	}
}

func TestReclaimHonoursClassAttemptBudget(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	id := enqueue(t, svc, "k-1")

	// Rate limits allow five attempts; the row default is three.
	claimAndAbandon := func(want int) {
		t.Helper()
		cmd, err := svc.Dequeue(ctx)
		if err != nil || cmd == nil || cmd.ID != id || cmd.AttemptCount != want {
			t.Fatalf("claim %d = %+v, err %v", want, cmd, err)
		}
		clock.Advance(31 * time.Second)
		if _, err := svc.ReclaimStaleLeases(ctx); err != nil {
			t.Fatalf("ReclaimStaleLeases error = %v", err)
		}
	}
	for i := 1; i <= 2; i++ {
		cmd, _ := svc.Dequeue(ctx)
		if cmd == nil || cmd.ID != id {
			t.Fatalf("claim %d = %+v", i, cmd)
		}
		if _, err := svc.MarkRetry(ctx, id, cmd.OwnerToken, command.ErrorRateLimit, "429"); err != nil {
			t.Fatalf("MarkRetry error = %v", err)
		}
		clock.Advance(2 * time.Second)
	}

	claimAndAbandon(3)
	if row, _ := svc.Get(ctx, id); row.Status != command.StatusPending {
		t.Fatalf("after third attempt status = %s, want PENDING", row.Status)
	}
	claimAndAbandon(4)
	if row, _ := svc.Get(ctx, id); row.Status != command.StatusPending {
		t.Fatalf("after fourth attempt status = %s, want PENDING", row.Status)
	}
	claimAndAbandon(5)
	if row, _ := svc.Get(ctx, id); row.Status != command.StatusDeadLetter {
		t.Fatalf("after fifth attempt status = %s, want DEAD_LETTER", row.Status)
	}
}

func TestRejectAllPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	enqueue(t, svc, "k-1")
	enqueue(t, svc, "k-2")
	untouched := enqueue(t, svc, "k-3")
	claimed, _ := svc.Dequeue(ctx)
	if err := svc.MarkDone(ctx, claimed.ID, claimed.OwnerToken, "ORD"); err != nil {
		t.Fatalf("MarkDone error = %v", err)
	}
	if _, err := svc.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue error = %v", err)
	}

	n, err := svc.RejectAllPending(ctx, "kill switch")
	if err != nil {
		t.Fatalf("RejectAllPending error = %v", err)
	}
	if n != 2 {
		t.Fatalf("rejected = %d, want 2", n)
	}
	stats, _ := svc.Stats(ctx)
	if stats[command.StatusFailed] != 2 || stats[command.StatusDone] != 1 {
		t.Fatalf("stats = %v", stats)
	}
	row, _ := svc.Get(ctx, untouched)
	if row.Status != command.StatusFailed || row.LastError != "kill switch" || row.ProcessedAt == nil {
		t.Fatalf("rejected row = %+v", row)
	}
}

func TestConcurrentDequeueClaimsEachRowOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	const rows = 50
	for i := 0; i < rows; i++ {
		enqueue(t, svc, "k-"+strconv.Itoa(i))
	}

	var (
		mu     sync.Mutex
		claims = make(map[int64]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmd, err := svc.Dequeue(ctx)
				if err != nil {
					t.Errorf("Dequeue error = %v", err)
					return
				}
				if cmd == nil {
					return
				}
				mu.Lock()
				claims[cmd.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claims) != rows {
		t.Fatalf("claimed %d rows, want %d", len(claims), rows)
	}
	for id, n := range claims {
		if n != 1 {
			t.Fatalf("row %d claimed %d times", id, n)
		}
	}
}

func TestGetUnknownCommand(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), 42); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("Get error = %v, want ErrCommandNotFound", err)
	}
}
