package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/interfaces"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultLease       = 30 * time.Second
	defaultMaxAttempts = 3
	eventSource        = "command_queue"
)

var (
	// ErrLeaseLost means the presented owner token no longer owns the row.
	ErrLeaseLost = errors.New("lease lost: owner token does not match")
	// ErrCommandNotFound means no row exists with the given id.
	ErrCommandNotFound = errors.New("command not found")
	ErrEmptyKey        = errors.New("idempotency key is required")
	ErrEmptyType       = errors.New("event type is required")
)

// Config controls leasing and retry behaviour.
type Config struct {
	Lease       time.Duration
	MaxAttempts int
	Policies    map[command.ErrorClass]Policy
}

// EnqueueRequest describes one unit of work.
type EnqueueRequest struct {
	EventID        uuid.UUID
	CorrelationID  string
	IdempotencyKey string
	EventType      string
	EventVersion   int
	Source         string
	Payload        json.RawMessage
}

// ReclaimReport summarises one ReclaimStaleLeases pass.
type ReclaimReport struct {
	Requeued     int
	DeadLettered int
}

// Service is the durable, lease-based command queue.
type Service struct {
	store       interfaces.CommandStore
	lease       time.Duration
	maxAttempts int
	policies    map[command.ErrorClass]Policy
	publisher   interfaces.EventPublisher
	logger      *logrus.Entry
	now         func() time.Time
}

func NewService(store interfaces.CommandStore, cfg Config, logger *logrus.Logger) *Service {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	return &Service{
		store:       store,
		lease:       cfg.Lease,
		maxAttempts: cfg.MaxAttempts,
		policies:    cfg.Policies,
		logger:      logger.WithField("component", "command_queue"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches the event sink for terminal transitions.
func (s *Service) SetPublisher(p interfaces.EventPublisher) {
	s.publisher = p
}

// SetClock replaces the wall clock used for retry and lease timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue stores a new PENDING command. If the idempotency key already exists
// the call is a no-op and created is false.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (id int64, created bool, err error) {
	if req.IdempotencyKey == "" {
		return 0, false, ErrEmptyKey
	}
	if req.EventType == "" {
		return 0, false, ErrEmptyType
	}
	if req.EventID == uuid.Nil {
		req.EventID = uuid.New()
	}
	if req.EventVersion == 0 {
		req.EventVersion = 1
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	now := s.now()
	cmd := &command.Command{
		EventID:        req.EventID,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EventType:      req.EventType,
		EventVersion:   req.EventVersion,
		Source:         req.Source,
		Payload:        req.Payload,
		Status:         command.StatusPending,
		MaxAttempts:    s.maxAttempts,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err = s.store.Insert(ctx, cmd)
	if errors.Is(err, interfaces.ErrDuplicateKey) {
		s.logger.WithField("idempotency_key", req.IdempotencyKey).Debug("duplicate enqueue ignored")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("enqueue %s: %w", req.IdempotencyKey, err)
	}
	s.logger.WithFields(logrus.Fields{
		"id":              id,
		"event_type":      req.EventType,
		"idempotency_key": req.IdempotencyKey,
	}).Debug("command enqueued")
	return id, true, nil
}

// Dequeue claims the oldest eligible PENDING command under a fresh owner
// token. It returns nil without blocking when nothing is eligible.
func (s *Service) Dequeue(ctx context.Context) (*command.Command, error) {
	token := uuid.NewString()
	cmd, err := s.store.Claim(ctx, token, s.now(), s.lease)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return cmd, nil
}

// MarkDone records a successful execution.
func (s *Service) MarkDone(ctx context.Context, id int64, token, brokerRef string) error {
	now := s.now()
	ok, err := s.store.Transition(ctx, id, token, command.Transition{
		Status:        command.StatusDone,
		BrokerOrderID: &brokerRef,
		At:            now,
	})
	if err != nil {
		return fmt.Errorf("mark done %d: %w", id, err)
	}
	if !ok {
		return s.leaseLost(id, "done")
	}
	s.emit(ctx, events.KindCommandDone, events.SeverityInfo, "command done", id, map[string]any{"broker_order_id": brokerRef})
	return nil
}

// MarkFailed moves the command to the terminal, non-retryable FAILED state.
func (s *Service) MarkFailed(ctx context.Context, id int64, token, reason string) error {
	return s.markFailed(ctx, id, token, nil, reason)
}

// MarkFailedClass is MarkFailed with the error class recorded on the row.
func (s *Service) MarkFailedClass(ctx context.Context, id int64, token string, class command.ErrorClass, reason string) error {
	return s.markFailed(ctx, id, token, &class, reason)
}

func (s *Service) markFailed(ctx context.Context, id int64, token string, class *command.ErrorClass, reason string) error {
	ok, err := s.store.Transition(ctx, id, token, command.Transition{
		Status:     command.StatusFailed,
		LastError:  &reason,
		ErrorClass: class,
		At:         s.now(),
	})
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	if !ok {
		return s.leaseLost(id, "failed")
	}
	attrs := map[string]any(nil)
	if class != nil {
		attrs = map[string]any{"error_class": string(*class)}
	}
	s.emit(ctx, events.KindCommandFailed, events.SeverityWarning, reason, id, attrs)
	return nil
}

// MarkRetry applies the retry policy of class. The command returns to PENDING
// with a backoff, or is dead-lettered once its budget is spent or the class is
// not retryable. The resulting status is returned.
func (s *Service) MarkRetry(ctx context.Context, id int64, token string, class command.ErrorClass, reason string) (command.Status, error) {
	cmd, err := s.owned(ctx, id, token)
	if err != nil {
		return "", err
	}
	policy, ok := s.policies[class]
	if !ok {
		policy = s.policies[command.ErrorUnknown]
	}
	attempts := cmd.EffectiveAttempts()
	now := s.now()

	t := command.Transition{LastError: &reason, ErrorClass: &class, At: now}
	if !policy.Retryable || attempts >= policy.MaxAttempts || policy.Backoff == nil {
		t.Status = command.StatusDeadLetter
	} else {
		next := now.Add(policy.Backoff(attempts))
		t.Status = command.StatusPending
		t.NextRetryAt = &next
	}

	ok, err = s.store.Transition(ctx, id, token, t)
	if err != nil {
		return "", fmt.Errorf("mark retry %d: %w", id, err)
	}
	if !ok {
		return "", s.leaseLost(id, "retry")
	}

	log := s.logger.WithFields(logrus.Fields{"id": id, "class": class, "attempts": attempts})
	if t.Status == command.StatusDeadLetter {
		log.WithField("reason", reason).Error("command dead-lettered")
		s.emit(ctx, events.KindCommandDeadLetter, events.SeverityCritical, reason, id, map[string]any{
			"error_class": string(class),
			"attempts":    attempts,
		})
	} else {
		log.WithField("next_retry_at", t.NextRetryAt).Info("command scheduled for retry")
	}
	return t.Status, nil
}

// MarkDeferred returns the command to PENDING after delay without consuming a
// retry attempt. Used for transient pre-conditions such as stale data.
func (s *Service) MarkDeferred(ctx context.Context, id int64, token, reason string, delay time.Duration) error {
	now := s.now()
	next := now.Add(delay)
	class := command.ErrorStaleData
	ok, err := s.store.Transition(ctx, id, token, command.Transition{
		Status:        command.StatusPending,
		LastError:     &reason,
		ErrorClass:    &class,
		NextRetryAt:   &next,
		CountDeferral: true,
		At:            now,
	})
	if err != nil {
		return fmt.Errorf("mark deferred %d: %w", id, err)
	}
	if !ok {
		return s.leaseLost(id, "deferred")
	}
	s.logger.WithFields(logrus.Fields{"id": id, "delay": delay, "reason": reason}).Debug("command deferred")
	return nil
}

// ReclaimStaleLeases returns expired PROCESSING rows to PENDING, or moves them
// to DEAD_LETTER when their attempts are exhausted. It is the only operation
// allowed to clear another holder's lease.
func (s *Service) ReclaimStaleLeases(ctx context.Context) (ReclaimReport, error) {
	now := s.now()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return ReclaimReport{}, fmt.Errorf("list expired leases: %w", err)
	}
	var report ReclaimReport
	for _, cmd := range expired {
		status := command.StatusPending
		if cmd.EffectiveAttempts() >= s.attemptLimit(cmd) {
			status = command.StatusDeadLetter
		}
		reason := fmt.Sprintf("lease expired after attempt %d", cmd.AttemptCount)
		ok, err := s.store.Release(ctx, cmd.ID, cmd.OwnerToken, status, reason, now)
		if err != nil {
			return report, fmt.Errorf("release %d: %w", cmd.ID, err)
		}
		if !ok {
			// The holder finished between list and release.
			continue
		}
		if status == command.StatusDeadLetter {
			report.DeadLettered++
			s.emit(ctx, events.KindCommandDeadLetter, events.SeverityCritical, reason, cmd.ID, nil)
			continue
		}
		report.Requeued++
		s.emit(ctx, events.KindCommandReclaimed, events.SeverityWarning, reason, cmd.ID, nil)
	}
	if report.Requeued+report.DeadLettered > 0 {
		s.logger.WithFields(logrus.Fields{
			"requeued":      report.Requeued,
			"dead_lettered": report.DeadLettered,
		}).Warn("reclaimed stale leases")
	}
	return report, nil
}

// attemptLimit is the attempt budget of a reclaimed command: the retry policy
// of its last error class, else the row's own limit.
func (s *Service) attemptLimit(cmd command.Command) int {
	if p, ok := s.policies[cmd.ErrorClass]; ok && p.Retryable && p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return cmd.MaxAttempts
}

// RejectAllPending fails every PENDING and PROCESSING row in one statement.
func (s *Service) RejectAllPending(ctx context.Context, reason string) (int64, error) {
	n, err := s.store.RejectAll(ctx, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("reject all pending: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"count": n, "reason": reason}).Warn("rejected all open commands")
	s.emit(ctx, events.KindCommandsRejected, events.SeverityWarning, reason, 0, map[string]any{"count": n})
	return n, nil
}

// Get loads a command by id.
func (s *Service) Get(ctx context.Context, id int64) (*command.Command, error) {
	cmd, err := s.store.Get(ctx, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrCommandNotFound
	}
	return cmd, err
}

// Stats reports the row count per status.
func (s *Service) Stats(ctx context.Context) (map[command.Status]int64, error) {
	return s.store.CountByStatus(ctx)
}

// DeadLetters lists dead-lettered commands awaiting manual intervention.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]command.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, command.StatusDeadLetter, limit)
}

func (s *Service) owned(ctx context.Context, id int64, token string) (*command.Command, error) {
	cmd, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd.Status != command.StatusProcessing || cmd.OwnerToken != token {
		return nil, s.leaseLost(id, "retry")
	}
	return cmd, nil
}

func (s *Service) leaseLost(id int64, op string) error {
	s.logger.WithFields(logrus.Fields{"id": id, "op": op}).Warn("rejected mutation from stale owner")
	return fmt.Errorf("command %d: %w", id, ErrLeaseLost)
}

func (s *Service) emit(ctx context.Context, kind events.Kind, sev events.Severity, msg string, id int64, attrs map[string]any) {
	if s.publisher == nil {
		return
	}
	if attrs == nil {
		attrs = make(map[string]any)
	}
	if id != 0 {
		attrs["command_id"] = id
	}
	if err := s.publisher.Publish(ctx, events.New(kind, sev, eventSource, msg, attrs)); err != nil {
		s.logger.WithError(err).WithField("kind", kind).Warn("publish queue event failed")
	}
}
