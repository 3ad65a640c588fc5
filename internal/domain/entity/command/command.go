package command

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued command.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// ErrorClass is the error taxonomy used to pick a retry policy.
type ErrorClass string

const (
	ErrorNetworkTimeout ErrorClass = "network_timeout"
	ErrorRateLimit      ErrorClass = "rate_limit"
	ErrorBrokerReject   ErrorClass = "broker_reject"
	ErrorValidation     ErrorClass = "validation"
	ErrorUnknown        ErrorClass = "unknown"
	ErrorStaleData      ErrorClass = "stale_data"
	ErrorSafetyTripped  ErrorClass = "safety_tripped"
)

func (c ErrorClass) String() string {
	return string(c)
}

// Command corresponds to one row of the command_queue table.
type Command struct {
	ID             int64           `json:"id"`
	EventID        uuid.UUID       `json:"event_id"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	EventVersion   int             `json:"event_version"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	DeferCount     int             `json:"defer_count"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorClass     ErrorClass      `json:"error_class,omitempty"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	OwnerToken     string          `json:"owner_token,omitempty"`
	LeaseExpires   *time.Time      `json:"lease_expires,omitempty"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// EffectiveAttempts is the number of claims that counted against the retry
// budget. Deferrals are claims that did not.
func (c Command) EffectiveAttempts() int {
	n := c.AttemptCount - c.DeferCount
	if n < 0 {
		return 0
	}
	return n
}

// Clone returns a copy that shares no mutable state with c.
func (c Command) Clone() Command {
	out := c
	if c.Payload != nil {
		out.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	if c.LeaseExpires != nil {
		t := *c.LeaseExpires
		out.LeaseExpires = &t
	}
	if c.ProcessedAt != nil {
		t := *c.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}

// Transition describes a token-guarded mutation of a PROCESSING row. Nil
// fields are left untouched.
type Transition struct {
	Status        Status
	LastError     *string
	ErrorClass    *ErrorClass
	NextRetryAt   *time.Time
	BrokerOrderID *string
	CountDeferral bool
	At            time.Time
}
