package events

import (
	"time"

	"github.com/google/uuid"
)

// Severity decides whether an event reaches the operator alert channel.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind names an observable engine event.
type Kind string

const (
	KindCommandDone        Kind = "command.done"
	KindCommandFailed      Kind = "command.failed"
	KindCommandDeadLetter  Kind = "command.dead_letter"
	KindCommandReclaimed   Kind = "command.reclaimed"
	KindCommandsRejected   Kind = "command.rejected_all"
	KindBreakerTripped     Kind = "breaker.tripped"
	KindPositionForceClose Kind = "position.force_close"
	KindKillSwitch         Kind = "killswitch.activated"
	KindResume             Kind = "killswitch.resumed"
	KindAgentRestarted     Kind = "agent.restarted"
	KindRegimeChanged      Kind = "regime.changed"
	KindReconciled         Kind = "positions.reconciled"
)

// Event is an audit/alert record emitted alongside durable state changes.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Kind       Kind           `json:"kind"`
	Severity   Severity       `json:"severity"`
	Source     string         `json:"source"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
	At         time.Time      `json:"at"`
}

// New stamps an event with a fresh id and the current time.
func New(kind Kind, severity Severity, source, message string, attrs map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		Severity:   severity,
		Source:     source,
		Message:    message,
		Attributes: attrs,
		At:         time.Now().UTC(),
	}
}

// IsCritical reports whether the event must reach an operator.
func (e Event) IsCritical() bool {
	return e.Severity == SeverityCritical
}
