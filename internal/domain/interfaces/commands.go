package interfaces

import (
	"context"
	"time"

	"optcore/internal/domain/entity/command"
)

// CommandStore persists command queue rows. Every mutation of a claimed row is
// a conditional update keyed on the owner token; implementations must not rely
// on in-process locks spanning calls.
type CommandStore interface {
	// Insert stores a new PENDING row and returns its id. A duplicate
	// idempotency key yields ErrDuplicateKey from the store's unique constraint.
	Insert(ctx context.Context, cmd *command.Command) (int64, error)
	// Claim moves the oldest eligible PENDING row to PROCESSING under token and
	// returns it, or nil when nothing is eligible at now.
	Claim(ctx context.Context, token string, now time.Time, lease time.Duration) (*command.Command, error)
	// Get loads a row by id.
	Get(ctx context.Context, id int64) (*command.Command, error)
	// Transition applies t only if the row is PROCESSING and owned by token.
	// It reports whether the row was updated.
	Transition(ctx context.Context, id int64, token string, t command.Transition) (bool, error)
	// ListExpired returns PROCESSING rows whose lease expired before now.
	ListExpired(ctx context.Context, now time.Time) ([]command.Command, error)
	// Release returns an expired lease to status, guarded by the stale token.
	Release(ctx context.Context, id int64, staleToken string, status command.Status, reason string, now time.Time) (bool, error)
	// RejectAll fails every PENDING and PROCESSING row and returns the count.
	RejectAll(ctx context.Context, reason string, now time.Time) (int64, error)
	// CountByStatus reports the row count per status.
	CountByStatus(ctx context.Context) (map[command.Status]int64, error)
	// ListByStatus returns up to limit rows in status, oldest first.
	ListByStatus(ctx context.Context, status command.Status, limit int) ([]command.Command, error)
	Close()
}
