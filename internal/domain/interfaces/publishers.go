package interfaces

import (
	"context"

	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/regime"
)

// EventPublisher delivers observable events (audit and alerting).
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// RegimePublisher announces a new regime snapshot. It is only called when the
// snapshot version changed.
type RegimePublisher interface {
	PublishRegime(ctx context.Context, snap regime.Snapshot) error
}

// Alerter pushes critical notifications to an operator channel.
type Alerter interface {
	Alert(ctx context.Context, title, message string) error
}
