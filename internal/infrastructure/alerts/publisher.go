package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []interfaces.EventPublisher

func (f Fanout) Publish(ctx context.Context, event events.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertingPublisher forwards critical events to an Alerter.
type AlertingPublisher struct {
	alerter interfaces.Alerter
}

func NewAlertingPublisher(alerter interfaces.Alerter) *AlertingPublisher {
	return &AlertingPublisher{alerter: alerter}
}

func (a *AlertingPublisher) Publish(ctx context.Context, event events.Event) error {
	if !event.IsCritical() || a.alerter == nil {
		return nil
	}
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Severity)), event.Kind)
	return a.alerter.Alert(ctx, title, describe(event))
}

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	logger *logrus.Entry
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.WithField("component", "events")}
}

func (l *LogPublisher) Publish(_ context.Context, event events.Event) error {
	entry := l.logger.WithFields(logrus.Fields{
		"event_id": event.ID.String(),
		"kind":     string(event.Kind),
		"source":   event.Source,
	})
	for k, v := range event.Attributes {
		entry = entry.WithField("attr_"+k, v)
	}
	switch event.Severity {
	case events.SeverityCritical:
		entry.Error(event.Message)
	case events.SeverityWarning:
		entry.Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
	return nil
}

func describe(event events.Event) string {
	var b strings.Builder
	b.WriteString(event.Message)
	if event.Source != "" {
		fmt.Fprintf(&b, "\nsource: %s", event.Source)
	}
	keys := make([]string, 0, len(event.Attributes))
	for k := range event.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, event.Attributes[k])
	}
	return b.String()
}
