package safety

import (
	"context"
	"sync"
	"time"

	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

const (
	cancelAllTimeout = 10 * time.Second
	runbookTimeout   = 30 * time.Second
)

// PendingRejecter fails every open queue row.
type PendingRejecter interface {
	RejectAllPending(ctx context.Context, reason string) (int64, error)
}

// Pauser stops and restarts order flow.
type Pauser interface {
	PauseAll()
	ResumeAll()
}

// CancelAllFunc cancels every live broker order.
type CancelAllFunc func(ctx context.Context) error

// KillState describes the current kill switch activation.
type KillState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	Rejected    int64     `json:"rejected,omitempty"`
	// Complete is set once every runbook step succeeded.
	Complete bool `json:"complete"`
}

// KillSwitch runs the emergency halt runbook once per activation, repeating
// it only while a previous run left steps failed.
type KillSwitch struct {
	queue     PendingRejecter
	cancelAll CancelAllFunc
	publisher interfaces.EventPublisher
	logger    *logrus.Entry

	mu      sync.Mutex
	state   KillState
	running bool
	pausers []Pauser
}

func NewKillSwitch(queue PendingRejecter, cancelAll CancelAllFunc, logger *logrus.Logger) *KillSwitch {
	return &KillSwitch{
		queue:     queue,
		cancelAll: cancelAll,
		logger:    logger.WithField("component", "kill_switch"),
	}
}

func (k *KillSwitch) SetPublisher(p interfaces.EventPublisher) {
	k.publisher = p
}

// AddPauser registers a component paused on activation.
func (k *KillSwitch) AddPauser(p Pauser) {
	k.mu.Lock()
	k.pausers = append(k.pausers, p)
	k.mu.Unlock()
}

// Active reports whether the switch is engaged.
func (k *KillSwitch) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Active
}

func (k *KillSwitch) State() KillState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Activate halts the system: pause agents, reject all pending commands, cancel
// broker orders, raise a critical alert. The runbook is detached from ctx
// cancellation. While active it runs again on each call until one run
// completes without error; it reports whether this call ran it.
func (k *KillSwitch) Activate(ctx context.Context, reason string) bool {
	k.mu.Lock()
	if k.running || (k.state.Active && k.state.Complete) {
		k.mu.Unlock()
		return false
	}
	retry := k.state.Active
	if !retry {
		k.state = KillState{Active: true, Reason: reason, ActivatedAt: time.Now().UTC()}
	}
	k.running = true
	activation := k.state.ActivatedAt
	reason = k.state.Reason
	pausers := append([]Pauser(nil), k.pausers...)
	k.mu.Unlock()

	log := k.logger.WithField("reason", reason)
	if retry {
		log.Warn("kill switch runbook incomplete, running again")
	} else {
		log.Error("kill switch activated")
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runbookTimeout)
	defer cancel()

	for _, p := range pausers {
		p.PauseAll()
	}

	complete := true
	var rejected int64
	if k.queue != nil {
		n, err := k.queue.RejectAllPending(rctx, "kill switch: "+reason)
		if err != nil {
			complete = false
			log.WithError(err).Error("reject pending commands failed")
		}
		rejected = n
	}

	if k.cancelAll != nil {
		cctx, cancelCtx := context.WithTimeout(rctx, cancelAllTimeout)
		if err := k.cancelAll(cctx); err != nil {
			complete = false
			log.WithError(err).Error("cancel all broker orders failed")
		}
		cancelCtx()
	}

	k.mu.Lock()
	k.running = false
	if k.state.Active && k.state.ActivatedAt.Equal(activation) {
		k.state.Rejected += rejected
		k.state.Complete = complete
	}
	k.mu.Unlock()

	if !retry {
		k.emit(rctx, events.KindKillSwitch, events.SeverityCritical, "kill switch activated: "+reason, map[string]any{
			"rejected": rejected,
			"complete": complete,
		})
	}
	return true
}

// Resume clears the switch and un-pauses agents. Rejected work is not retried.
func (k *KillSwitch) Resume(ctx context.Context) bool {
	k.mu.Lock()
	if !k.state.Active {
		k.mu.Unlock()
		return false
	}
	prev := k.state
	k.state = KillState{}
	pausers := append([]Pauser(nil), k.pausers...)
	k.mu.Unlock()

	for _, p := range pausers {
		p.ResumeAll()
	}
	k.logger.WithField("previous_reason", prev.Reason).Warn("kill switch cleared")
	k.emit(ctx, events.KindResume, events.SeverityWarning, "trading resumed", map[string]any{
		"previous_reason": prev.Reason,
	})
	return true
}

func (k *KillSwitch) emit(ctx context.Context, kind events.Kind, sev events.Severity, msg string, attrs map[string]any) {
	if k.publisher == nil {
		return
	}
	if err := k.publisher.Publish(ctx, events.New(kind, sev, eventSource, msg, attrs)); err != nil {
		k.logger.WithError(err).Warn("publish kill switch event failed")
	}
}
