package safety

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"optcore/internal/application/service/positions"
	"optcore/internal/application/service/queue"
	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/safety"
	"optcore/internal/domain/interfaces"
	"optcore/internal/pkg/monoclock"

	"github.com/sirupsen/logrus"
)

const (
	defaultSupervisorInterval = 5 * time.Second
	defaultHeartbeatMultiple  = 2
	defaultMaxRestarts        = 3
	defaultRestartBackoff     = time.Second
)

// SupervisorConfig controls the watchdog loop.
type SupervisorConfig struct {
	Interval          time.Duration
	HeartbeatMultiple int
	MaxRestarts       int
	RestartBackoff    time.Duration
	// HealthyReset clears an agent's restart count after it has run this
	// long without a crash. Zero means ten supervisor intervals.
	HealthyReset time.Duration
}

// LeaseReclaimer returns expired queue leases to the pool.
type LeaseReclaimer interface {
	ReclaimStaleLeases(ctx context.Context) (queue.ReclaimReport, error)
}

// ForceCloser flattens one position by key.
type ForceCloser func(ctx context.Context, key string) error

// Deps are the collaborators the Supervisor drives.
type Deps struct {
	Clock      monoclock.Clock
	Breakers   *Breakers
	KillSwitch *KillSwitch
	Book       positions.Reader
	Queue      LeaseReclaimer
	ForceClose ForceCloser
}

// AgentStatus is a point-in-time view of one supervised agent.
type AgentStatus struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	Failed    bool          `json:"failed"`
	Restarts  int           `json:"restarts"`
	SinceBeat time.Duration `json:"since_beat"`
	LastError string        `json:"last_error,omitempty"`
}

// agentRun is one launch of an agent. err is written before done is closed.
type agentRun struct {
	hb     *Heartbeat
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type agentState struct {
	agent       Agent
	run         *agentRun
	startedAt   time.Duration
	restarts    int
	downSince   time.Duration
	nextRestart time.Duration
	failed      bool
}

// Supervisor runs agents, restarts crashed or silent ones, reclaims stale
// queue leases and re-checks the breakers on a fixed interval.
type Supervisor struct {
	cfg       SupervisorConfig
	deps      Deps
	logger    *logrus.Entry
	publisher interfaces.EventPublisher
	paused    atomic.Bool

	mu     sync.Mutex
	runCtx context.Context
	agents []*agentState
	status safety.Status
	wg     sync.WaitGroup
}

var _ Pauser = (*Supervisor)(nil)

func NewSupervisor(cfg SupervisorConfig, deps Deps, logger *logrus.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSupervisorInterval
	}
	if cfg.HeartbeatMultiple <= 0 {
		cfg.HeartbeatMultiple = defaultHeartbeatMultiple
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = defaultRestartBackoff
	}
	if cfg.HealthyReset <= 0 {
		cfg.HealthyReset = 10 * cfg.Interval
	}
	if deps.Clock == nil {
		deps.Clock = monoclock.System()
	}
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithField("component", "supervisor"),
		status: safety.Status{AllClear: true},
	}
}

func (s *Supervisor) SetPublisher(p interfaces.EventPublisher) {
	s.publisher = p
}

// Register adds an agent. Agents registered after Start are launched at once.
func (s *Supervisor) Register(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &agentState{agent: a}
	s.agents = append(s.agents, st)
	if s.runCtx != nil {
		s.launchLocked(st)
	}
}

// Start launches every registered agent under ctx.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	for _, st := range s.agents {
		s.launchLocked(st)
	}
}

// Run ticks until ctx is cancelled, then waits for all agents to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Wait blocks until every launched agent goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Tick performs one supervision cycle.
func (s *Supervisor) Tick(ctx context.Context) {
	s.checkAgents(ctx)

	if s.deps.Queue != nil {
		if _, err := s.deps.Queue.ReclaimStaleLeases(ctx); err != nil {
			s.logger.WithError(err).Error("reclaim stale leases failed")
		}
	}

	if s.deps.Breakers == nil || s.deps.Book == nil {
		return
	}
	in := InputsFrom(s.deps.Book.ReadSnapshot(), s.deps.Book.HasUnhedgedShort())
	st := s.deps.Breakers.CheckAll(ctx, in)
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()

	if st.KillRequired() && s.deps.KillSwitch != nil {
		s.deps.KillSwitch.Activate(ctx, st.Reason())
	}
	for _, key := range st.ForceClose() {
		s.forceClose(ctx, key)
	}
}

// LastStatus returns the breaker status from the latest tick.
func (s *Supervisor) LastStatus() safety.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Agents reports per-agent health.
func (s *Supervisor) Agents() []AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.deps.Clock.Now()
	out := make([]AgentStatus, 0, len(s.agents))
	for _, st := range s.agents {
		as := AgentStatus{
			Name:     st.agent.Name(),
			Failed:   st.failed,
			Restarts: st.restarts,
		}
		if run := st.run; run != nil {
			as.SinceBeat = now - run.hb.Last()
			select {
			case <-run.done:
				if run.err != nil {
					as.LastError = run.err.Error()
				}
			default:
				as.Running = true
			}
		}
		out = append(out, as)
	}
	return out
}

func (s *Supervisor) PauseAll() {
	s.paused.Store(true)
	s.logger.Warn("agents paused")
}

func (s *Supervisor) ResumeAll() {
	s.paused.Store(false)
	s.logger.Info("agents resumed")
}

// Paused reports whether agents are currently paused.
func (s *Supervisor) Paused() bool {
	return s.paused.Load()
}

func (s *Supervisor) checkAgents(ctx context.Context) {
	now := s.deps.Clock.Now()
	var exhausted []string

	s.mu.Lock()
	if s.runCtx == nil || s.runCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	for _, st := range s.agents {
		if st.failed || st.run == nil {
			continue
		}
		reason := s.diagnoseLocked(st, now)
		if reason == "" {
			if st.restarts > 0 && now-st.startedAt > s.cfg.HealthyReset {
				st.restarts = 0
			}
			continue
		}

		log := s.logger.WithFields(logrus.Fields{"agent": st.agent.Name(), "restarts": st.restarts})
		if st.restarts >= s.cfg.MaxRestarts {
			st.failed = true
			st.run.cancel()
			log.WithField("reason", reason).Error("agent exhausted restarts")
			exhausted = append(exhausted, fmt.Sprintf("%s: %s", st.agent.Name(), reason))
			continue
		}
		if st.downSince == 0 {
			st.downSince = now
			st.nextRestart = now + s.cfg.RestartBackoff*time.Duration(1<<st.restarts)
			log.WithField("reason", reason).Warn("agent down, restart scheduled")
		}
		if now < st.nextRestart {
			continue
		}
		st.run.cancel()
		st.restarts++
		s.launchLocked(st)
		log.WithField("reason", reason).Warn("agent restarted")
		s.emit(ctx, events.KindAgentRestarted, events.SeverityWarning, reason, map[string]any{
			"agent":    st.agent.Name(),
			"restarts": st.restarts,
		})
	}
	s.mu.Unlock()

	for _, reason := range exhausted {
		if s.deps.KillSwitch != nil {
			s.deps.KillSwitch.Activate(ctx, "agent restarts exhausted: "+reason)
		}
	}
}

// diagnoseLocked returns why an agent needs a restart, or "" when healthy.
func (s *Supervisor) diagnoseLocked(st *agentState, now time.Duration) string {
	run := st.run
	select {
	case <-run.done:
		if run.err != nil {
			return "crashed: " + run.err.Error()
		}
		return "exited"
	default:
	}
	timeout := time.Duration(s.cfg.HeartbeatMultiple) * st.agent.Interval()
	if since := now - run.hb.Last(); since > timeout {
		return fmt.Sprintf("no heartbeat for %s", since)
	}
	return ""
}

func (s *Supervisor) launchLocked(st *agentState) {
	ctx, cancel := context.WithCancel(s.runCtx)
	run := &agentRun{
		hb:     newHeartbeat(s.deps.Clock, &s.paused),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	st.run = run
	st.startedAt = s.deps.Clock.Now()
	st.downSince = 0
	st.nextRestart = 0

	agent := st.agent
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer func() {
			if r := recover(); r != nil {
				run.err = fmt.Errorf("panic: %v", r)
			}
		}()
		run.err = agent.Run(ctx, run.hb)
	}()
}

func (s *Supervisor) forceClose(ctx context.Context, key string) {
	log := s.logger.WithField("key", key)
	if s.deps.ForceClose == nil {
		log.Error("unhedged position needs force-close but no closer is configured")
		return
	}
	if err := s.deps.ForceClose(ctx, key); err != nil {
		log.WithError(err).Error("force-close failed")
		return
	}
	log.Warn("unhedged position force-closed")
	s.emit(ctx, events.KindPositionForceClose, events.SeverityWarning, "unhedged short force-closed", map[string]any{"key": key})
}

func (s *Supervisor) emit(ctx context.Context, kind events.Kind, sev events.Severity, msg string, attrs map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.New(kind, sev, "supervisor", msg, attrs)); err != nil {
		s.logger.WithError(err).Warn("publish supervisor event failed")
	}
}
