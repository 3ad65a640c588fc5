// Package pipeline turns buffered producer signals into queued orders:
// routing, freshness and safety gates, sizing, journaling and enqueue.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"optcore/internal/application/service/freshness"
	"optcore/internal/application/service/positions"
	"optcore/internal/application/service/queue"
	regimesvc "optcore/internal/application/service/regime"
	"optcore/internal/application/service/router"
	"optcore/internal/application/service/safety"
	"optcore/internal/application/service/sizing"
	"optcore/internal/domain/entity/order"
	"optcore/internal/domain/entity/position"
	safetystate "optcore/internal/domain/entity/safety"
	"optcore/internal/domain/entity/signal"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultInterval  = time.Second
	defaultInboxSize = 256
	eventSource      = "pipeline"
)

// Enqueuer is the command queue entry point.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (int64, bool, error)
}

// Gate is the freshness check.
type Gate interface {
	CheckOrderGates(underlying, optionSymbol string, needsDepth, isCreditSpread bool) freshness.Report
}

// Guard is the pre-order breaker check.
type Guard interface {
	CheckPreOrder(ctx context.Context, in safety.Inputs) safetystate.Status
}

// Journal stores the decision trail of each cycle.
type Journal interface {
	RecordRoute(ctx context.Context, cycleID string, decisions []router.Decision)
	RecordSizing(ctx context.Context, cycleID string, res sizing.Result)
}

// Journals records to every journal in order.
type Journals []Journal

func (j Journals) RecordRoute(ctx context.Context, cycleID string, decisions []router.Decision) {
	for _, jj := range j {
		jj.RecordRoute(ctx, cycleID, decisions)
	}
}

func (j Journals) RecordSizing(ctx context.Context, cycleID string, res sizing.Result) {
	for _, jj := range j {
		jj.RecordSizing(ctx, cycleID, res)
	}
}

// SectorResolver fills in the sector of signals that arrive without one.
type SectorResolver interface {
	Sector(ctx context.Context, symbol string) string
}

// Config controls the cycle cadence and the capital the ratios use.
type Config struct {
	Interval  time.Duration
	Capital   float64
	InboxSize int
}

// Deps are the collaborators of one pipeline.
type Deps struct {
	Router  *router.Router
	Chain   *sizing.Chain
	Regime  regimesvc.Reader
	Book    positions.Reader
	Gate    Gate
	Guard   Guard
	Queue   Enqueuer
	Lots    sizing.LotResolver
	Stats   *Stats
	Journal Journal
	Sectors SectorResolver
}

// CycleReport counts the outcomes of one cycle.
type CycleReport struct {
	CycleID    string `json:"cycle_id"`
	Signals    int    `json:"signals"`
	Routed     int    `json:"routed"`
	Stale      int    `json:"stale"`
	Blocked    int    `json:"blocked"`
	Rejected   int    `json:"rejected"`
	Enqueued   int    `json:"enqueued"`
	Duplicates int    `json:"duplicates"`
}

// Service is the decision pipeline agent.
type Service struct {
	cfg    Config
	deps   Deps
	logger *logrus.Entry
	now    func() time.Time

	mu      sync.Mutex
	inbox   []signal.Signal
	dropped int
	last    CycleReport
}

var _ safety.Agent = (*Service)(nil)

func NewService(cfg Config, deps Deps, logger *logrus.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if deps.Stats == nil {
		deps.Stats = NewStats(defaultStatsWindow)
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithField("component", eventSource),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit buffers a signal for the next cycle. Invalid signals and signals
// arriving at a full inbox are dropped.
func (s *Service) Submit(sig signal.Signal) bool {
	if err := sig.Validate(); err != nil {
		s.logger.WithError(err).WithField("signal_id", sig.ID).Warn("invalid signal dropped")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) >= s.cfg.InboxSize {
		s.dropped++
		s.logger.WithField("signal_id", sig.ID).Warn("signal inbox full, dropping")
		return false
	}
	s.inbox = append(s.inbox, sig)
	return true
}

// Pending returns the number of buffered signals.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// Dropped returns how many signals the full inbox refused.
func (s *Service) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// LastReport returns the report of the latest cycle that saw signals.
func (s *Service) LastReport() CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) Name() string            { return eventSource }
func (s *Service) Interval() time.Duration { return s.cfg.Interval }

func (s *Service) Run(ctx context.Context, hb *safety.Heartbeat) error {
	return safety.Loop(ctx, hb, s.cfg.Interval, func(ctx context.Context) error {
		if _, err := s.Cycle(ctx); err != nil {
			s.logger.WithError(err).Error("pipeline cycle failed")
		}
		return nil
	})
}

func (s *Service) drain() []signal.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

// Cycle runs one pass over the buffered signals.
func (s *Service) Cycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{CycleID: uuid.NewString()}
	signals := s.drain()
	rep.Signals = len(signals)
	if len(signals) == 0 {
		return rep, nil
	}
	defer func() {
		s.mu.Lock()
		s.last = rep
		s.mu.Unlock()
	}()
	if s.deps.Sectors != nil {
		for i := range signals {
			if signals[i].Sector == "" {
				signals[i].Sector = s.deps.Sectors.Sector(ctx, signals[i].Instrument)
			}
		}
	}

	snap := s.deps.Book.ReadSnapshot()
	reg := s.deps.Regime.Current()
	outcome := s.deps.Router.Route(signals, reg, snap)
	rep.Routed = len(outcome.Accepted)
	if s.deps.Journal != nil {
		s.deps.Journal.RecordRoute(ctx, rep.CycleID, outcome.Decisions)
	}

	exp := snap.Exposure()
	underlyings := heldUnderlyings(snap.Positions)
	opened := 0
	var firstErr error

	for _, routed := range outcome.Accepted {
		sig := routed.Signal
		log := s.logger.WithFields(logrus.Fields{"cycle_id": rep.CycleID, "signal_id": sig.ID, "instrument": sig.Instrument})
		probe := order.FromSignal(sig, 1, 1, s.now())

		if fr := s.deps.Gate.CheckOrderGates(sig.Instrument, probe.PrimarySymbol(), probe.NeedsDepth, probe.CreditSpread); !fr.Pass {
			rep.Stale++
			log.WithField("gates", fr.Reason()).Info("signal skipped on stale inputs")
			continue
		}
		if st := s.deps.Guard.CheckPreOrder(ctx, safety.InputsFrom(snap, nil)); !st.AllClear {
			rep.Blocked++
			log.WithField("breakers", st.Reason()).Warn("signal blocked by circuit breaker")
			continue
		}

		lot, err := s.deps.Lots.LotSize(ctx, sig.Instrument)
		if err != nil {
			rep.Rejected++
			log.WithError(err).Warn("lot size unavailable")
			continue
		}
		vol, _ := s.deps.Stats.Volatility(sig.Instrument)
		in := sizing.Input{
			Signal:          sig,
			LotSize:         lot,
			InstrumentVol:   vol,
			VIX:             reg.VIX,
			Correlation:     s.deps.Stats.MaxCorrelation(sig.Instrument, underlyings),
			SectorMarginPct: s.ratio(exp.SectorMargin[sig.Sector]),
			OpenPositions:   exp.OpenPositions + opened,
			FreeMarginPct:   1 - s.ratio(exp.TotalMargin),
		}
		res := s.deps.Chain.Evaluate(in, reg)
		if s.deps.Journal != nil {
			s.deps.Journal.RecordSizing(ctx, rep.CycleID, res)
		}
		if !res.Approved {
			rep.Rejected++
			continue
		}

		payload := order.FromSignal(sig, res.Lots, lot, s.now())
		raw, err := json.Marshal(payload)
		if err != nil {
			return rep, fmt.Errorf("encode order %s: %w", sig.ID, err)
		}
		id, created, err := s.deps.Queue.Enqueue(ctx, queue.EnqueueRequest{
			EventID:        uuid.New(),
			CorrelationID:  rep.CycleID,
			IdempotencyKey: order.IdempotencyKey(sig),
			EventType:      order.EventTypePlace,
			Source:         eventSource,
			Payload:        raw,
		})
		if err != nil {
			log.WithError(err).Error("enqueue failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !created {
			rep.Duplicates++
			continue
		}
		rep.Enqueued++
		opened++
		underlyings = append(underlyings, sig.Instrument)
		log.WithFields(logrus.Fields{"command_id": id, "lots": res.Lots}).Info("order enqueued")
	}

	s.logger.WithFields(logrus.Fields{
		"cycle_id": rep.CycleID,
		"signals":  rep.Signals,
		"routed":   rep.Routed,
		"enqueued": rep.Enqueued,
	}).Debug("pipeline cycle complete")
	return rep, firstErr
}

func (s *Service) ratio(v float64) float64 {
	if s.cfg.Capital <= 0 {
		return 0
	}
	return v / s.cfg.Capital
}

func heldUnderlyings(held map[string]position.Position) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range held {
		u := p.Underlying
		if u == "" {
			u = p.Instrument
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
