package regime

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"optcore/internal/application/service/safety"
	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/regime"
	"optcore/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

const (
	defaultTick         = time.Second
	defaultHistory      = 200
	defaultVIXTolerance = 0.01
)

// Config controls classification cadence and the VIX overlay.
type Config struct {
	Tick       time.Duration
	Underlying string
	History    int

	LowVIX      float64
	ElevatedVIX float64
	HighVIX     float64
	// LowVIXScoreCap bounds |score| while the index is below LowVIX. There is
	// no matching clamp at high VIX; HALT_SHORT_VEGA covers that side.
	LowVIXScoreCap float64
	VIXTolerance   float64

	Indicators IndicatorConfig
}

// Reader is the read-only regime view used by sizing and routing.
type Reader interface {
	Current() regime.Snapshot
}

// Machine classifies market phase and holds the latest snapshot behind an
// atomic pointer. Only Tick publishes a new snapshot.
type Machine struct {
	cfg        Config
	logger     *logrus.Entry
	publishers []interfaces.RegimePublisher
	events     interfaces.EventPublisher
	now        func() time.Time

	mu      sync.Mutex
	candles []marketdata.Candle
	vix     float64

	tickMu  sync.Mutex
	current atomic.Pointer[regime.Snapshot]
}

var (
	_ Reader       = (*Machine)(nil)
	_ safety.Agent = (*Machine)(nil)
)

func NewMachine(cfg Config, logger *logrus.Logger) *Machine {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.VIXTolerance <= 0 {
		cfg.VIXTolerance = defaultVIXTolerance
	}
	if cfg.Indicators == (IndicatorConfig{}) {
		cfg.Indicators = DefaultIndicatorConfig()
	}
	m := &Machine{
		cfg:    cfg,
		logger: logger.WithField("component", "regime"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	m.current.Store(&regime.Snapshot{
		Phase:   regime.PhaseCongestion,
		Flags:   []regime.VolFlag{},
		Signals: regime.Indicators{Cloud: regime.CloudInside, Momentum: regime.MomentumNeutral},
	})
	return m
}

// AddPublisher registers a sink notified on every version change.
func (m *Machine) AddPublisher(p interfaces.RegimePublisher) {
	m.publishers = append(m.publishers, p)
}

func (m *Machine) SetEventPublisher(p interfaces.EventPublisher) {
	m.events = p
}

// OnCandle appends a closed bar for the tracked underlying.
func (m *Machine) OnCandle(c marketdata.Candle) {
	if m.cfg.Underlying != "" && c.Symbol != m.cfg.Underlying {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles = append(m.candles, c)
	if over := len(m.candles) - m.cfg.History; over > 0 {
		m.candles = append(m.candles[:0], m.candles[over:]...)
	}
}

// OnVIX records the latest volatility index reading.
func (m *Machine) OnVIX(v float64) {
	m.mu.Lock()
	m.vix = v
	m.mu.Unlock()
}

// Current returns a copy of the latest published snapshot.
func (m *Machine) Current() regime.Snapshot {
	snap := *m.current.Load()
	snap.Flags = slices.Clone(snap.Flags)
	return snap
}

// Compute classifies the current inputs without publishing.
func (m *Machine) Compute() regime.Snapshot {
	m.mu.Lock()
	candles := append([]marketdata.Candle(nil), m.candles...)
	vix := m.vix
	m.mu.Unlock()

	ind := Evaluate(candles, m.cfg.Indicators)
	score, flags := m.overlay(Score(ind), vix)
	return regime.Snapshot{
		Phase:   ScoreToPhase(score, ind),
		Score:   score,
		VIX:     vix,
		Flags:   flags,
		Signals: ind,
	}
}

// Tick recomputes the classification and publishes it only when an observable
// field changed. It reports whether a new version was published.
func (m *Machine) Tick(ctx context.Context) bool {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	next := m.Compute()
	prev := m.current.Load()
	if next.SameObservation(*prev, m.cfg.VIXTolerance) {
		return false
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = m.now()
	m.current.Store(&next)

	log := m.logger.WithFields(logrus.Fields{
		"version": next.Version,
		"phase":   next.Phase,
		"score":   next.Score,
		"vix":     next.VIX,
	})
	log.Debug("regime snapshot published")
	for _, p := range m.publishers {
		if err := p.PublishRegime(ctx, next); err != nil {
			log.WithError(err).Warn("publish regime failed")
		}
	}
	if next.Phase != prev.Phase {
		log.WithField("from", prev.Phase).Info("regime phase changed")
		if m.events != nil {
			ev := events.New(events.KindRegimeChanged, events.SeverityInfo, "regime",
				string(prev.Phase)+" -> "+string(next.Phase),
				map[string]any{"from": string(prev.Phase), "to": string(next.Phase), "version": next.Version})
			if err := m.events.Publish(ctx, ev); err != nil {
				log.WithError(err).Warn("publish regime event failed")
			}
		}
	}
	return true
}

func (m *Machine) Name() string            { return "regime" }
func (m *Machine) Interval() time.Duration { return m.cfg.Tick }

// Run ticks until ctx is cancelled.
func (m *Machine) Run(ctx context.Context, hb *safety.Heartbeat) error {
	return safety.Loop(ctx, hb, m.cfg.Tick, func(ctx context.Context) error {
		m.Tick(ctx)
		return nil
	})
}

// overlay applies the volatility index. Below LowVIX the score is clamped;
// above HighVIX only the halt flag is raised.
func (m *Machine) overlay(score, vix float64) (float64, []regime.VolFlag) {
	flags := []regime.VolFlag{}
	if vix <= 0 {
		return score, flags
	}
	if m.cfg.LowVIX > 0 && vix < m.cfg.LowVIX {
		flags = append(flags, regime.FlagLowVol)
		if limit := m.cfg.LowVIXScoreCap; limit > 0 && math.Abs(score) > limit {
			score = math.Copysign(limit, score)
		}
	}
	if m.cfg.ElevatedVIX > 0 && vix >= m.cfg.ElevatedVIX {
		flags = append(flags, regime.FlagElevatedVol)
	}
	if m.cfg.HighVIX > 0 && vix >= m.cfg.HighVIX {
		flags = append(flags, regime.FlagHaltShortVega)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return score, flags
}
