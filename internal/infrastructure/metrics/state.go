package metrics

import (
	"context"
	"time"

	"optcore/internal/application/service/safety"
	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/entity/regime"

	"github.com/prometheus/client_golang/prometheus"
)

const scrapeTimeout = 2 * time.Second

// Sources are read on every scrape. Nil fields are skipped.
type Sources struct {
	QueueStats      func(ctx context.Context) (map[command.Status]int64, error)
	BookVersion     func() int64
	OpenPositions   func() int
	Regime          func() regime.Snapshot
	FreshnessAges   func() map[string]time.Duration
	KillSwitch      func() bool
	Agents          func() []safety.AgentStatus
	PipelinePending func() int
}

type stateCollector struct {
	src Sources

	queueDepth    *prometheus.Desc
	bookVersion   *prometheus.Desc
	openPositions *prometheus.Desc
	regimeScore   *prometheus.Desc
	regimeVIX     *prometheus.Desc
	regimePhase   *prometheus.Desc
	inputAge      *prometheus.Desc
	killSwitch    *prometheus.Desc
	agentUp       *prometheus.Desc
	agentRestarts *prometheus.Desc
	pending       *prometheus.Desc
}

func newStateCollector(src Sources) *stateCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &stateCollector{
		src:           src,
		queueDepth:    desc("queue_commands", "Command queue rows by status.", "status"),
		bookVersion:   desc("position_book_version", "Monotonic position book version."),
		openPositions: desc("open_positions", "Positions currently held."),
		regimeScore:   desc("regime_score", "Latest regime score."),
		regimeVIX:     desc("regime_vix", "Volatility index behind the latest regime."),
		regimePhase:   desc("regime_phase", "1 for the active regime phase.", "phase"),
		inputAge:      desc("input_age_seconds", "Age of each freshness-gated input.", "input"),
		killSwitch:    desc("kill_switch_active", "1 while the kill switch is engaged."),
		agentUp:       desc("agent_running", "1 while the agent loop is running.", "agent"),
		agentRestarts: desc("agent_restarts", "Supervisor restarts per agent.", "agent"),
		pending:       desc("pipeline_pending_signals", "Signals waiting for the next cycle."),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueDepth, c.bookVersion, c.openPositions, c.regimeScore, c.regimeVIX,
		c.regimePhase, c.inputAge, c.killSwitch, c.agentUp, c.agentRestarts, c.pending,
	} {
		ch <- d
	}
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	if c.src.QueueStats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
		stats, err := c.src.QueueStats(ctx)
		cancel()
		if err == nil {
			for _, st := range []command.Status{command.StatusPending, command.StatusProcessing, command.StatusDone, command.StatusFailed, command.StatusDeadLetter} {
				gauge(c.queueDepth, float64(stats[st]), string(st))
			}
		}
	}
	if c.src.BookVersion != nil {
		gauge(c.bookVersion, float64(c.src.BookVersion()))
	}
	if c.src.OpenPositions != nil {
		gauge(c.openPositions, float64(c.src.OpenPositions()))
	}
	if c.src.Regime != nil {
		snap := c.src.Regime()
		gauge(c.regimeScore, snap.Score)
		gauge(c.regimeVIX, snap.VIX)
		for _, p := range []regime.Phase{regime.PhaseBullish, regime.PhaseBearish, regime.PhaseCongestion, regime.PhaseBlowoff} {
			v := 0.0
			if snap.Phase == p {
				v = 1
			}
			gauge(c.regimePhase, v, string(p))
		}
	}
	if c.src.FreshnessAges != nil {
		for name, age := range c.src.FreshnessAges() {
			gauge(c.inputAge, age.Seconds(), name)
		}
	}
	if c.src.KillSwitch != nil {
		v := 0.0
		if c.src.KillSwitch() {
			v = 1
		}
		gauge(c.killSwitch, v)
	}
	if c.src.Agents != nil {
		for _, a := range c.src.Agents() {
			up := 0.0
			if a.Running {
				up = 1
			}
			gauge(c.agentUp, up, a.Name)
			gauge(c.agentRestarts, float64(a.Restarts), a.Name)
		}
	}
	if c.src.PipelinePending != nil {
		gauge(c.pending, float64(c.src.PipelinePending()))
	}
}
