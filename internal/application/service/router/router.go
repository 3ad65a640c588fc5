package router

import (
	"fmt"
	"sort"

	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/entity/regime"
	"optcore/internal/domain/entity/signal"

	"github.com/sirupsen/logrus"
)

// Action is the routing outcome for one signal.
type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionReject Action = "REJECT"
	ActionDefer  Action = "DEFER"
	ActionMerge  Action = "MERGE"
)

// Decision is one entry of the routing trace.
type Decision struct {
	SignalID     string              `json:"signal_id"`
	Source       signal.Producer     `json:"source"`
	Instrument   string              `json:"instrument"`
	StrategyType signal.StrategyType `json:"strategy_type"`
	Action       Action              `json:"action"`
	Reason       string              `json:"reason"`
	Priority     float64             `json:"priority"`
}

// Routed is an accepted signal with its priority.
type Routed struct {
	Signal   signal.Signal
	Priority float64
}

// Outcome is the result of one routing cycle. Accepted is sorted by
// descending priority; Decisions holds one entry per input signal.
type Outcome struct {
	Accepted  []Routed
	Decisions []Decision
}

// Config holds the router caps.
type Config struct {
	MaxPositions   int
	SectorHeatCap  float64
	StrengthWeight float64
	Capital        float64
}

var basePriority = map[regime.Phase]map[signal.Producer]float64{
	regime.PhaseCongestion: {signal.ProducerVolatility: 70, signal.ProducerDirectional: 30},
	regime.PhaseBullish:    {signal.ProducerDirectional: 70, signal.ProducerVolatility: 40},
	regime.PhaseBearish:    {signal.ProducerDirectional: 70, signal.ProducerVolatility: 40},
}

// Router arbitrates between signal producers targeting the same underlying.
type Router struct {
	cfg    Config
	logger *logrus.Entry
}

func NewRouter(cfg Config, logger *logrus.Logger) *Router {
	return &Router{cfg: cfg, logger: logger.WithField("component", "router")}
}

// Priority is the base score for (producer, phase) plus the weighted strength.
func (r *Router) Priority(sig signal.Signal, phase regime.Phase) float64 {
	return basePriority[phase][sig.Producer] + r.cfg.StrengthWeight*sig.Strength
}

// Route runs one arbitration cycle.
func (r *Router) Route(signals []signal.Signal, snap regime.Snapshot, book position.Snapshot) Outcome {
	var out Outcome
	groups := make(map[string][]Routed)
	var order []string

	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			out.Decisions = append(out.Decisions, decision(sig, ActionReject, err.Error(), 0))
			continue
		}
		if snap.Phase == regime.PhaseBlowoff {
			out.Decisions = append(out.Decisions, decision(sig, ActionDefer, "BLOWOFF regime defers all entries", 0))
			continue
		}
		if _, ok := groups[sig.Instrument]; !ok {
			order = append(order, sig.Instrument)
		}
		groups[sig.Instrument] = append(groups[sig.Instrument], Routed{Signal: sig, Priority: r.Priority(sig, snap.Phase)})
	}

	var winners []Routed
	for _, instrument := range order {
		winner, trace, ok := r.resolve(groups[instrument], snap.Phase)
		out.Decisions = append(out.Decisions, trace...)
		if ok {
			winners = append(winners, winner)
		}
	}

	sortRouted(winners)
	exp := book.Exposure()
	open := exp.OpenPositions
	for _, w := range winners {
		sig := w.Signal
		if r.cfg.MaxPositions > 0 && open >= r.cfg.MaxPositions {
			out.Decisions = append(out.Decisions, decision(sig, ActionReject,
				fmt.Sprintf("position cap reached (%d/%d)", open, r.cfg.MaxPositions), w.Priority))
			continue
		}
		if sig.Sector != "" && r.cfg.Capital > 0 && r.cfg.SectorHeatCap > 0 {
			heat := exp.SectorMargin[sig.Sector] / r.cfg.Capital
			if heat > r.cfg.SectorHeatCap {
				out.Decisions = append(out.Decisions, decision(sig, ActionReject,
					fmt.Sprintf("sector %s heat %.1f%% above cap %.1f%%", sig.Sector, heat*100, r.cfg.SectorHeatCap*100), w.Priority))
				continue
			}
		}
		open++
		out.Accepted = append(out.Accepted, w)
		out.Decisions = append(out.Decisions, decision(sig, ActionAccept, "selected for "+sig.Instrument, w.Priority))
	}

	r.logger.WithFields(logrus.Fields{
		"phase":    snap.Phase,
		"signals":  len(signals),
		"accepted": len(out.Accepted),
	}).Debug("routing cycle complete")
	return out
}

// resolve picks at most one winner for a single underlying. Decisions for
// losers are returned in trace; the winner's decision is made by the caps.
func (r *Router) resolve(cands []Routed, phase regime.Phase) (Routed, []Decision, bool) {
	sortRouted(cands)
	if len(cands) == 1 {
		return cands[0], nil, true
	}

	byBias := make(map[signal.Bias][]Routed)
	for _, c := range cands {
		byBias[c.Signal.Bias] = append(byBias[c.Signal.Bias], c)
	}

	if len(byBias) == 1 {
		winner := cands[0]
		var trace []Decision
		for _, c := range cands[1:] {
			trace = append(trace, decision(c.Signal, ActionMerge,
				fmt.Sprintf("same direction as %s, lower priority", winner.Signal.ID), c.Priority))
		}
		return winner, trace, true
	}

	pool, ok := favored(cands, phase)
	if !ok {
		var trace []Decision
		for _, c := range cands {
			trace = append(trace, decision(c.Signal, ActionReject,
				fmt.Sprintf("opposing signals not resolved by %s regime", phase), c.Priority))
		}
		return Routed{}, trace, false
	}

	winner := pool[0]
	var trace []Decision
	for _, c := range cands {
		if c.Signal.ID == winner.Signal.ID {
			continue
		}
		if c.Signal.Bias == winner.Signal.Bias {
			trace = append(trace, decision(c.Signal, ActionMerge,
				fmt.Sprintf("same direction as %s, lower priority", winner.Signal.ID), c.Priority))
			continue
		}
		trace = append(trace, decision(c.Signal, ActionReject,
			fmt.Sprintf("%s regime favors %s %s", phase, winner.Signal.Producer, winner.Signal.Bias), c.Priority))
	}
	return winner, trace, true
}

// favored returns the candidates a phase sides with when producers
// disagree, in priority order. Congestion sides with the range producer
// whatever its bias; trending phases side with the trend direction.
func favored(cands []Routed, phase regime.Phase) ([]Routed, bool) {
	var pool []Routed
	for _, c := range cands {
		switch phase {
		case regime.PhaseCongestion:
			if c.Signal.Producer == signal.ProducerVolatility {
				pool = append(pool, c)
			}
		case regime.PhaseBullish:
			if c.Signal.Bias == signal.BiasBullish {
				pool = append(pool, c)
			}
		case regime.PhaseBearish:
			if c.Signal.Bias == signal.BiasBearish {
				pool = append(pool, c)
			}
		}
	}
	return pool, len(pool) > 0
}

func sortRouted(rs []Routed) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].Signal.ID < rs[j].Signal.ID
	})
}

func decision(sig signal.Signal, action Action, reason string, priority float64) Decision {
	return Decision{
		SignalID:     sig.ID,
		Source:       sig.Producer,
		Instrument:   sig.Instrument,
		StrategyType: sig.StrategyType,
		Action:       action,
		Reason:       reason,
		Priority:     priority,
	}
}
