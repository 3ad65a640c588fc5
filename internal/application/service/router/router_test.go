package router

import (
	"io"
	"testing"
	"time"

	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/entity/regime"
	"optcore/internal/domain/entity/signal"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func newTestRouter(maxPositions int) *Router {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRouter(Config{
		MaxPositions:   maxPositions,
		SectorHeatCap:  0.20,
		StrengthWeight: 20,
		Capital:        1_000_000,
	}, logger)
}

func sig(id string, producer signal.Producer, instrument string, st signal.StrategyType, bias signal.Bias, strength float64) signal.Signal {
	return signal.Signal{
		ID:           id,
		Producer:     producer,
		Instrument:   instrument,
		Sector:       "index",
		StrategyType: st,
		Bias:         bias,
		Strength:     strength,
		EntryPrice:   100,
		StopPrice:    80,
		Structure: signal.SingleLeg{Leg: signal.Leg{
			Symbol: instrument + "OPT", Side: position.DirectionBuy, Ratio: 1,
		}},
		CreatedAt: time.Unix(0, 0),
	}
}

func emptyBook() position.Snapshot {
	return position.Snapshot{Positions: map[string]position.Position{}}
}

func decisionFor(t *testing.T, out Outcome, id string) Decision {
	t.Helper()
	for _, d := range out.Decisions {
		if d.SignalID == id {
			return d
		}
	}
	t.Fatalf("no decision for %s in %+v", id, out.Decisions)
	return Decision{}
}

func TestCongestionFavorsVolatilityProducer(t *testing.T) {
	r := newTestRouter(5)
	directional := sig("d1", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.9)
	volatility := sig("v1", signal.ProducerVolatility, "NIFTY", signal.StrategyIronCondor, signal.BiasNeutral, 0.5)

	out := r.Route([]signal.Signal{directional, volatility}, regime.Snapshot{Phase: regime.PhaseCongestion}, emptyBook())

	if len(out.Accepted) != 1 || out.Accepted[0].Signal.ID != "v1" {
		t.Fatalf("expected v1 accepted, got %+v", out.Accepted)
	}
	if out.Accepted[0].Priority != 80 {
		t.Fatalf("priority = %v, want 80", out.Accepted[0].Priority)
	}
	if d := decisionFor(t, out, "d1"); d.Action != ActionReject || d.Priority != 48 {
		t.Fatalf("directional decision = %+v", d)
	}
	if len(out.Decisions) != 2 {
		t.Fatalf("expected one decision per signal, got %d", len(out.Decisions))
	}
}

func TestTrendFavorsDirectionalProducer(t *testing.T) {
	r := newTestRouter(5)
	bearish := sig("d1", signal.ProducerDirectional, "NIFTY", signal.StrategyLongPut, signal.BiasBearish, 0.2)
	condor := sig("v1", signal.ProducerVolatility, "NIFTY", signal.StrategyIronCondor, signal.BiasNeutral, 1)

	out := r.Route([]signal.Signal{bearish, condor}, regime.Snapshot{Phase: regime.PhaseBearish}, emptyBook())
	if len(out.Accepted) != 1 || out.Accepted[0].Signal.ID != "d1" {
		t.Fatalf("expected d1 accepted, got %+v", out.Accepted)
	}
	if d := decisionFor(t, out, "v1"); d.Action != ActionReject {
		t.Fatalf("volatility decision = %+v", d)
	}
}

func TestSameDirectionMerges(t *testing.T) {
	r := newTestRouter(5)
	a := sig("a", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.4)
	b := sig("b", signal.ProducerVolatility, "NIFTY", signal.StrategyBullPutCredit, signal.BiasBullish, 0.9)

	out := r.Route([]signal.Signal{a, b}, regime.Snapshot{Phase: regime.PhaseBullish}, emptyBook())
	// a: 70+8=78, b: 40+18=58
	if len(out.Accepted) != 1 || out.Accepted[0].Signal.ID != "a" {
		t.Fatalf("expected a accepted, got %+v", out.Accepted)
	}
	if d := decisionFor(t, out, "b"); d.Action != ActionMerge {
		t.Fatalf("b decision = %+v", d)
	}
}

func TestBlowoffDefersEverything(t *testing.T) {
	r := newTestRouter(5)
	signals := []signal.Signal{
		sig("a", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 1),
		sig("b", signal.ProducerVolatility, "BANKNIFTY", signal.StrategyIronCondor, signal.BiasNeutral, 1),
	}
	out := r.Route(signals, regime.Snapshot{Phase: regime.PhaseBlowoff}, emptyBook())
	if len(out.Accepted) != 0 {
		t.Fatalf("expected nothing accepted, got %+v", out.Accepted)
	}
	for _, d := range out.Decisions {
		if d.Action != ActionDefer {
			t.Fatalf("expected DEFER, got %+v", d)
		}
	}
}

func TestCapsRejectLowestPriorityFirst(t *testing.T) {
	r := newTestRouter(2)
	book := emptyBook()
	book.Positions["X|s"] = position.Position{Instrument: "X", StrategyID: "s", Direction: position.DirectionBuy, Quantity: 1}

	signals := []signal.Signal{
		sig("low", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.1),
		sig("high", signal.ProducerDirectional, "BANKNIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.9),
	}
	out := r.Route(signals, regime.Snapshot{Phase: regime.PhaseBullish}, book)
	if len(out.Accepted) != 1 || out.Accepted[0].Signal.ID != "high" {
		t.Fatalf("expected high accepted, got %+v", out.Accepted)
	}
	if d := decisionFor(t, out, "low"); d.Action != ActionReject {
		t.Fatalf("low decision = %+v", d)
	}
}

func TestSectorHeatRejects(t *testing.T) {
	r := newTestRouter(5)
	book := emptyBook()
	book.Positions["X|s"] = position.Position{
		Instrument: "X", StrategyID: "s", Sector: "index",
		Direction: position.DirectionBuy, Quantity: 1, Margin: decimal.NewFromInt(250_000),
	}
	out := r.Route([]signal.Signal{
		sig("a", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 1),
	}, regime.Snapshot{Phase: regime.PhaseBullish}, book)
	if len(out.Accepted) != 0 {
		t.Fatalf("expected sector heat rejection, got %+v", out.Accepted)
	}
}

func TestAcceptedSortedAndInvalidRejected(t *testing.T) {
	r := newTestRouter(5)
	bad := sig("bad", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 2)
	signals := []signal.Signal{
		sig("a", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.1),
		sig("b", signal.ProducerDirectional, "BANKNIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.5),
		sig("c", signal.ProducerDirectional, "FINNIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.3),
		bad,
	}
	out := r.Route(signals, regime.Snapshot{Phase: regime.PhaseBullish}, emptyBook())
	want := []string{"b", "c", "a"}
	if len(out.Accepted) != len(want) {
		t.Fatalf("accepted %d, want %d", len(out.Accepted), len(want))
	}
	for i, id := range want {
		if out.Accepted[i].Signal.ID != id {
			t.Fatalf("accepted[%d] = %s, want %s", i, out.Accepted[i].Signal.ID, id)
		}
	}
	if d := decisionFor(t, out, "bad"); d.Action != ActionReject {
		t.Fatalf("invalid signal decision = %+v", d)
	}
}

func TestOpposingDirectionsByPhase(t *testing.T) {
	tests := []struct {
		name     string
		phase    regime.Phase
		signals  []signal.Signal
		accepted string
		rejected string
	}{
		{
			name:  "congestion sides with bearish credit spread over bullish directional",
			phase: regime.PhaseCongestion,
			signals: []signal.Signal{
				sig("d1", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 1),
				sig("v1", signal.ProducerVolatility, "NIFTY", signal.StrategyBearCallCredit, signal.BiasBearish, 0.2),
			},
			accepted: "v1",
			rejected: "d1",
		},
		{
			name:  "congestion sides with bullish credit spread over bearish directional",
			phase: regime.PhaseCongestion,
			signals: []signal.Signal{
				sig("d1", signal.ProducerDirectional, "NIFTY", signal.StrategyLongPut, signal.BiasBearish, 1),
				sig("v1", signal.ProducerVolatility, "NIFTY", signal.StrategyBullPutCredit, signal.BiasBullish, 0),
			},
			accepted: "v1",
			rejected: "d1",
		},
		{
			name:  "bullish phase sides with bullish directional over bearish credit spread",
			phase: regime.PhaseBullish,
			signals: []signal.Signal{
				sig("d1", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 0.1),
				sig("v1", signal.ProducerVolatility, "NIFTY", signal.StrategyBearCallCredit, signal.BiasBearish, 1),
			},
			accepted: "d1",
			rejected: "v1",
		},
		{
			name:  "bearish phase sides with bearish credit spread over bullish directional",
			phase: regime.PhaseBearish,
			signals: []signal.Signal{
				sig("d1", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 1),
				sig("v1", signal.ProducerVolatility, "NIFTY", signal.StrategyBearCallCredit, signal.BiasBearish, 0.1),
			},
			accepted: "v1",
			rejected: "d1",
		},
		{
			name:  "bearish phase sides with bearish directional over bullish credit spread",
			phase: regime.PhaseBearish,
			signals: []signal.Signal{
				sig("d1", signal.ProducerDirectional, "NIFTY", signal.StrategyLongPut, signal.BiasBearish, 0),
				sig("v1", signal.ProducerVolatility, "NIFTY", signal.StrategyBullPutCredit, signal.BiasBullish, 1),
			},
			accepted: "d1",
			rejected: "v1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(5)
			out := r.Route(tt.signals, regime.Snapshot{Phase: tt.phase}, emptyBook())
			if len(out.Accepted) != 1 || out.Accepted[0].Signal.ID != tt.accepted {
				t.Fatalf("expected %s accepted, got %+v", tt.accepted, out.Accepted)
			}
			if d := decisionFor(t, out, tt.rejected); d.Action != ActionReject {
				t.Fatalf("%s decision = %+v", tt.rejected, d)
			}
			if len(out.Decisions) != len(tt.signals) {
				t.Fatalf("expected one decision per signal, got %d", len(out.Decisions))
			}
		})
	}
}

func TestCongestionWithoutVolatilityProducerRejects(t *testing.T) {
	r := newTestRouter(5)
	out := r.Route([]signal.Signal{
		sig("a", signal.ProducerDirectional, "NIFTY", signal.StrategyLongCall, signal.BiasBullish, 1),
		sig("b", signal.ProducerDirectional, "NIFTY", signal.StrategyLongPut, signal.BiasBearish, 1),
	}, regime.Snapshot{Phase: regime.PhaseCongestion}, emptyBook())
	if len(out.Accepted) != 0 {
		t.Fatalf("expected nothing accepted, got %+v", out.Accepted)
	}
	for _, id := range []string{"a", "b"} {
		if d := decisionFor(t, out, id); d.Action != ActionReject {
			t.Fatalf("%s decision = %+v", id, d)
		}
	}
}
