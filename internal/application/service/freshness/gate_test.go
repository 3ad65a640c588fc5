package freshness

import (
	"testing"
	"time"

	"optcore/internal/pkg/monoclock"
)

func testConfig() Config {
	return Config{
		UnderlyingQuoteMaxAge: 5 * time.Second,
		OptionQuoteMaxAge:     10 * time.Second,
		FeedSwitchCooldown:    3 * time.Second,
		DepthMaxAge:           5 * time.Second,
		AnalyticsMaxAge:       300 * time.Second,
		IVMaxAge:              120 * time.Second,
		IVCreditSpreadMaxAge:  300 * time.Second,
		VIXMaxAge:             60 * time.Second,
	}
}

func freshGate(clock *monoclock.Manual) *Gate {
	g := NewGate(testConfig(), clock)
	g.UpdateQuote("NIFTY")
	g.UpdateOptionQuote("NIFTY25FEB22000CE")
	g.UpdateDepth("NIFTY25FEB22000CE")
	g.UpdatePCR("NIFTY")
	g.UpdateGEX("NIFTY")
	g.UpdateMaxPain("NIFTY")
	g.UpdateIV("NIFTY")
	g.UpdateVIX()
	return g
}

func blockedGates(r Report) map[string]bool {
	out := make(map[string]bool)
	for _, b := range r.Blocked {
		out[b.Gate] = true
	}
	return out
}

func TestAllFreshPasses(t *testing.T) {
	clock := monoclock.NewManual()
	g := freshGate(clock)
	clock.Advance(time.Second)
	rep := g.CheckOrderGates("NIFTY", "NIFTY25FEB22000CE", true, true)
	if !rep.Pass || len(rep.Warnings) != 0 {
		t.Fatalf("expected clean pass, got %+v", rep)
	}
}

func TestStaleQuotesBlock(t *testing.T) {
	clock := monoclock.NewManual()
	g := freshGate(clock)
	clock.Advance(6 * time.Second)
	g.UpdateDepth("NIFTY25FEB22000CE")

	rep := g.CheckOrderGates("NIFTY", "NIFTY25FEB22000CE", true, false)
	blocked := blockedGates(rep)
	if rep.Pass || !blocked[GateUnderlyingQuote] || blocked[GateOptionQuote] {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Reason() == "" {
		t.Fatal("blocked report should carry a reason")
	}

	clock.Advance(5 * time.Second)
	rep = g.CheckOrderGates("NIFTY", "NIFTY25FEB22000CE", false, false)
	if !blockedGates(rep)[GateOptionQuote] {
		t.Fatalf("option quote should be stale after 11s: %+v", rep)
	}
}

func TestNeverSeenIsStale(t *testing.T) {
	g := NewGate(testConfig(), monoclock.NewManual())
	rep := g.CheckOrderGates("NIFTY", "", true, false)
	blocked := blockedGates(rep)
	if rep.Pass || !blocked[GateUnderlyingQuote] || !blocked[GateDepth] {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rep.Warnings) != 5 {
		t.Fatalf("expected 5 analytics warnings, got %d", len(rep.Warnings))
	}
}

func TestFeedSwitchCooldown(t *testing.T) {
	clock := monoclock.NewManual()
	g := freshGate(clock)
	g.RecordFeedSwitch("NIFTY")
	clock.Advance(2 * time.Second)
	if rep := g.CheckOrderGates("NIFTY", "", false, false); !blockedGates(rep)[GateFeedSwitch] {
		t.Fatalf("expected cooldown block, got %+v", rep)
	}
	clock.Advance(2 * time.Second)
	g.UpdateQuote("NIFTY")
	if rep := g.CheckOrderGates("NIFTY", "", false, false); !rep.Pass {
		t.Fatalf("cooldown should have expired: %+v", rep)
	}
}

func TestIVEscalatesForCreditSpreads(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		credit  bool
		blocked bool
		warned  bool
	}{
		{"fresh", 60 * time.Second, true, false, false},
		{"stale debit warns", 200 * time.Second, false, false, true},
		{"stale credit warns below hard limit", 200 * time.Second, true, false, true},
		{"very stale credit blocks", 301 * time.Second, true, true, false},
		{"very stale debit warns", 301 * time.Second, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := monoclock.NewManual()
			g := NewGate(testConfig(), clock)
			g.UpdateIV("NIFTY")
			clock.Advance(tt.age)
			rep := g.CheckOrderGates("NIFTY", "", false, tt.credit)
			if got := blockedGates(rep)[GateIV]; got != tt.blocked {
				t.Fatalf("iv blocked = %v, want %v (%+v)", got, tt.blocked, rep)
			}
			warned := false
			for _, w := range rep.Warnings {
				if w.Gate == GateIV {
					warned = true
				}
			}
			if warned != tt.warned {
				t.Fatalf("iv warned = %v, want %v", warned, tt.warned)
			}
		})
	}
}
