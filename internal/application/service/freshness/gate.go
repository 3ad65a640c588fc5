// Package freshness tracks how old each market and analytics input is and
// blocks order decisions taken on stale data. Ages are measured on a
// monotonic clock.
package freshness

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"optcore/internal/domain/entity/marketdata"
	"optcore/internal/pkg/monoclock"
)

// Severity says whether a failed gate blocks the order or only warns.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Gate names.
const (
	GateUnderlyingQuote = "underlying_quote"
	GateOptionQuote     = "option_quote"
	GateFeedSwitch      = "feed_switch_cooldown"
	GateDepth           = "depth"
	GatePCR             = "pcr"
	GateGEX             = "gex"
	GateMaxPain         = "max_pain"
	GateIV              = "iv"
	GateVIX             = "vix"
)

// Config holds the maximum age of each input.
type Config struct {
	UnderlyingQuoteMaxAge time.Duration
	OptionQuoteMaxAge     time.Duration
	FeedSwitchCooldown    time.Duration
	DepthMaxAge           time.Duration
	AnalyticsMaxAge       time.Duration
	IVMaxAge              time.Duration
	IVCreditSpreadMaxAge  time.Duration
	VIXMaxAge             time.Duration
}

// GateResult is the outcome of one failed gate.
type GateResult struct {
	Gate     string        `json:"gate"`
	Severity Severity      `json:"severity"`
	Age      time.Duration `json:"age"`
	MaxAge   time.Duration `json:"max_age"`
	Reason   string        `json:"reason"`
}

// Report is the result of CheckOrderGates. Pass is false iff Blocked is
// non-empty.
type Report struct {
	Pass     bool         `json:"pass"`
	Blocked  []GateResult `json:"blocked,omitempty"`
	Warnings []GateResult `json:"warnings,omitempty"`
}

// Reason joins the blocking gate reasons.
func (r Report) Reason() string {
	parts := make([]string, 0, len(r.Blocked))
	for _, b := range r.Blocked {
		parts = append(parts, b.Reason)
	}
	return strings.Join(parts, "; ")
}

// Gate records last-update timestamps and evaluates them on demand.
type Gate struct {
	cfg   Config
	clock monoclock.Clock

	mu           sync.RWMutex
	quotes       map[string]time.Duration
	optionQuotes map[string]time.Duration
	depth        map[string]time.Duration
	feedSwitches map[string]time.Duration
	analytics    map[marketdata.AnalyticsFeed]map[string]time.Duration
	vix          time.Duration
}

func NewGate(cfg Config, clock monoclock.Clock) *Gate {
	return &Gate{
		cfg:          cfg,
		clock:        clock,
		quotes:       make(map[string]time.Duration),
		optionQuotes: make(map[string]time.Duration),
		depth:        make(map[string]time.Duration),
		feedSwitches: make(map[string]time.Duration),
		analytics:    make(map[marketdata.AnalyticsFeed]map[string]time.Duration),
	}
}

func (g *Gate) stamp(m map[string]time.Duration, key string) {
	now := g.clock.Now()
	g.mu.Lock()
	m[key] = now
	g.mu.Unlock()
}

func (g *Gate) UpdateQuote(symbol string)       { g.stamp(g.quotes, symbol) }
func (g *Gate) UpdateOptionQuote(symbol string) { g.stamp(g.optionQuotes, symbol) }
func (g *Gate) UpdateDepth(symbol string)       { g.stamp(g.depth, symbol) }
func (g *Gate) RecordFeedSwitch(symbol string)  { g.stamp(g.feedSwitches, symbol) }

func (g *Gate) UpdatePCR(underlying string)     { g.UpdateAnalytics(marketdata.FeedPCR, underlying) }
func (g *Gate) UpdateGEX(underlying string)     { g.UpdateAnalytics(marketdata.FeedGEX, underlying) }
func (g *Gate) UpdateMaxPain(underlying string) { g.UpdateAnalytics(marketdata.FeedMaxPain, underlying) }
func (g *Gate) UpdateIV(underlying string)      { g.UpdateAnalytics(marketdata.FeedIV, underlying) }

// UpdateAnalytics stamps an analytics feed for an underlying.
func (g *Gate) UpdateAnalytics(feed marketdata.AnalyticsFeed, underlying string) {
	now := g.clock.Now()
	g.mu.Lock()
	m, ok := g.analytics[feed]
	if !ok {
		m = make(map[string]time.Duration)
		g.analytics[feed] = m
	}
	m[underlying] = now
	g.mu.Unlock()
}

func (g *Gate) UpdateVIX() {
	now := g.clock.Now()
	g.mu.Lock()
	g.vix = now
	g.mu.Unlock()
}

// ObserveQuote stamps a quote by kind.
func (g *Gate) ObserveQuote(q marketdata.Quote) {
	if q.Kind == marketdata.QuoteOption {
		g.UpdateOptionQuote(q.Symbol)
		return
	}
	g.UpdateQuote(q.Symbol)
}

// CheckOrderGates evaluates every gate for an order on underlying. An empty
// optionSymbol skips the option quote gate.
func (g *Gate) CheckOrderGates(underlying, optionSymbol string, needsDepth, isCreditSpread bool) Report {
	now := g.clock.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	var rep Report
	add := func(res *GateResult) {
		if res == nil {
			return
		}
		if res.Severity == SeverityBlock {
			rep.Blocked = append(rep.Blocked, *res)
		} else {
			rep.Warnings = append(rep.Warnings, *res)
		}
	}

	add(ageGate(GateUnderlyingQuote, underlying, now, g.quotes[underlying], g.cfg.UnderlyingQuoteMaxAge, SeverityBlock))
	if optionSymbol != "" {
		add(ageGate(GateOptionQuote, optionSymbol, now, g.optionQuotes[optionSymbol], g.cfg.OptionQuoteMaxAge, SeverityBlock))
	}
	for _, sym := range []string{underlying, optionSymbol} {
		if sym == "" {
			continue
		}
		if at, ok := g.feedSwitches[sym]; ok && now-at < g.cfg.FeedSwitchCooldown {
			add(&GateResult{
				Gate:     GateFeedSwitch,
				Severity: SeverityBlock,
				Age:      now - at,
				MaxAge:   g.cfg.FeedSwitchCooldown,
				Reason:   fmt.Sprintf("%s switched feed %s ago, cooldown %s", sym, now-at, g.cfg.FeedSwitchCooldown),
			})
		}
	}
	if needsDepth {
		sym := optionSymbol
		if sym == "" {
			sym = underlying
		}
		add(ageGate(GateDepth, sym, now, g.depth[sym], g.cfg.DepthMaxAge, SeverityBlock))
	}

	add(ageGate(GatePCR, underlying, now, g.analytics[marketdata.FeedPCR][underlying], g.cfg.AnalyticsMaxAge, SeverityWarn))
	add(ageGate(GateGEX, underlying, now, g.analytics[marketdata.FeedGEX][underlying], g.cfg.AnalyticsMaxAge, SeverityWarn))
	add(ageGate(GateMaxPain, underlying, now, g.analytics[marketdata.FeedMaxPain][underlying], g.cfg.AnalyticsMaxAge, SeverityWarn))

	ivAt := g.analytics[marketdata.FeedIV][underlying]
	ivResult := ageGate(GateIV, underlying, now, ivAt, g.cfg.IVMaxAge, SeverityWarn)
	if isCreditSpread {
		if hard := ageGate(GateIV, underlying, now, ivAt, g.cfg.IVCreditSpreadMaxAge, SeverityBlock); hard != nil {
			hard.Reason += " (credit spread)"
			ivResult = hard
		}
	}
	add(ivResult)

	add(ageGate(GateVIX, "VIX", now, g.vix, g.cfg.VIXMaxAge, SeverityWarn))

	rep.Pass = len(rep.Blocked) == 0
	return rep
}

// ageGate fails when the input was never seen (zero) or is older than maxAge.
func ageGate(gate, symbol string, now, at, maxAge time.Duration, sev Severity) *GateResult {
	if at == 0 {
		return &GateResult{Gate: gate, Severity: sev, Age: -1, MaxAge: maxAge,
			Reason: fmt.Sprintf("%s %s never observed", gate, symbol)}
	}
	age := now - at
	if age <= maxAge {
		return nil
	}
	return &GateResult{Gate: gate, Severity: sev, Age: age, MaxAge: maxAge,
		Reason: fmt.Sprintf("%s %s is %s old, max %s", gate, symbol, age.Round(time.Millisecond), maxAge)}
}

// Ages reports the current age of every tracked underlying and option quote,
// keyed by symbol.
func (g *Gate) Ages() map[string]time.Duration {
	now := g.clock.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]time.Duration, len(g.quotes)+len(g.optionQuotes))
	for s, at := range g.quotes {
		out[s] = now - at
	}
	for s, at := range g.optionQuotes {
		out[s] = now - at
	}
	return out
}
