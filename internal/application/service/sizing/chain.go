package sizing

import (
	"encoding/json"
	"fmt"
	"math"

	"optcore/internal/domain/entity/regime"
	"optcore/internal/domain/entity/signal"

	"github.com/sirupsen/logrus"
)

// Step names, in chain order.
const (
	StepVolTarget      = "volatility_target"
	StepHalfKelly      = "half_kelly"
	StepRiskPerTrade   = "risk_per_trade"
	StepVIXOverlay     = "vix_overlay"
	StepDiversify      = "diversification"
	StepSectorHeat     = "sector_heat"
	StepPositionCap    = "position_cap"
	StepMarginReserve  = "margin_reserve"
	regimeFilterNumber = 0
)

// Config holds the chain parameters.
type Config struct {
	Capital               float64
	TargetVolPct          float64
	MaxRiskPct            float64
	VIXHalvingThreshold   float64
	CorrelationThreshold  float64
	DiversificationFactor float64
	SectorLimit           float64
	MaxPositions          int
	MarginReservePct      float64
	DefaultWinRate        float64
	DefaultRewardRisk     float64
}

// Input is everything one evaluation needs besides the regime.
type Input struct {
	Signal  signal.Signal
	LotSize int64
	// InstrumentVol is the expected per-unit price move, in price units.
	InstrumentVol   float64
	WinRate         float64
	RewardRisk      float64
	VIX             float64
	Correlation     float64
	SectorMarginPct float64
	OpenPositions   int
	FreeMarginPct   float64
}

// Step is one stage of the chain. InputSize is +Inf for the first step.
type Step struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	InputSize  float64 `json:"input_size"`
	OutputSize float64 `json:"output_size"`
	Passed     bool    `json:"passed"`
	Reason     string  `json:"reason"`
}

// MarshalJSON encodes an infinite input size as null.
func (s Step) MarshalJSON() ([]byte, error) {
	type wire Step
	out := struct {
		wire
		InputSize *float64 `json:"input_size"`
	}{wire: wire(s)}
	if !math.IsInf(s.InputSize, 0) {
		v := s.InputSize
		out.InputSize = &v
	}
	return json.Marshal(out)
}

// Result is the outcome of one evaluation, kept whole for journaling.
type Result struct {
	SignalID     string  `json:"signal_id"`
	Instrument   string  `json:"instrument"`
	Approved     bool    `json:"approved"`
	Lots         int64   `json:"lots"`
	Quantity     int64   `json:"quantity"`
	Steps        []Step  `json:"steps"`
	RejectStep   int     `json:"reject_step,omitempty"`
	RejectReason string  `json:"reject_reason,omitempty"`
	FinalSize    float64 `json:"final_size"`
}

// Chain is the eight-step, size-reducing sizing pipeline.
type Chain struct {
	cfg    Config
	logger *logrus.Entry
}

func NewChain(cfg Config, logger *logrus.Logger) *Chain {
	return &Chain{cfg: cfg, logger: logger.WithField("component", "sizing")}
}

// Evaluate runs the regime filter and then the chain. A step never grows the
// working size; the first rejecting step ends the run.
func (c *Chain) Evaluate(in Input, snap regime.Snapshot) Result {
	res := Result{SignalID: in.Signal.ID, Instrument: in.Signal.Instrument}

	if err := RegimeFilter(in.Signal, snap); err != nil {
		res.RejectStep = regimeFilterNumber
		res.RejectReason = err.Error()
		c.logReject(res)
		return res
	}

	steps := []func(float64, Input) (float64, string, bool){
		c.volTarget,
		c.halfKelly,
		c.riskPerTrade,
		c.vixOverlay,
		c.diversify,
		c.sectorHeat,
		c.positionCap,
		c.marginReserve,
	}
	names := []string{StepVolTarget, StepHalfKelly, StepRiskPerTrade, StepVIXOverlay,
		StepDiversify, StepSectorHeat, StepPositionCap, StepMarginReserve}

	size := math.Inf(1)
	for i, fn := range steps {
		candidate, reason, ok := fn(size, in)
		step := Step{Index: i + 1, Name: names[i], InputSize: size, Passed: ok, Reason: reason}
		if !ok {
			step.OutputSize = 0
			res.Steps = append(res.Steps, step)
			res.RejectStep = i + 1
			res.RejectReason = reason
			c.logReject(res)
			return res
		}
		step.OutputSize = math.Min(size, candidate)
		res.Steps = append(res.Steps, step)
		size = step.OutputSize
	}

	res.FinalSize = size
	if in.LotSize <= 0 {
		res.RejectStep = len(steps) + 1
		res.RejectReason = fmt.Sprintf("invalid lot size %d", in.LotSize)
		c.logReject(res)
		return res
	}
	lots := int64(math.Floor(size / float64(in.LotSize)))
	if lots <= 0 {
		res.RejectStep = len(steps) + 1
		res.RejectReason = fmt.Sprintf("size %.2f is below one lot of %d", size, in.LotSize)
		c.logReject(res)
		return res
	}
	res.Approved = true
	res.Lots = lots
	res.Quantity = lots * in.LotSize
	c.logger.WithFields(logrus.Fields{
		"signal_id":  res.SignalID,
		"instrument": res.Instrument,
		"lots":       lots,
		"quantity":   res.Quantity,
	}).Info("sizing approved")
	return res
}

func (c *Chain) logReject(res Result) {
	c.logger.WithFields(logrus.Fields{
		"signal_id":   res.SignalID,
		"instrument":  res.Instrument,
		"reject_step": res.RejectStep,
	}).Info("sizing rejected: " + res.RejectReason)
}

func (c *Chain) volTarget(_ float64, in Input) (float64, string, bool) {
	if in.InstrumentVol <= 0 {
		return 0, "instrument volatility unavailable", false
	}
	v := c.cfg.Capital * c.cfg.TargetVolPct / in.InstrumentVol
	return v, fmt.Sprintf("capital %.0f x target vol %.4f / vol %.4f = %.2f", c.cfg.Capital, c.cfg.TargetVolPct, in.InstrumentVol, v), true
}

// halfKelly converts the half-Kelly capital allocation into units at the
// signal's entry price.
func (c *Chain) halfKelly(_ float64, in Input) (float64, string, bool) {
	w, r := in.WinRate, in.RewardRisk
	if w <= 0 {
		w = c.cfg.DefaultWinRate
	}
	if r <= 0 {
		r = c.cfg.DefaultRewardRisk
	}
	if r <= 0 {
		return 0, "reward/risk ratio unavailable", false
	}
	kelly := w - (1-w)/r
	if kelly <= 0 {
		return 0, fmt.Sprintf("kelly fraction %.4f is not positive (win %.2f, r/r %.2f)", kelly, w, r), false
	}
	if in.Signal.EntryPrice <= 0 {
		return 0, "entry price unavailable", false
	}
	allocation := kelly / 2 * c.cfg.Capital
	v := allocation / in.Signal.EntryPrice
	return v, fmt.Sprintf("half kelly %.4f of capital = %.0f, %.2f units at %.2f", kelly/2, allocation, v, in.Signal.EntryPrice), true
}

func (c *Chain) riskPerTrade(_ float64, in Input) (float64, string, bool) {
	stop := in.Signal.StopDistance()
	if stop <= 0 {
		return 0, "stop distance is zero", false
	}
	v := c.cfg.Capital * c.cfg.MaxRiskPct / stop
	return v, fmt.Sprintf("risk %.0f / stop distance %.2f = %.2f", c.cfg.Capital*c.cfg.MaxRiskPct, stop, v), true
}

func (c *Chain) vixOverlay(size float64, in Input) (float64, string, bool) {
	if c.cfg.VIXHalvingThreshold > 0 && in.VIX > c.cfg.VIXHalvingThreshold {
		return size / 2, fmt.Sprintf("vix %.2f above %.2f, halved", in.VIX, c.cfg.VIXHalvingThreshold), true
	}
	return size, fmt.Sprintf("vix %.2f within threshold", in.VIX), true
}

func (c *Chain) diversify(size float64, in Input) (float64, string, bool) {
	if c.cfg.CorrelationThreshold > 0 && in.Correlation > c.cfg.CorrelationThreshold {
		return size * c.cfg.DiversificationFactor, fmt.Sprintf("correlation %.2f above %.2f, x%.2f",
			in.Correlation, c.cfg.CorrelationThreshold, c.cfg.DiversificationFactor), true
	}
	return size, fmt.Sprintf("correlation %.2f within threshold", in.Correlation), true
}

func (c *Chain) sectorHeat(size float64, in Input) (float64, string, bool) {
	if in.SectorMarginPct > c.cfg.SectorLimit {
		return 0, fmt.Sprintf("sector margin %.1f%% exceeds %.1f%%", in.SectorMarginPct*100, c.cfg.SectorLimit*100), false
	}
	return size, fmt.Sprintf("sector margin %.1f%% within %.1f%%", in.SectorMarginPct*100, c.cfg.SectorLimit*100), true
}

func (c *Chain) positionCap(size float64, in Input) (float64, string, bool) {
	if c.cfg.MaxPositions > 0 && in.OpenPositions >= c.cfg.MaxPositions {
		return 0, fmt.Sprintf("%d open positions, cap %d", in.OpenPositions, c.cfg.MaxPositions), false
	}
	return size, fmt.Sprintf("%d open positions, cap %d", in.OpenPositions, c.cfg.MaxPositions), true
}

func (c *Chain) marginReserve(size float64, in Input) (float64, string, bool) {
	if in.FreeMarginPct < c.cfg.MarginReservePct {
		return 0, fmt.Sprintf("free margin %.1f%% below reserve %.1f%%", in.FreeMarginPct*100, c.cfg.MarginReservePct*100), false
	}
	return size, fmt.Sprintf("free margin %.1f%%", in.FreeMarginPct*100), true
}
