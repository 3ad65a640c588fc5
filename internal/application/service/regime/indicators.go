package regime

import (
	"math"

	"optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/regime"
)

// IndicatorConfig holds the look-back windows of the sub-indicators.
type IndicatorConfig struct {
	ConversionPeriod int // cloud fast line
	BasePeriod       int // cloud slow line
	SpanBPeriod      int
	MACDFast         int
	MACDSlow         int
	MACDSignal       int
	CongestionBars   int
	// CongestionPct is the max N-bar range as a fraction of close.
	CongestionPct float64
	BlowoffBars   int
	// BlowoffRangeMult flags a bar whose range exceeds this multiple of the
	// average range of the preceding bars.
	BlowoffRangeMult float64
	BlowoffMovePct   float64
}

func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		ConversionPeriod: 9,
		BasePeriod:       26,
		SpanBPeriod:      52,
		MACDFast:         12,
		MACDSlow:         26,
		MACDSignal:       9,
		CongestionBars:   20,
		CongestionPct:    0.015,
		BlowoffBars:      20,
		BlowoffRangeMult: 3,
		BlowoffMovePct:   0.02,
	}
}

// Evaluate computes every sub-indicator over candles, oldest first.
func Evaluate(candles []marketdata.Candle, cfg IndicatorConfig) regime.Indicators {
	return regime.Indicators{
		Cloud:      CloudPosition(candles, cfg),
		Momentum:   Momentum(candles, cfg),
		Congestion: Congestion(candles, cfg),
		BlowOff:    BlowOff(candles, cfg),
	}
}

// CloudPosition places the last close against a cloud built from the
// midpoints of the high/low range over three windows.
func CloudPosition(candles []marketdata.Candle, cfg IndicatorConfig) regime.CloudPosition {
	if len(candles) < cfg.ConversionPeriod {
		return regime.CloudInside
	}
	conversion := midpoint(candles, cfg.ConversionPeriod)
	base := midpoint(candles, cfg.BasePeriod)
	spanA := (conversion + base) / 2
	spanB := midpoint(candles, cfg.SpanBPeriod)
	top, bottom := math.Max(spanA, spanB), math.Min(spanA, spanB)

	last := candles[len(candles)-1].Close
	switch {
	case last > top:
		return regime.CloudAbove
	case last < bottom:
		return regime.CloudBelow
	default:
		return regime.CloudInside
	}
}

// Momentum colours the MACD histogram by its sign and its slope.
func Momentum(candles []marketdata.Candle, cfg IndicatorConfig) regime.MomentumColor {
	if len(candles) < cfg.MACDSlow+cfg.MACDSignal {
		return regime.MomentumNeutral
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	fast := ema(closes, cfg.MACDFast)
	slow := ema(closes, cfg.MACDSlow)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fast[i] - slow[i]
	}
	signal := ema(macd, cfg.MACDSignal)
	n := len(closes)
	hist, prev := macd[n-1]-signal[n-1], macd[n-2]-signal[n-2]

	switch {
	case hist > 0 && hist >= prev:
		return regime.MomentumGreen
	case hist > 0:
		return regime.MomentumLightGreen
	case hist < 0 && hist <= prev:
		return regime.MomentumRed
	case hist < 0:
		return regime.MomentumLightRed
	default:
		return regime.MomentumNeutral
	}
}

// Congestion reports a tight range over the last CongestionBars bars.
func Congestion(candles []marketdata.Candle, cfg IndicatorConfig) bool {
	if cfg.CongestionBars <= 0 || len(candles) < cfg.CongestionBars {
		return false
	}
	window := candles[len(candles)-cfg.CongestionBars:]
	hi, lo := highLow(window)
	last := window[len(window)-1].Close
	if last <= 0 {
		return false
	}
	return (hi-lo)/last <= cfg.CongestionPct
}

// BlowOff reports an outsized final bar: its range dwarfs the recent average
// and its close moved sharply from the previous close.
func BlowOff(candles []marketdata.Candle, cfg IndicatorConfig) bool {
	if cfg.BlowoffBars <= 0 || len(candles) < cfg.BlowoffBars+1 {
		return false
	}
	last := candles[len(candles)-1]
	prior := candles[len(candles)-1-cfg.BlowoffBars : len(candles)-1]
	var sum float64
	for _, c := range prior {
		sum += c.Range()
	}
	avg := sum / float64(len(prior))
	prevClose := prior[len(prior)-1].Close
	if avg <= 0 || prevClose <= 0 {
		return false
	}
	move := math.Abs(last.Close-prevClose) / prevClose
	return last.Range() > cfg.BlowoffRangeMult*avg && move >= cfg.BlowoffMovePct
}

// Score turns the readings into a trend score in [-7, 7].
func Score(ind regime.Indicators) float64 {
	var score float64
	switch ind.Cloud {
	case regime.CloudAbove:
		score += 4
	case regime.CloudBelow:
		score -= 4
	}
	switch ind.Momentum {
	case regime.MomentumGreen:
		score += 3
	case regime.MomentumLightGreen:
		score++
	case regime.MomentumRed:
		score -= 3
	case regime.MomentumLightRed:
		score--
	}
	return score
}

// ScoreToPhase maps a score and the override flags to a phase. Blow-off wins
// over congestion, which wins over the score.
func ScoreToPhase(score float64, ind regime.Indicators) regime.Phase {
	switch {
	case ind.BlowOff:
		return regime.PhaseBlowoff
	case ind.Congestion:
		return regime.PhaseCongestion
	case score >= 5:
		return regime.PhaseBullish
	case score <= -5:
		return regime.PhaseBearish
	default:
		return regime.PhaseCongestion
	}
}

func midpoint(candles []marketdata.Candle, period int) float64 {
	if period > len(candles) {
		period = len(candles)
	}
	hi, lo := highLow(candles[len(candles)-period:])
	return (hi + lo) / 2
}

func highLow(candles []marketdata.Candle) (float64, float64) {
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, c := range candles {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return hi, lo
}

func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	k := 2 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}
