package regime

import (
	"math"
	"time"
)

// Phase is the coarse market classification. Phases are unordered.
type Phase string

const (
	PhaseBullish    Phase = "BULLISH"
	PhaseBearish    Phase = "BEARISH"
	PhaseCongestion Phase = "CONGESTION"
	PhaseBlowoff    Phase = "BLOWOFF"
)

func (p Phase) String() string {
	return string(p)
}

// VolFlag is a volatility-index overlay flag.
type VolFlag string

const (
	// FlagLowVol marks a volatility index below the low threshold; premium is
	// too thin to sell and trend scores are clamped.
	FlagLowVol VolFlag = "LOW_VOL"
	// FlagElevatedVol marks a rich but tradeable premium environment.
	FlagElevatedVol VolFlag = "ELEVATED_VOL"
	// FlagHaltShortVega blocks every premium-selling strategy.
	FlagHaltShortVega VolFlag = "HALT_SHORT_VEGA"
)

// MomentumColor is the trend-momentum reading.
type MomentumColor string

const (
	MomentumGreen      MomentumColor = "GREEN"
	MomentumLightGreen MomentumColor = "LIGHT_GREEN"
	MomentumRed        MomentumColor = "RED"
	MomentumLightRed   MomentumColor = "LIGHT_RED"
	MomentumNeutral    MomentumColor = "NEUTRAL"
)

// CloudPosition is where price sits relative to the trend cloud.
type CloudPosition string

const (
	CloudAbove  CloudPosition = "ABOVE"
	CloudBelow  CloudPosition = "BELOW"
	CloudInside CloudPosition = "INSIDE"
)

// Indicators holds the independent sub-indicator readings behind a score.
type Indicators struct {
	Cloud      CloudPosition `json:"cloud"`
	Momentum   MomentumColor `json:"momentum"`
	Congestion bool          `json:"congestion"`
	BlowOff    bool          `json:"blow_off"`
}

// Snapshot is an immutable, versioned regime classification.
type Snapshot struct {
	Version   int64      `json:"version"`
	Phase     Phase      `json:"phase"`
	Score     float64    `json:"score"`
	VIX       float64    `json:"vix"`
	Flags     []VolFlag  `json:"flags"`
	Signals   Indicators `json:"signals"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasFlag reports whether flag is active.
func (s Snapshot) HasFlag(flag VolFlag) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// PremiumSellingAllowed reports whether the volatility flags permit selling
// option premium.
func (s Snapshot) PremiumSellingAllowed() bool {
	return !s.HasFlag(FlagHaltShortVega) && !s.HasFlag(FlagLowVol)
}

// SameObservation compares every observable field except Version and
// UpdatedAt. VIX is compared with tolerance vixTol.
func (s Snapshot) SameObservation(o Snapshot, vixTol float64) bool {
	if s.Phase != o.Phase || s.Score != o.Score || s.Signals != o.Signals {
		return false
	}
	if math.Abs(s.VIX-o.VIX) > vixTol {
		return false
	}
	if len(s.Flags) != len(o.Flags) {
		return false
	}
	for i := range s.Flags {
		if s.Flags[i] != o.Flags[i] {
			return false
		}
	}
	return true
}
