package safety

import "time"

// BreakerKind names one circuit breaker.
type BreakerKind string

const (
	BreakerDailyMaxLoss  BreakerKind = "DAILY_MAX_LOSS"
	BreakerOrderRate     BreakerKind = "ORDER_RATE"
	BreakerGrossNotional BreakerKind = "GROSS_NOTIONAL"
	BreakerConcentration BreakerKind = "UNDERLYING_CONCENTRATION"
	BreakerUnhedged      BreakerKind = "UNHEDGED_EXPOSURE"
)

// BreakerResult is the outcome of one breaker check. KillSwitch means the
// whole system must halt, not just the current order.
type BreakerResult struct {
	Kind       BreakerKind `json:"kind"`
	Tripped    bool        `json:"tripped"`
	Message    string      `json:"message"`
	KillSwitch bool        `json:"kill_switch"`
	ForceClose []string    `json:"force_close,omitempty"`
}

// Status aggregates every breaker evaluated in one check.
type Status struct {
	AllClear  bool            `json:"all_clear"`
	Tripped   []BreakerResult `json:"tripped"`
	Results   []BreakerResult `json:"results"`
	CheckedAt time.Time       `json:"checked_at"`
}

// NewStatus derives the aggregate flags from results.
func NewStatus(results []BreakerResult, at time.Time) Status {
	st := Status{AllClear: true, Results: results, CheckedAt: at}
	for _, r := range results {
		if r.Tripped {
			st.AllClear = false
			st.Tripped = append(st.Tripped, r)
		}
	}
	return st
}

// KillRequired reports whether any tripped breaker demands a full halt.
func (s Status) KillRequired() bool {
	for _, r := range s.Tripped {
		if r.KillSwitch {
			return true
		}
	}
	return false
}

// Has reports whether kind tripped.
func (s Status) Has(kind BreakerKind) bool {
	for _, r := range s.Tripped {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

// ForceClose lists every position key a breaker asked to close.
func (s Status) ForceClose() []string {
	var keys []string
	for _, r := range s.Tripped {
		keys = append(keys, r.ForceClose...)
	}
	return keys
}

// Reason joins the tripped breaker messages.
func (s Status) Reason() string {
	out := ""
	for i, r := range s.Tripped {
		if i > 0 {
			out += "; "
		}
		out += string(r.Kind) + ": " + r.Message
	}
	return out
}
