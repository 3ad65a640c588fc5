package marketdata

import "time"

// Candle is one closed OHLCV bar for a symbol.
type Candle struct {
	Symbol          string    `json:"symbol"`
	IntervalSeconds int64     `json:"interval_seconds"`
	PeriodStart     time.Time `json:"period_start"`
	Open            float64   `json:"open"`
	High            float64   `json:"high"`
	Low             float64   `json:"low"`
	Close           float64   `json:"close"`
	Volume          int64     `json:"volume"`
}

// Range is high minus low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// VIXTick is one reading of the volatility index.
type VIXTick struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}
