package pipeline

import (
	"math"
	"sync"

	"optcore/internal/domain/entity/marketdata"
)

const defaultStatsWindow = 20

// Stats keeps a rolling window of closes per symbol for the sizing inputs.
type Stats struct {
	window int

	mu     sync.RWMutex
	closes map[string][]float64
}

func NewStats(window int) *Stats {
	if window < 3 {
		window = defaultStatsWindow
	}
	return &Stats{window: window, closes: make(map[string][]float64)}
}

func (s *Stats) OnCandle(c marketdata.Candle) {
	if c.Symbol == "" || c.Close <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	series := append(s.closes[c.Symbol], c.Close)
	if len(series) > s.window+1 {
		series = series[len(series)-s.window-1:]
	}
	s.closes[c.Symbol] = series
}

// Volatility is the standard deviation of bar-to-bar price changes, in price
// units. ok is false until two changes are known.
func (s *Stats) Volatility(symbol string) (float64, bool) {
	s.mu.RLock()
	diffs := changes(s.closes[symbol], false)
	s.mu.RUnlock()
	if len(diffs) < 2 {
		return 0, false
	}
	return stddev(diffs), true
}

// MaxCorrelation is the highest return correlation between symbol and any of
// others. A symbol correlates perfectly with itself.
func (s *Stats) MaxCorrelation(symbol string, others []string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	base := changes(s.closes[symbol], true)
	best := 0.0
	for _, o := range others {
		if o == symbol {
			return 1
		}
		c := pearson(base, changes(s.closes[o], true))
		if c > best {
			best = c
		}
	}
	return best
}

func changes(series []float64, relative bool) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		d := series[i] - series[i-1]
		if relative {
			d /= series[i-1]
		}
		out = append(out, d)
	}
	return out
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// pearson aligns a and b on their most recent values.
func pearson(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n < 3 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
