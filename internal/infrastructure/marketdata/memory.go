package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/interfaces"
)

type candleKey struct {
	symbol   string
	interval int64
	start    int64
}

// MemoryArchive keeps the archive in process. Used by tests and when no
// database DSN is configured.
type MemoryArchive struct {
	mu      sync.RWMutex
	candles map[candleKey]domain.Candle
	vix     []domain.VIXTick
	depth   []domain.DepthSnapshot
}

var _ interfaces.MarketDataArchive = (*MemoryArchive)(nil)

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{candles: make(map[candleKey]domain.Candle)}
}

func (m *MemoryArchive) AddCandles(_ context.Context, candles []domain.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		k := candleKey{c.Symbol, c.IntervalSeconds, c.PeriodStart.UnixNano()}
		if _, ok := m.candles[k]; !ok {
			m.candles[k] = c
		}
	}
	return nil
}

func (m *MemoryArchive) series(symbol string, interval int64) []domain.Candle {
	var out []domain.Candle
	for k, c := range m.candles {
		if k.symbol == symbol && k.interval == interval {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out
}

func (m *MemoryArchive) LastCandles(_ context.Context, symbol string, intervalSeconds int64, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.series(symbol, intervalSeconds)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *MemoryArchive) CandlesBetween(_ context.Context, symbol string, intervalSeconds int64, from, to time.Time) ([]domain.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Candle
	for _, c := range m.series(symbol, intervalSeconds) {
		if !c.PeriodStart.Before(from) && !c.PeriodStart.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryArchive) AddVIXTicks(_ context.Context, ticks []domain.VIXTick) error {
	m.mu.Lock()
	m.vix = append(m.vix, ticks...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryArchive) LastVIX(_ context.Context) (*domain.VIXTick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.vix) == 0 {
		return nil, fmt.Errorf("vix: %w", interfaces.ErrNotFound)
	}
	latest := m.vix[0]
	for _, t := range m.vix[1:] {
		if !t.At.Before(latest.At) {
			latest = t
		}
	}
	return &latest, nil
}

func (m *MemoryArchive) AddDepthSnapshots(_ context.Context, snapshots []domain.DepthSnapshot) error {
	m.mu.Lock()
	m.depth = append(m.depth, snapshots...)
	m.mu.Unlock()
	return nil
}

// DepthCount reports how many depth snapshots were archived.
func (m *MemoryArchive) DepthCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.depth)
}

func (m *MemoryArchive) Close() {}
