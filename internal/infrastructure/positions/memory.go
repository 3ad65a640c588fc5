package positions

import (
	"context"
	"sync"

	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/interfaces"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the persisted book in process. FailNext makes the next
// write fail, which tests use to check that the book never applies an
// unpersisted mutation.
type MemoryStore struct {
	mu       sync.Mutex
	rows     map[string]position.Position
	realized map[string]decimal.Decimal
	version  int64
	writes   int
	failNext error
}

var _ interfaces.PositionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:     make(map[string]position.Position),
		realized: make(map[string]decimal.Decimal),
	}
}

func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Writes reports how many successful writes the store has seen.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) Upsert(_ context.Context, pos position.Position, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.rows[pos.Key()] = pos
	m.bump(version)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string, version int64, realized position.DailyPnL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	delete(m.rows, key)
	m.setRealized(realized)
	m.bump(version)
	return nil
}

func (m *MemoryStore) ReplaceAll(_ context.Context, positions map[string]position.Position, version int64, realized position.DailyPnL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.setRealized(realized)
	m.rows = make(map[string]position.Position, len(positions))
	for k, v := range positions {
		m.rows[k] = v
	}
	m.bump(version)
	return nil
}

func (m *MemoryStore) LoadAll(_ context.Context) (map[string]position.Position, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]position.Position, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out, m.version, nil
}

func (m *MemoryStore) LoadRealized(_ context.Context, day string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized[day], nil
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) setRealized(r position.DailyPnL) {
	if r.Day != "" {
		m.realized[r.Day] = r.Amount
	}
}

func (m *MemoryStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MemoryStore) bump(version int64) {
	m.writes++
	if version > m.version {
		m.version = version
	}
}
