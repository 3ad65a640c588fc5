package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/interfaces"
)

// MemoryStore is an in-process CommandStore for paper trading and tests. Each
// method is atomic with respect to the others, mirroring a single statement
// against the Postgres table.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*command.Command
	keys   map[string]int64
}

var _ interfaces.CommandStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[int64]*command.Command),
		keys: make(map[string]int64),
	}
}

func (m *MemoryStore) Insert(_ context.Context, cmd *command.Command) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[cmd.IdempotencyKey]; exists {
		return 0, interfaces.ErrDuplicateKey
	}
	m.nextID++
	row := cmd.Clone()
	row.ID = m.nextID
	m.rows[row.ID] = &row
	m.keys[row.IdempotencyKey] = row.ID
	cmd.ID = row.ID
	return row.ID, nil
}

func (m *MemoryStore) Claim(_ context.Context, token string, now time.Time, lease time.Duration) (*command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidate *command.Command
	for _, row := range m.rows {
		if row.Status != command.StatusPending || row.NextRetryAt.After(now) {
			continue
		}
		if candidate == nil || row.NextRetryAt.Before(candidate.NextRetryAt) ||
			(row.NextRetryAt.Equal(candidate.NextRetryAt) && row.ID < candidate.ID) {
			candidate = row
		}
	}
	if candidate == nil {
		return nil, nil
	}
	expires := now.Add(lease)
	candidate.Status = command.StatusProcessing
	candidate.OwnerToken = token
	candidate.LeaseExpires = &expires
	candidate.AttemptCount++
	candidate.UpdatedAt = now
	out := candidate.Clone()
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := row.Clone()
	return &out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id int64, token string, t command.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != command.StatusProcessing || row.OwnerToken != token {
		return false, nil
	}
	applyTransition(row, t)
	return true, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []command.Command
	for _, row := range m.rows {
		if row.Status == command.StatusProcessing && row.LeaseExpires != nil && row.LeaseExpires.Before(now) {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Release(_ context.Context, id int64, staleToken string, status command.Status, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != command.StatusProcessing || row.OwnerToken != staleToken {
		return false, nil
	}
	if row.LeaseExpires == nil || !row.LeaseExpires.Before(now) {
		return false, nil
	}
	t := command.Transition{Status: status, LastError: &reason, At: now}
	if status == command.StatusPending {
		t.NextRetryAt = &now
	}
	applyTransition(row, t)
	return true, nil
}

func (m *MemoryStore) RejectAll(_ context.Context, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.Status != command.StatusPending && row.Status != command.StatusProcessing {
			continue
		}
		row.Status = command.StatusFailed
		row.LastError = reason
		row.OwnerToken = ""
		row.LeaseExpires = nil
		row.UpdatedAt = now
		processed := now
		row.ProcessedAt = &processed
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[command.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[command.Status]int64)
	for _, row := range m.rows {
		out[row.Status]++
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status command.Status, limit int) ([]command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []command.Command
	for _, row := range m.rows {
		if row.Status == status {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() {}

func applyTransition(row *command.Command, t command.Transition) {
	row.Status = t.Status
	if t.LastError != nil {
		row.LastError = *t.LastError
	}
	if t.ErrorClass != nil {
		row.ErrorClass = *t.ErrorClass
	}
	if t.NextRetryAt != nil {
		row.NextRetryAt = *t.NextRetryAt
	}
	if t.BrokerOrderID != nil {
		row.BrokerOrderID = *t.BrokerOrderID
	}
	if t.CountDeferral {
		row.DeferCount++
	}
	row.OwnerToken = ""
	row.LeaseExpires = nil
	row.UpdatedAt = t.At
	if t.Status.IsTerminal() {
		at := t.At
		row.ProcessedAt = &at
	}
}
