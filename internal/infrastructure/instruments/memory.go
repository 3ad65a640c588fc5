package instruments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "optcore/internal/domain/entity/instruments"
	"optcore/internal/domain/interfaces"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process catalog for tests and dry runs.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]domain.Contract
}

var _ interfaces.InstrumentsRepository = (*MemoryRepository)(nil)

func NewMemoryRepository(seed ...domain.Contract) *MemoryRepository {
	r := &MemoryRepository{rows: make(map[string]domain.Contract)}
	for i := range seed {
		_ = r.Upsert(context.Background(), &seed[i])
	}
	return r
}

func (r *MemoryRepository) Upsert(_ context.Context, contract *domain.Contract) error {
	if contract == nil {
		return errors.New("contract is nil")
	}
	if err := contract.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.rows[contract.Symbol]; ok {
		contract.UID = prev.UID
	} else if contract.UID == uuid.Nil {
		contract.UID = uuid.New()
	}
	contract.UpdatedAt = time.Now().UTC()
	r.rows[contract.Symbol] = *contract
	return nil
}

func (r *MemoryRepository) UpsertMany(ctx context.Context, contracts []domain.Contract) error {
	for i := range contracts {
		if err := contracts[i].Validate(); err != nil {
			return err
		}
	}
	for i := range contracts {
		if err := r.Upsert(ctx, &contracts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, symbol string) (*domain.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rows[symbol]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", symbol, interfaces.ErrNotFound)
	}
	return &c, nil
}

func (r *MemoryRepository) ListByUnderlying(_ context.Context, underlying string) ([]domain.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Contract
	for _, c := range r.rows {
		if c.Underlying == underlying || c.Symbol == underlying {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[symbol]; !ok {
		return fmt.Errorf("instrument %s: %w", symbol, interfaces.ErrNotFound)
	}
	delete(r.rows, symbol)
	return nil
}

func (r *MemoryRepository) Close() {}
