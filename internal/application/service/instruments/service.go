package instruments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"optcore/internal/application/service/sizing"
	domain "optcore/internal/domain/entity/instruments"
	"optcore/internal/domain/interfaces"

	"golang.org/x/sync/singleflight"
)

var ErrNilContract = errors.New("contract is nil")

// Service is the contract catalog. It resolves lot sizes for the sizing chain
// with a read-through cache, falling back to a static table for symbols the
// catalog does not carry.
type Service struct {
	repo     interfaces.InstrumentsRepository
	fallback sizing.LotResolver

	mu    sync.RWMutex
	cache map[string]domain.Contract
	group singleflight.Group
}

var _ sizing.LotResolver = (*Service)(nil)

func NewService(repo interfaces.InstrumentsRepository, fallback sizing.LotResolver) *Service {
	return &Service{
		repo:     repo,
		fallback: fallback,
		cache:    make(map[string]domain.Contract),
	}
}

func (s *Service) UpsertContract(ctx context.Context, contract *domain.Contract) error {
	if contract == nil {
		return ErrNilContract
	}
	if err := s.repo.Upsert(ctx, contract); err != nil {
		return err
	}
	s.store(*contract)
	return nil
}

// Refresh replaces the cached view with a bulk catalog load.
func (s *Service) Refresh(ctx context.Context, contracts []domain.Contract) error {
	if err := s.repo.UpsertMany(ctx, contracts); err != nil {
		return err
	}
	for _, c := range contracts {
		s.store(c)
	}
	return nil
}

func (s *Service) GetContract(ctx context.Context, symbol string) (*domain.Contract, error) {
	s.mu.RLock()
	c, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok {
		return &c, nil
	}
	v, err, _ := s.group.Do(symbol, func() (interface{}, error) {
		return s.repo.Get(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	contract := v.(*domain.Contract)
	s.store(*contract)
	cp := *contract
	return &cp, nil
}

func (s *Service) Chain(ctx context.Context, underlying string) ([]domain.Contract, error) {
	return s.repo.ListByUnderlying(ctx, underlying)
}

func (s *Service) DeleteContract(ctx context.Context, symbol string) error {
	if err := s.repo.Delete(ctx, symbol); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, symbol)
	s.mu.Unlock()
	return nil
}

// LotSize implements sizing.LotResolver.
func (s *Service) LotSize(ctx context.Context, symbol string) (int64, error) {
	c, err := s.GetContract(ctx, symbol)
	if err == nil {
		return c.LotSize, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return 0, fmt.Errorf("resolve lot %s: %w", symbol, err)
	}
	if s.fallback != nil {
		return s.fallback.LotSize(ctx, symbol)
	}
	return 0, fmt.Errorf("%s: %w", symbol, sizing.ErrUnknownLot)
}

// Sector returns the catalog sector of symbol, or "" when unknown.
func (s *Service) Sector(ctx context.Context, symbol string) string {
	c, err := s.GetContract(ctx, symbol)
	if err != nil {
		return ""
	}
	return c.Sector
}

func (s *Service) store(c domain.Contract) {
	s.mu.Lock()
	s.cache[c.Symbol] = c
	s.mu.Unlock()
}
