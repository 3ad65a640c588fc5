package interfaces

import (
	"context"

	"optcore/internal/domain/entity/instruments"
)

// InstrumentsRepository stores the contract catalog keyed by symbol.
type InstrumentsRepository interface {
	Upsert(ctx context.Context, contract *instruments.Contract) error
	UpsertMany(ctx context.Context, contracts []instruments.Contract) error
	Get(ctx context.Context, symbol string) (*instruments.Contract, error)
	// ListByUnderlying returns the underlying row itself plus its derivatives.
	ListByUnderlying(ctx context.Context, underlying string) ([]instruments.Contract, error)
	Delete(ctx context.Context, symbol string) error
	Close()
}
