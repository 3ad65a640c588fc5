package interfaces

import (
	"context"

	"optcore/internal/domain/entity/position"

	"github.com/shopspring/decimal"
)

// PositionStore persists the position book: one row per key, a single
// global version row and the realised P&L of each trading day. Removals and
// full flushes carry the day's running total in the same write.
type PositionStore interface {
	Upsert(ctx context.Context, pos position.Position, version int64) error
	Delete(ctx context.Context, key string, version int64, realized position.DailyPnL) error
	ReplaceAll(ctx context.Context, positions map[string]position.Position, version int64, realized position.DailyPnL) error
	LoadAll(ctx context.Context) (map[string]position.Position, int64, error)
	LoadRealized(ctx context.Context, day string) (decimal.Decimal, error)
	Close()
}
