package interfaces

import (
	"context"
	"time"

	"optcore/internal/domain/entity/marketdata"
)

// MarketDataArchive keeps closed candles, VIX readings and depth snapshots.
// Writes are idempotent on (symbol, interval, period start) for candles.
type MarketDataArchive interface {
	AddCandles(ctx context.Context, candles []marketdata.Candle) error
	// LastCandles returns up to limit most recent candles, oldest first.
	LastCandles(ctx context.Context, symbol string, intervalSeconds int64, limit int) ([]marketdata.Candle, error)
	CandlesBetween(ctx context.Context, symbol string, intervalSeconds int64, from, to time.Time) ([]marketdata.Candle, error)
	AddVIXTicks(ctx context.Context, ticks []marketdata.VIXTick) error
	LastVIX(ctx context.Context) (*marketdata.VIXTick, error)
	AddDepthSnapshots(ctx context.Context, snapshots []marketdata.DepthSnapshot) error
	Close()
}
