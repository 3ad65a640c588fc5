package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/interfaces"
)

func TestMemoryArchiveCandles(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()
	base := time.Date(2025, 1, 2, 9, 15, 0, 0, time.UTC)
	var batch []domain.Candle
	for i := 0; i < 5; i++ {
		batch = append(batch, domain.Candle{Symbol: "NIFTY", IntervalSeconds: 60, PeriodStart: base.Add(time.Duration(i) * time.Minute), Close: float64(100 + i)})
	}
	if err := a.AddCandles(ctx, batch); err != nil {
		t.Fatal(err)
	}
	replay := batch[0]
	replay.Close = 999
	if err := a.AddCandles(ctx, []domain.Candle{replay}); err != nil {
		t.Fatal(err)
	}

	last, err := a.LastCandles(ctx, "NIFTY", 60, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 3 || last[0].Close != 102 || last[2].Close != 104 {
		t.Fatalf("LastCandles = %+v", last)
	}
	all, _ := a.CandlesBetween(ctx, "NIFTY", 60, base, base.Add(time.Hour))
	if len(all) != 5 || all[0].Close != 100 {
		t.Fatalf("replayed bar overwrote archive: %+v", all)
	}
	if _, err := a.LastCandles(ctx, "NIFTY", 60, 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestMemoryArchiveVIX(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()
	if _, err := a.LastVIX(ctx); !errors.Is(err, interfaces.ErrNotFound) {
		t.Fatalf("empty LastVIX err = %v", err)
	}
	now := time.Now()
	_ = a.AddVIXTicks(ctx, []domain.VIXTick{{Value: 14, At: now}, {Value: 12, At: now.Add(-time.Minute)}})
	got, err := a.LastVIX(ctx)
	if err != nil || got.Value != 14 {
		t.Fatalf("LastVIX = %+v, %v", got, err)
	}
}
