package marketdata

import (
	"context"
	"io"
	"testing"
	"time"

	marketdata "optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/signal"
	archive "optcore/internal/infrastructure/marketdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type sink struct {
	candles []marketdata.Candle
	vix     []float64
	quotes  []marketdata.Quote
}

func (s *sink) OnCandle(c marketdata.Candle) { s.candles = append(s.candles, c) }
func (s *sink) OnVIX(v float64)              { s.vix = append(s.vix, v) }
func (s *sink) OnQuote(q marketdata.Quote)   { s.quotes = append(s.quotes, q) }

type freshness struct {
	quotes, depth, switches, vix int
	analytics                    []marketdata.AnalyticsFeed
}

func (f *freshness) ObserveQuote(marketdata.Quote) { f.quotes++ }
func (f *freshness) UpdateDepth(string)            { f.depth++ }
func (f *freshness) RecordFeedSwitch(string)       { f.switches++ }
func (f *freshness) UpdateVIX()                    { f.vix++ }
func (f *freshness) UpdateAnalytics(feed marketdata.AnalyticsFeed, _ string) {
	f.analytics = append(f.analytics, feed)
}

type submitter struct{ got []signal.Signal }

func (s *submitter) Submit(sig signal.Signal) bool {
	s.got = append(s.got, sig)
	return true
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestServiceFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &sink{}
	fr := &freshness{}
	sub := &submitter{}
	arc := archive.NewMemoryArchive()
	svc := NewService(Config{ArchiveBatch: 10, ArchiveTimeout: time.Hour, ArchiveDepth: true}, Deps{
		Candles:   []CandleHandler{h},
		VIX:       []VIXHandler{h},
		Quotes:    []QuoteHandler{h},
		Freshness: fr,
		Signals:   sub,
		Archive:   arc,
	}, quietLogger())
	svc.Start(ctx)

	start := time.Date(2025, 1, 2, 9, 15, 0, 0, time.UTC)
	svc.OnCandle(marketdata.Candle{Symbol: "NIFTY", IntervalSeconds: 60, PeriodStart: start, Close: 100})
	svc.OnVIX(marketdata.VIXTick{Value: 13.5, At: start})
	svc.OnQuote(marketdata.Quote{Symbol: "NIFTY", Kind: marketdata.QuoteUnderlying, LTP: decimal.NewFromInt(22000)})
	svc.OnDepth(marketdata.DepthSnapshot{Symbol: "X", Bids: []marketdata.OrderBookLevel{{Price: 1, Quantity: 1}}})
	svc.OnDepth(marketdata.DepthSnapshot{
		Symbol: "X",
		Bids:   []marketdata.OrderBookLevel{{Price: 1, Quantity: 1}},
		Asks:   []marketdata.OrderBookLevel{{Price: 2, Quantity: 1}},
	})
	svc.OnAnalytics(marketdata.Analytics{Feed: marketdata.FeedIV, Underlying: "NIFTY"})
	svc.OnFeedSwitch(marketdata.FeedSwitch{Symbol: "NIFTY", From: "a", To: "b"})
	if !svc.OnSignal(signal.Signal{ID: "s1"}) {
		t.Fatal("signal not submitted")
	}

	if len(h.candles) != 1 || len(h.vix) != 1 || len(h.quotes) != 1 {
		t.Fatalf("handlers = %+v", h)
	}
	if fr.quotes != 1 || fr.depth != 1 || fr.switches != 1 || fr.vix != 1 || len(fr.analytics) != 1 {
		t.Fatalf("freshness = %+v", fr)
	}
	if len(sub.got) != 1 {
		t.Fatalf("signals = %d", len(sub.got))
	}

	if err := svc.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	bars, err := arc.LastCandles(ctx, "NIFTY", 60, 10)
	if err != nil || len(bars) != 1 {
		t.Fatalf("archived bars = %v, %v", bars, err)
	}
	if arc.DepthCount() != 1 {
		t.Fatalf("archived depth = %d", arc.DepthCount())
	}
}

func TestWarmStart(t *testing.T) {
	ctx := context.Background()
	arc := archive.NewMemoryArchive()
	start := time.Date(2025, 1, 2, 9, 15, 0, 0, time.UTC)
	var bars []marketdata.Candle
	for i := 0; i < 30; i++ {
		bars = append(bars, marketdata.Candle{Symbol: "NIFTY", IntervalSeconds: 300, PeriodStart: start.Add(time.Duration(i) * 5 * time.Minute), Close: float64(100 + i)})
	}
	_ = arc.AddCandles(ctx, bars)
	_ = arc.AddVIXTicks(ctx, []marketdata.VIXTick{{Value: 16, At: start}})

	h := &sink{}
	svc := NewService(Config{}, Deps{Candles: []CandleHandler{h}, VIX: []VIXHandler{h}, Archive: arc}, quietLogger())

	n, err := svc.WarmStart(ctx, "NIFTY", 300, 20)
	if err != nil || n != 20 {
		t.Fatalf("WarmStart = %d, %v", n, err)
	}
	if len(h.candles) != 20 || h.candles[0].Close != 110 || h.candles[19].Close != 129 {
		t.Fatalf("replayed = %d bars, first %v", len(h.candles), h.candles[0].Close)
	}
	if len(h.vix) != 1 || h.vix[0] != 16 {
		t.Fatalf("vix replay = %v", h.vix)
	}
	if _, err := svc.WarmStart(ctx, "NIFTY", 0, 20); err != ErrInvalidInterval {
		t.Fatalf("zero interval err = %v", err)
	}

	hist, err := svc.History(ctx, "NIFTY", 300, start.Add(time.Hour), start)
	if err != nil || len(hist) != 13 {
		t.Fatalf("History = %d, %v", len(hist), err)
	}
}
