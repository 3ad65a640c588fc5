package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	marketdata "optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/signal"
	"optcore/internal/domain/interfaces"
	"optcore/internal/pkg/batch"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidLimit    = errors.New("limit must be positive")
	ErrInvalidInterval = errors.New("interval seconds must be positive")
)

type CandleHandler interface {
	OnCandle(marketdata.Candle)
}

type VIXHandler interface {
	OnVIX(float64)
}

type QuoteHandler interface {
	OnQuote(marketdata.Quote)
}

// Freshness is the subset of the freshness gate fed by inbound data.
type Freshness interface {
	ObserveQuote(marketdata.Quote)
	UpdateDepth(symbol string)
	UpdateAnalytics(feed marketdata.AnalyticsFeed, underlying string)
	RecordFeedSwitch(symbol string)
	UpdateVIX()
}

type SignalSubmitter interface {
	Submit(signal.Signal) bool
}

type Config struct {
	ArchiveBatch   int
	ArchiveTimeout time.Duration
	ArchiveDepth   bool
}

type Deps struct {
	Candles   []CandleHandler
	VIX       []VIXHandler
	Quotes    []QuoteHandler
	Freshness Freshness
	Signals   SignalSubmitter
	// Archive is optional; without it nothing is persisted.
	Archive interfaces.MarketDataArchive
}

// Service is the single entry point for inbound market data and signals. It
// fans every message out to its consumers and archives bars in batches.
type Service struct {
	cfg    Config
	deps   Deps
	logger *logrus.Entry

	candles *batch.Buffer[marketdata.Candle]
	vix     *batch.Buffer[marketdata.VIXTick]
	depth   *batch.Buffer[marketdata.DepthSnapshot]
}

func NewService(cfg Config, deps Deps, logger *logrus.Logger) *Service {
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = 100
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 2 * time.Second
	}
	s := &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithField("component", "marketdata"),
	}
	if deps.Archive != nil {
		bc := batch.Config{Size: cfg.ArchiveBatch, Timeout: cfg.ArchiveTimeout}
		s.candles = batch.New[marketdata.Candle](bc, deps.Archive.AddCandles, s.logger.WithField("archive", "candles"))
		s.vix = batch.New[marketdata.VIXTick](bc, deps.Archive.AddVIXTicks, s.logger.WithField("archive", "vix"))
		if cfg.ArchiveDepth {
			s.depth = batch.New[marketdata.DepthSnapshot](bc, deps.Archive.AddDepthSnapshots, s.logger.WithField("archive", "depth"))
		}
	}
	return s
}

// Start arms the archive flush timers.
func (s *Service) Start(ctx context.Context) {
	if s.candles != nil {
		s.candles.Start(ctx)
		s.vix.Start(ctx)
	}
	if s.depth != nil {
		s.depth.Start(ctx)
	}
}

// Flush writes whatever the archive buffers still hold.
func (s *Service) Flush(ctx context.Context) error {
	var errs []error
	if s.candles != nil {
		errs = append(errs, s.candles.Drain(ctx), s.vix.Drain(ctx))
	}
	if s.depth != nil {
		errs = append(errs, s.depth.Drain(ctx))
	}
	return errors.Join(errs...)
}

func (s *Service) OnCandle(c marketdata.Candle) {
	for _, h := range s.deps.Candles {
		h.OnCandle(c)
	}
	if s.candles != nil && c.IntervalSeconds > 0 {
		s.archive("candle", s.candles.Add(c))
	}
}

func (s *Service) OnVIX(t marketdata.VIXTick) {
	if s.deps.Freshness != nil {
		s.deps.Freshness.UpdateVIX()
	}
	for _, h := range s.deps.VIX {
		h.OnVIX(t.Value)
	}
	if s.vix != nil {
		if t.At.IsZero() {
			t.At = time.Now().UTC()
		}
		s.archive("vix", s.vix.Add(t))
	}
}

func (s *Service) OnQuote(q marketdata.Quote) {
	if s.deps.Freshness != nil {
		s.deps.Freshness.ObserveQuote(q)
	}
	for _, h := range s.deps.Quotes {
		h.OnQuote(q)
	}
}

// OnDepth stamps depth freshness only for books with both sides populated.
func (s *Service) OnDepth(d marketdata.DepthSnapshot) {
	if !d.Usable() {
		s.logger.WithField("symbol", d.Symbol).Debug("one-sided depth snapshot ignored")
		return
	}
	if s.deps.Freshness != nil {
		s.deps.Freshness.UpdateDepth(d.Symbol)
	}
	if s.depth != nil {
		s.archive("depth", s.depth.Add(d))
	}
}

func (s *Service) OnAnalytics(a marketdata.Analytics) {
	if s.deps.Freshness != nil {
		s.deps.Freshness.UpdateAnalytics(a.Feed, a.Underlying)
	}
}

func (s *Service) OnFeedSwitch(f marketdata.FeedSwitch) {
	s.logger.WithFields(logrus.Fields{
		"symbol": f.Symbol,
		"from":   f.From,
		"to":     f.To,
	}).Warn("quote feed switched")
	if s.deps.Freshness != nil {
		s.deps.Freshness.RecordFeedSwitch(f.Symbol)
	}
}

func (s *Service) OnSignal(sig signal.Signal) bool {
	if s.deps.Signals == nil {
		return false
	}
	return s.deps.Signals.Submit(sig)
}

// WarmStart replays archived bars for symbol into the candle handlers so
// indicators are primed before the first live bar. It returns the number of
// bars replayed.
func (s *Service) WarmStart(ctx context.Context, symbol string, intervalSeconds int64, limit int) (int, error) {
	if s.deps.Archive == nil {
		return 0, nil
	}
	if intervalSeconds <= 0 {
		return 0, ErrInvalidInterval
	}
	if limit <= 0 {
		return 0, ErrInvalidLimit
	}
	bars, err := s.deps.Archive.LastCandles(ctx, symbol, intervalSeconds, limit)
	if err != nil {
		return 0, fmt.Errorf("load history for %s: %w", symbol, err)
	}
	for _, c := range bars {
		for _, h := range s.deps.Candles {
			h.OnCandle(c)
		}
	}
	if tick, err := s.deps.Archive.LastVIX(ctx); err == nil {
		for _, h := range s.deps.VIX {
			h.OnVIX(tick.Value)
		}
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		s.logger.WithError(err).Warn("load last vix")
	}
	s.logger.WithFields(logrus.Fields{"symbol": symbol, "bars": len(bars)}).Info("warm start complete")
	return len(bars), nil
}

func (s *Service) History(ctx context.Context, symbol string, intervalSeconds int64, from, to time.Time) ([]marketdata.Candle, error) {
	if s.deps.Archive == nil {
		return nil, nil
	}
	if intervalSeconds <= 0 {
		return nil, ErrInvalidInterval
	}
	if from.After(to) {
		from, to = to, from
	}
	return s.deps.Archive.CandlesBetween(ctx, symbol, intervalSeconds, from, to)
}

func (s *Service) archive(kind string, err error) {
	if err != nil {
		s.logger.WithError(err).WithField("kind", kind).Warn("archive buffer add failed")
	}
}
