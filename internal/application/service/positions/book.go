package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/interfaces"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// ErrWriterClaimed is returned when a second subsystem asks for the writer.
	ErrWriterClaimed    = errors.New("position book writer already claimed")
	ErrPositionNotFound = errors.New("position not found")
)

// Reader is the read-only view every subsystem except execution receives.
type Reader interface {
	ReadSnapshot() position.Snapshot
	HasUnhedgedShort() []string
	Version() int64
}

// Book is the versioned, persisted position ledger. Mutations go through the
// single Writer returned by ClaimWriter.
type Book struct {
	mu        sync.RWMutex
	positions map[string]position.Position
	version   int64
	realized  position.DailyPnL

	claimed   atomic.Bool
	store     interfaces.PositionStore
	publisher interfaces.EventPublisher
	logger    *logrus.Entry
	now       func() time.Time
}

var _ Reader = (*Book)(nil)

func NewBook(store interfaces.PositionStore, logger *logrus.Logger) *Book {
	return &Book{
		positions: make(map[string]position.Position),
		store:     store,
		logger:    logger.WithField("component", "position_book"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches the event sink used for reconciliation reports.
func (b *Book) SetPublisher(p interfaces.EventPublisher) {
	b.publisher = p
}

// ClaimWriter hands out the writer exactly once per book.
func (b *Book) ClaimWriter() (*Writer, error) {
	if !b.claimed.CompareAndSwap(false, true) {
		return nil, ErrWriterClaimed
	}
	return &Writer{book: b}, nil
}

// Version returns the current book version.
func (b *Book) Version() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// ReadSnapshot returns a deep copy of the book that callers may keep. TotalPnL
// includes P&L realised on positions closed during the current trading day.
func (b *Book) ReadSnapshot() position.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	closed := b.realizedTodayLocked().Amount
	snap := position.Snapshot{
		Version:   b.version,
		Positions: make(map[string]position.Position, len(b.positions)),
		TotalPnL:  closed,
		ClosedPnL: closed,
		Count:     len(b.positions),
		TakenAt:   b.now(),
	}
	for key, pos := range b.positions {
		// Position holds only values; decimal.Decimal is immutable.
		snap.Positions[key] = pos
		snap.TotalPnL = snap.TotalPnL.Add(pos.TotalPnL())
	}
	return snap
}

// HasUnhedgedShort lists SELL positions whose declared hedge key is missing
// from the book. Shorts without a hedge key are naked by intent and excluded.
func (b *Book) HasUnhedgedShort() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	for key, pos := range b.positions {
		if pos.Direction != position.DirectionSell || pos.HedgeKey == "" {
			continue
		}
		if _, ok := b.positions[pos.HedgeKey]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// realizedTodayLocked returns the running realised P&L for the current
// trading day. A total carried from an earlier day counts as zero.
func (b *Book) realizedTodayLocked() position.DailyPnL {
	day := position.TradingDay(b.now())
	if b.realized.Day != day {
		return position.DailyPnL{Day: day, Amount: decimal.Zero}
	}
	return b.realized
}

// Persist flushes the whole book at its current version.
func (b *Book) Persist(ctx context.Context) error {
	b.mu.RLock()
	rows := make(map[string]position.Position, len(b.positions))
	for k, v := range b.positions {
		rows[k] = v
	}
	version := b.version
	realized := b.realizedTodayLocked()
	b.mu.RUnlock()

	if err := b.store.ReplaceAll(ctx, rows, version, realized); err != nil {
		return fmt.Errorf("persist position book: %w", err)
	}
	b.logger.WithFields(logrus.Fields{"version": version, "count": len(rows)}).Info("position book persisted")
	return nil
}
