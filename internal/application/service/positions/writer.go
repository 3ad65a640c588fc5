package positions

import (
	"context"
	"errors"
	"fmt"

	"optcore/internal/domain/entity/position"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Writer is the only handle allowed to mutate the book. Every mutation is
// persisted before it becomes visible to readers.
type Writer struct {
	book *Book
}

// Reader exposes the read side of the same book.
func (w *Writer) Reader() Reader {
	return w.book
}

// UpdatePosition inserts or replaces pos and bumps the version.
func (w *Writer) UpdatePosition(ctx context.Context, pos position.Position) (int64, error) {
	if err := pos.Validate(); err != nil {
		return 0, err
	}
	if pos.Quantity == 0 {
		return 0, fmt.Errorf("position %s: zero quantity, remove it instead", pos.Key())
	}
	b := w.book
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upsertLocked(ctx, pos)
}

// RemovePosition deletes the position and bumps the version.
func (w *Writer) RemovePosition(ctx context.Context, instrument, strategyID string) (int64, error) {
	b := w.book
	b.mu.Lock()
	defer b.mu.Unlock()
	key := position.MakeKey(instrument, strategyID)
	return b.deleteLocked(ctx, key, b.positions[key].RealizedPnL)
}

// UpdateLTP revalues every position on instrument at price. The version is
// not bumped and nothing is persisted.
func (w *Writer) UpdateLTP(instrument string, price decimal.Decimal) int {
	b := w.book
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, pos := range b.positions {
		if pos.Instrument != instrument {
			continue
		}
		pos.Revalue(price)
		b.positions[key] = pos
		n++
	}
	return n
}

// Load replaces the in-memory book with the persisted one. The version never
// moves backwards.
func (w *Writer) Load(ctx context.Context) error {
	rows, version, err := w.book.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load position book: %w", err)
	}
	b := w.book
	day := position.TradingDay(b.now())
	realized, err := b.store.LoadRealized(ctx, day)
	if err != nil {
		return fmt.Errorf("load realized pnl for %s: %w", day, err)
	}
	b.mu.Lock()
	b.positions = rows
	b.realized = position.DailyPnL{Day: day, Amount: realized}
	if version > b.version {
		b.version = version
	}
	v := b.version
	b.mu.Unlock()
	b.logger.WithFields(logrus.Fields{
		"version":  v,
		"count":    len(rows),
		"realized": realized.String(),
	}).Info("position book loaded")
	return nil
}

// Persist flushes the book. Same as Book.Persist.
func (w *Writer) Persist(ctx context.Context) error {
	return w.book.Persist(ctx)
}

// ApplyFill folds an execution into the position for the fill's key. Adding to
// a position re-averages the price; reducing realises P&L on the closed part;
// crossing through zero opens the remainder at the fill price. The resulting
// position is returned; a zero quantity means it was closed and removed.
func (w *Writer) ApplyFill(ctx context.Context, fill position.Fill) (position.Position, error) {
	if fill.Instrument == "" || fill.Quantity <= 0 {
		return position.Position{}, fmt.Errorf("invalid fill %s qty %d", fill.Instrument, fill.Quantity)
	}
	signed := fill.Quantity
	switch fill.Side {
	case position.DirectionBuy:
	case position.DirectionSell:
		signed = -signed
	default:
		return position.Position{}, fmt.Errorf("invalid fill side %q", fill.Side)
	}

	b := w.book
	b.mu.Lock()
	defer b.mu.Unlock()

	key := position.MakeKey(fill.Instrument, fill.StrategyID)
	cur, exists := b.positions[key]
	if !exists {
		cur = position.Position{
			Instrument:  fill.Instrument,
			Underlying:  fill.Underlying,
			Exchange:    fill.Exchange,
			Product:     fill.Product,
			Sector:      fill.Sector,
			StrategyTag: fill.StrategyTag,
			StrategyID:  fill.StrategyID,
			HedgeKey:    fill.HedgeKey,
		}
	}

	next := foldFill(cur, signed, fill.Price, fill.Margin)
	next.UpdatedAt = b.now()
	if next.Quantity == 0 {
		if !exists {
			return next, nil
		}
		if _, err := b.deleteLocked(ctx, key, next.RealizedPnL); err != nil {
			return position.Position{}, err
		}
		return next, nil
	}
	if _, err := b.upsertLocked(ctx, next); err != nil {
		return position.Position{}, err
	}
	return next, nil
}

func foldFill(cur position.Position, signed int64, price, margin decimal.Decimal) position.Position {
	next := cur
	old := cur.Quantity
	total := old + signed

	switch {
	case old == 0 || sameSign(old, signed):
		absOld := decimal.NewFromInt(abs(old))
		absFill := decimal.NewFromInt(abs(signed))
		next.AvgPrice = cur.AvgPrice.Mul(absOld).Add(price.Mul(absFill)).Div(absOld.Add(absFill))
		next.Margin = cur.Margin.Add(margin)
	default:
		closed := min(abs(old), abs(signed))
		sign := int64(1)
		if old < 0 {
			sign = -1
		}
		realized := price.Sub(cur.AvgPrice).Mul(decimal.NewFromInt(closed * sign))
		next.RealizedPnL = cur.RealizedPnL.Add(realized)
		switch {
		case total == 0:
			next.Margin = decimal.Zero
		case sameSign(total, old):
			next.Margin = cur.Margin.Mul(decimal.NewFromInt(abs(total))).Div(decimal.NewFromInt(abs(old)))
		default:
			// Crossed through zero: the remainder is a fresh position.
			next.AvgPrice = price
			next.Margin = margin.Mul(decimal.NewFromInt(abs(total))).Div(decimal.NewFromInt(abs(signed)))
		}
	}

	next.Quantity = total
	if total >= 0 {
		next.Direction = position.DirectionBuy
	} else {
		next.Direction = position.DirectionSell
	}
	next.Revalue(markOr(cur.LastPrice, price))
	return next
}

func markOr(last, fallback decimal.Decimal) decimal.Decimal {
	if last.IsZero() {
		return fallback
	}
	return last
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (b *Book) upsertLocked(ctx context.Context, pos position.Position) (int64, error) {
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = b.now()
	}
	next := b.version + 1
	if err := b.store.Upsert(ctx, pos, next); err != nil {
		return 0, fmt.Errorf("persist position %s: %w", pos.Key(), err)
	}
	b.positions[pos.Key()] = pos
	b.version = next
	b.logger.WithFields(logrus.Fields{
		"key":      pos.Key(),
		"quantity": pos.Quantity,
		"version":  next,
	}).Debug("position updated")
	return next, nil
}

func (b *Book) deleteLocked(ctx context.Context, key string, realized decimal.Decimal) (int64, error) {
	if _, ok := b.positions[key]; !ok {
		return 0, fmt.Errorf("remove %s: %w", key, ErrPositionNotFound)
	}
	next := b.version + 1
	daily := b.realizedTodayLocked()
	daily.Amount = daily.Amount.Add(realized)
	if err := b.store.Delete(ctx, key, next, daily); err != nil {
		return 0, fmt.Errorf("persist removal of %s: %w", key, err)
	}
	delete(b.positions, key)
	b.version = next
	b.realized = daily
	b.logger.WithFields(logrus.Fields{"key": key, "version": next}).Debug("position removed")
	return next, nil
}

// IsNotFound reports whether err means the position key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPositionNotFound)
}
