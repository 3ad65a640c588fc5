package positions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/position"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ReconciledStrategyID tags positions adopted from the broker.
const ReconciledStrategyID = "reconciled"

// Reconcile makes the book match the broker's report. Local-only instruments
// are dropped, broker-only instruments are adopted, and mismatched quantity,
// price or P&L are overwritten from the broker side. It returns one line per
// discrepancy and persists the book only when something changed.
func (w *Writer) Reconcile(ctx context.Context, reported []position.BrokerPosition) ([]string, error) {
	broker := make(map[string]position.BrokerPosition, len(reported))
	for _, bp := range reported {
		if bp.Symbol == "" {
			continue
		}
		if prev, ok := broker[bp.Symbol]; ok {
			// Same symbol split across products: keep the net.
			prev.Quantity += bp.Quantity
			prev.PnL = prev.PnL.Add(bp.PnL)
			broker[bp.Symbol] = prev
			continue
		}
		broker[bp.Symbol] = bp
	}

	b := w.book
	b.mu.Lock()
	defer b.mu.Unlock()

	local := make(map[string][]string)
	for key, pos := range b.positions {
		local[pos.Instrument] = append(local[pos.Instrument], key)
	}

	next := make(map[string]position.Position, len(b.positions))
	for k, v := range b.positions {
		next[k] = v
	}
	var diffs []string
	now := b.now()

	for instrument, keys := range local {
		sort.Strings(keys)
		bp, ok := broker[instrument]
		if !ok || bp.Quantity == 0 {
			for _, key := range keys {
				delete(next, key)
				diffs = append(diffs, fmt.Sprintf("dropped %s: not held at broker", key))
			}
			continue
		}

		var localQty int64
		for _, key := range keys {
			localQty += next[key].Quantity
		}
		if len(keys) > 1 {
			if localQty == bp.Quantity {
				continue
			}
			// Strategy attribution no longer adds up; collapse onto the first key.
			for _, key := range keys[1:] {
				delete(next, key)
			}
			pos := overwrite(next[keys[0]], bp, now)
			next[keys[0]] = pos
			diffs = append(diffs, fmt.Sprintf("collapsed %d strategies on %s: local qty %d, broker qty %d",
				len(keys), instrument, localQty, bp.Quantity))
			continue
		}

		cur := next[keys[0]]
		var mismatches []string
		if cur.Quantity != bp.Quantity {
			mismatches = append(mismatches, fmt.Sprintf("qty %d->%d", cur.Quantity, bp.Quantity))
		}
		if !bp.AvgPrice.IsZero() && !cur.AvgPrice.Equal(bp.AvgPrice) {
			mismatches = append(mismatches, fmt.Sprintf("avg %s->%s", cur.AvgPrice, bp.AvgPrice))
		}
		if !bp.PnL.IsZero() && !cur.TotalPnL().Equal(bp.PnL) {
			mismatches = append(mismatches, fmt.Sprintf("pnl %s->%s", cur.TotalPnL(), bp.PnL))
		}
		if len(mismatches) == 0 {
			continue
		}
		next[keys[0]] = overwrite(cur, bp, now)
		diffs = append(diffs, fmt.Sprintf("overwrote %s: %v", keys[0], mismatches))
	}

	symbols := make([]string, 0, len(broker))
	for symbol := range broker {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		bp := broker[symbol]
		if _, ok := local[symbol]; ok || bp.Quantity == 0 {
			continue
		}
		pos := overwrite(position.Position{
			Instrument: symbol,
			Underlying: bp.Underlying,
			StrategyID: ReconciledStrategyID,
		}, bp, now)
		next[pos.Key()] = pos
		diffs = append(diffs, fmt.Sprintf("adopted %s: qty %d at %s", pos.Key(), bp.Quantity, bp.AvgPrice))
	}

	if len(diffs) == 0 {
		b.logger.Info("positions match broker")
		return nil, nil
	}

	version := b.version + 1
	if err := b.store.ReplaceAll(ctx, next, version, b.realizedTodayLocked()); err != nil {
		return diffs, fmt.Errorf("persist reconciled book: %w", err)
	}
	b.positions = next
	b.version = version

	b.logger.WithFields(logrus.Fields{
		"discrepancies": len(diffs),
		"version":       version,
	}).Warn("position book reconciled against broker")
	if b.publisher != nil {
		ev := events.New(events.KindReconciled, events.SeverityWarning, "position_book",
			fmt.Sprintf("%d discrepancies corrected", len(diffs)), map[string]any{"discrepancies": diffs})
		if err := b.publisher.Publish(ctx, ev); err != nil {
			b.logger.WithError(err).Warn("publish reconcile event failed")
		}
	}
	return diffs, nil
}

func overwrite(pos position.Position, bp position.BrokerPosition, now time.Time) position.Position {
	pos.Quantity = bp.Quantity
	if bp.Quantity >= 0 {
		pos.Direction = position.DirectionBuy
	} else {
		pos.Direction = position.DirectionSell
	}
	if !bp.AvgPrice.IsZero() {
		pos.AvgPrice = bp.AvgPrice
	}
	if bp.Exchange != "" {
		pos.Exchange = bp.Exchange
	}
	if bp.Product != "" {
		pos.Product = bp.Product
	}
	if bp.Underlying != "" && pos.Underlying == "" {
		pos.Underlying = bp.Underlying
	}
	pos.LastPrice = bp.LastPrice
	if bp.PnL.IsZero() {
		pos.Revalue(pos.MarkPrice())
		pos.RealizedPnL = decimal.Zero
	} else {
		pos.LastPrice = pos.MarkPrice()
		pos.RealizedPnL = decimal.Zero
		pos.UnrealizedPnL = bp.PnL
	}
	pos.UpdatedAt = now
	return pos
}
