package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"optcore/internal/application/service/freshness"
	"optcore/internal/application/service/positions"
	"optcore/internal/application/service/queue"
	"optcore/internal/application/service/safety"
	"optcore/internal/application/service/sizing"
	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/order"
	"optcore/internal/domain/entity/position"
	safetystate "optcore/internal/domain/entity/safety"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval      = 250 * time.Millisecond
	defaultDeferDelay        = 2 * time.Second
	defaultBatch             = 8
	defaultShortMarginFactor = 5
)

// Queue is the part of the command queue the worker drives.
type Queue interface {
	Dequeue(ctx context.Context) (*command.Command, error)
	MarkDone(ctx context.Context, id int64, token, brokerRef string) error
	MarkFailedClass(ctx context.Context, id int64, token string, class command.ErrorClass, reason string) error
	MarkRetry(ctx context.Context, id int64, token string, class command.ErrorClass, reason string) (command.Status, error)
	MarkDeferred(ctx context.Context, id int64, token, reason string, delay time.Duration) error
}

// Gate is the freshness check run before placement.
type Gate interface {
	CheckOrderGates(underlying, optionSymbol string, needsDepth, isCreditSpread bool) freshness.Report
}

// OrderGuard is the pre-order breaker check.
type OrderGuard interface {
	CheckPreOrder(ctx context.Context, in safety.Inputs) safetystate.Status
	RecordOrder()
}

// Config controls the worker loop.
type Config struct {
	PollInterval time.Duration
	LegDelay     time.Duration
	DeferDelay   time.Duration
	Batch        int
	// ShortMarginFactor multiplies short premium to estimate blocked margin.
	ShortMarginFactor float64
}

// Worker claims queued orders, places their legs and writes fills to the book.
// It is the only holder of the position book writer.
type Worker struct {
	cfg    Config
	queue  Queue
	writer *positions.Writer
	book   positions.Reader
	broker Broker
	gate   Gate
	guard  OrderGuard
	logger *logrus.Entry
}

func NewWorker(cfg Config, q Queue, writer *positions.Writer, broker Broker, gate Gate, guard OrderGuard, logger *logrus.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = defaultDeferDelay
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.ShortMarginFactor <= 0 {
		cfg.ShortMarginFactor = defaultShortMarginFactor
	}
	return &Worker{
		cfg:    cfg,
		queue:  q,
		writer: writer,
		book:   writer.Reader(),
		broker: broker,
		gate:   gate,
		guard:  guard,
		logger: logger.WithField("component", "execution"),
	}
}

func (w *Worker) Name() string            { return "execution" }
func (w *Worker) Interval() time.Duration { return w.cfg.PollInterval }

func (w *Worker) Run(ctx context.Context, hb *safety.Heartbeat) error {
	return safety.Loop(ctx, hb, w.cfg.PollInterval, func(ctx context.Context) error {
		w.Drain(ctx)
		return nil
	})
}

// Drain processes up to one batch of eligible commands and returns how many
// were claimed.
func (w *Worker) Drain(ctx context.Context) int {
	n := 0
	for n < w.cfg.Batch && ctx.Err() == nil {
		cmd, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.WithError(err).Warn("dequeue failed")
			return n
		}
		if cmd == nil {
			return n
		}
		n++
		w.Process(ctx, cmd)
	}
	return n
}

// Process handles one claimed command and reports exactly one outcome for it.
func (w *Worker) Process(ctx context.Context, cmd *command.Command) {
	log := w.logger.WithFields(logrus.Fields{"id": cmd.ID, "attempt": cmd.AttemptCount, "event_type": cmd.EventType})

	if cmd.EventType != order.EventTypePlace {
		w.fail(ctx, cmd, command.ErrorValidation, "unsupported event type "+cmd.EventType)
		return
	}
	var p order.Payload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		w.fail(ctx, cmd, command.ErrorValidation, "decode payload: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		w.fail(ctx, cmd, command.ErrorValidation, err.Error())
		return
	}

	if rep := w.gate.CheckOrderGates(p.Underlying, p.PrimarySymbol(), p.NeedsDepth, p.CreditSpread); !rep.Pass {
		if err := w.queue.MarkDeferred(ctx, cmd.ID, cmd.OwnerToken, rep.Reason(), w.cfg.DeferDelay); err != nil {
			w.reportErr(log, "defer", err)
		}
		return
	}

	snap := w.book.ReadSnapshot()
	if st := w.guard.CheckPreOrder(ctx, safety.InputsFrom(snap, nil)); !st.AllClear {
		w.fail(ctx, cmd, command.ErrorSafetyTripped, st.Reason())
		return
	}

	refs, unrecorded, err := w.placeLegs(ctx, cmd, p)
	if len(unrecorded) > 0 {
		defer w.realign(ctx, log, unrecorded)
	}
	if err != nil {
		if len(refs) > 0 {
			// Some legs are live; replaying the command could double them.
			log.WithError(err).WithField("filled_legs", len(refs)).Error("partial multi-leg fill")
			w.fail(ctx, cmd, command.ErrorBrokerReject, fmt.Sprintf("partial fill after %d legs: %v", len(refs), err))
			return
		}
		class := Classify(err)
		status, markErr := w.queue.MarkRetry(ctx, cmd.ID, cmd.OwnerToken, class, err.Error())
		if markErr != nil {
			w.reportErr(log, "retry", markErr)
			return
		}
		log.WithError(err).WithFields(logrus.Fields{"class": class, "status": status}).Warn("order placement failed")
		return
	}
	if len(unrecorded) > 0 {
		// The broker holds the fills; replaying would double them.
		w.fail(ctx, cmd, command.ErrorUnknown, fmt.Sprintf("filled %s but position book rejected %s",
			strings.Join(refs, ","), strings.Join(unrecorded, ",")))
		return
	}

	if err := w.queue.MarkDone(ctx, cmd.ID, cmd.OwnerToken, strings.Join(refs, ",")); err != nil {
		w.reportErr(log, "done", err)
		return
	}
	log.WithFields(logrus.Fields{"signal_id": p.SignalID, "legs": len(refs)}).Info("order executed")
}

// realign reconciles the book against the broker after fills the book could
// not record.
func (w *Worker) realign(ctx context.Context, log *logrus.Entry, symbols []string) {
	diffs, err := w.Reconcile(ctx)
	if err != nil {
		log.WithError(err).WithField("symbols", symbols).Error("reconcile after unrecorded fills failed")
		return
	}
	log.WithFields(logrus.Fields{"symbols": symbols, "discrepancies": len(diffs)}).Warn("book reconciled after unrecorded fills")
}

// placeLegs submits legs in placement order with a bounded delay between
// them. It returns the broker refs of every leg that filled and the symbols
// whose fills the position book failed to record.
func (w *Worker) placeLegs(ctx context.Context, cmd *command.Command, p order.Payload) (refs, unrecorded []string, err error) {
	for i, leg := range p.PlacementOrder() {
		if i > 0 {
			if err := sizing.LegDelay(ctx, w.cfg.LegDelay); err != nil {
				return refs, unrecorded, err
			}
		}
		fill, err := w.broker.PlaceOrder(ctx, OrderRequest{
			ClientID:   fmt.Sprintf("%s-%d", cmd.IdempotencyKey, i),
			Symbol:     leg.Symbol,
			Side:       leg.Side,
			Quantity:   leg.Quantity,
			LimitPrice: decimal.NewFromFloat(p.EntryPrice),
			Tag:        p.StrategyID,
		})
		if err != nil {
			return refs, unrecorded, err
		}
		w.guard.RecordOrder()
		refs = append(refs, fill.BrokerRef)

		if _, err := w.writer.ApplyFill(ctx, position.Fill{
			Instrument:  leg.Symbol,
			Underlying:  p.Underlying,
			Sector:      p.Sector,
			StrategyTag: string(p.StrategyType),
			StrategyID:  p.StrategyID,
			HedgeKey:    leg.HedgeKey,
			Side:        leg.Side,
			Quantity:    fill.Quantity,
			Price:       fill.Price,
			Margin:      w.margin(leg.Side, fill),
		}); err != nil {
			w.logger.WithError(err).WithField("symbol", leg.Symbol).Error("fill not recorded in position book")
			unrecorded = append(unrecorded, leg.Symbol)
		}
	}
	return refs, unrecorded, nil
}

func (w *Worker) margin(side position.Direction, f Fill) decimal.Decimal {
	m := f.Price.Mul(decimal.NewFromInt(f.Quantity))
	if side == position.DirectionSell {
		m = m.Mul(decimal.NewFromFloat(w.cfg.ShortMarginFactor))
	}
	return m
}

func (w *Worker) fail(ctx context.Context, cmd *command.Command, class command.ErrorClass, reason string) {
	if err := w.queue.MarkFailedClass(ctx, cmd.ID, cmd.OwnerToken, class, reason); err != nil {
		w.reportErr(w.logger.WithField("id", cmd.ID), "fail", err)
		return
	}
	w.logger.WithFields(logrus.Fields{"id": cmd.ID, "class": class}).Warn("command failed: " + reason)
}

func (w *Worker) reportErr(log *logrus.Entry, op string, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		log.WithField("op", op).Warn("lease lost before outcome was recorded")
		return
	}
	log.WithError(err).WithField("op", op).Error("queue update failed")
}

// ForceClose flattens the position stored under key with an opposite order.
// A key no longer in the book is already resolved.
func (w *Worker) ForceClose(ctx context.Context, key string) error {
	snap := w.book.ReadSnapshot()
	pos, ok := snap.Positions[key]
	if !ok || pos.Quantity == 0 {
		return nil
	}
	side := position.DirectionSell
	qty := pos.Quantity
	if qty < 0 {
		side = position.DirectionBuy
		qty = -qty
	}
	fill, err := w.broker.PlaceOrder(ctx, OrderRequest{
		ClientID:   "fc-" + uuid.NewString(),
		Symbol:     pos.Instrument,
		Side:       side,
		Quantity:   qty,
		LimitPrice: pos.MarkPrice(),
		Tag:        "force_close",
	})
	if err != nil {
		return fmt.Errorf("force close %s: %w", key, err)
	}
	w.guard.RecordOrder()
	if _, err := w.writer.ApplyFill(ctx, position.Fill{
		Instrument: pos.Instrument,
		StrategyID: pos.StrategyID,
		Side:       side,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
	}); err != nil {
		return fmt.Errorf("force close %s: record fill: %w", key, err)
	}
	w.logger.WithFields(logrus.Fields{"key": key, "qty": qty, "broker_ref": fill.BrokerRef}).Warn("position force-closed")
	return nil
}

// CancelAll cancels every live broker order.
func (w *Worker) CancelAll(ctx context.Context) error {
	return w.broker.CancelAll(ctx)
}

// Reconcile aligns the book with the broker's positions.
func (w *Worker) Reconcile(ctx context.Context) ([]string, error) {
	reported, err := w.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}
	return w.writer.Reconcile(ctx, reported)
}

// Marker receives mark prices; PaperBroker implements it.
type Marker interface {
	Mark(symbol string, price decimal.Decimal)
}

// OnQuote marks the book, and the broker when it accepts marks.
func (w *Worker) OnQuote(q marketdata.Quote) {
	w.writer.UpdateLTP(q.Symbol, q.LTP)
	if m, ok := w.broker.(Marker); ok {
		m.Mark(q.Symbol, q.LTP)
	}
}
