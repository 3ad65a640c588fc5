package order

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/entity/signal"
)

// EventTypePlace is the command queue event type for a new multi-leg order.
const EventTypePlace = "order.place"

// Leg is one broker order inside a placement.
type Leg struct {
	Symbol   string             `json:"symbol"`
	Side     position.Direction `json:"side"`
	Quantity int64              `json:"quantity"`
	HedgeKey string             `json:"hedge_key,omitempty"`
}

// Payload is the queued order produced by the decision pipeline.
type Payload struct {
	SignalID     string              `json:"signal_id"`
	StrategyID   string              `json:"strategy_id"`
	Underlying   string              `json:"underlying"`
	Sector       string              `json:"sector,omitempty"`
	StrategyType signal.StrategyType `json:"strategy_type"`
	Bias         signal.Bias         `json:"bias"`
	Lots         int64               `json:"lots"`
	LotSize      int64               `json:"lot_size"`
	EntryPrice   float64             `json:"entry_price"`
	NeedsDepth   bool                `json:"needs_depth"`
	CreditSpread bool                `json:"credit_spread"`
	Legs         []Leg               `json:"legs"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Validate checks a decoded payload before any leg is placed.
func (p Payload) Validate() error {
	if p.Underlying == "" {
		return errors.New("underlying is required")
	}
	if p.StrategyID == "" {
		return errors.New("strategy id is required")
	}
	if len(p.Legs) == 0 {
		return errors.New("order has no legs")
	}
	for _, l := range p.Legs {
		if l.Symbol == "" || l.Quantity <= 0 {
			return fmt.Errorf("invalid leg %q qty %d", l.Symbol, l.Quantity)
		}
		if l.Side != position.DirectionBuy && l.Side != position.DirectionSell {
			return fmt.Errorf("leg %s: invalid side %q", l.Symbol, l.Side)
		}
	}
	return nil
}

// PrimarySymbol is the option symbol the freshness gate checks: the first
// short leg, else the first leg.
func (p Payload) PrimarySymbol() string {
	for _, l := range p.Legs {
		if l.Side == position.DirectionSell {
			return l.Symbol
		}
	}
	if len(p.Legs) > 0 {
		return p.Legs[0].Symbol
	}
	return ""
}

// PlacementOrder returns the legs with protective buys ahead of sells.
func (p Payload) PlacementOrder() []Leg {
	out := make([]Leg, 0, len(p.Legs))
	for _, l := range p.Legs {
		if l.Side == position.DirectionBuy {
			out = append(out, l)
		}
	}
	for _, l := range p.Legs {
		if l.Side == position.DirectionSell {
			out = append(out, l)
		}
	}
	return out
}

// FromSignal expands an approved signal into a payload of lots contracts.
func FromSignal(sig signal.Signal, lots, lotSize int64, now time.Time) Payload {
	strategyID := StrategyID(sig)
	hedges := sig.HedgeKeys(strategyID)
	p := Payload{
		SignalID:     sig.ID,
		StrategyID:   strategyID,
		Underlying:   sig.Instrument,
		Sector:       sig.Sector,
		StrategyType: sig.StrategyType,
		Bias:         sig.Bias,
		Lots:         lots,
		LotSize:      lotSize,
		EntryPrice:   sig.EntryPrice,
		CreditSpread: sig.StrategyType.IsCreditSpread(),
		NeedsDepth:   sig.Structure.Kind() != signal.KindSingleLeg,
		CreatedAt:    now,
	}
	for _, l := range sig.Structure.Legs() {
		p.Legs = append(p.Legs, Leg{
			Symbol:   l.Symbol,
			Side:     l.Side,
			Quantity: lots * lotSize * int64(l.Ratio),
			HedgeKey: hedges[l.Symbol],
		})
	}
	return p
}

// StrategyID is the book strategy id for positions opened by sig.
func StrategyID(sig signal.Signal) string {
	return strings.ToLower(string(sig.StrategyType)) + "-" + sig.ID
}

// IdempotencyKey derives a stable queue key from the order's identity.
func IdempotencyKey(sig signal.Signal) string {
	raw := strings.Join([]string{sig.Instrument, string(sig.StrategyType), string(sig.Bias), sig.ID}, "|")
	sum := sha256.Sum256([]byte(raw))
	return "ord-" + hex.EncodeToString(sum[:16])
}
