package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an open exposure.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Greeks holds per-position option sensitivities.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Position is one open exposure, keyed by instrument and strategy id.
// Quantity is signed: positive for BUY, negative for SELL.
type Position struct {
	Instrument    string          `json:"instrument"`
	Underlying    string          `json:"underlying"`
	Exchange      string          `json:"exchange"`
	Product       string          `json:"product"`
	Sector        string          `json:"sector,omitempty"`
	Direction     Direction       `json:"direction"`
	Quantity      int64           `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Margin        decimal.Decimal `json:"margin"`
	Greeks        Greeks          `json:"greeks"`
	StrategyTag   string          `json:"strategy_tag,omitempty"`
	StrategyID    string          `json:"strategy_id"`
	HedgeKey      string          `json:"hedge_key,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MakeKey builds the book key for an instrument/strategy pair.
func MakeKey(instrument, strategyID string) string {
	return instrument + "|" + strategyID
}

// Key returns the unique book key of the position.
func (p Position) Key() string {
	return MakeKey(p.Instrument, p.StrategyID)
}

// Validate enforces the key and sign invariants.
func (p Position) Validate() error {
	if p.Instrument == "" {
		return fmt.Errorf("position instrument is required")
	}
	switch p.Direction {
	case DirectionBuy:
		if p.Quantity < 0 {
			return fmt.Errorf("position %s: BUY with negative quantity %d", p.Key(), p.Quantity)
		}
	case DirectionSell:
		if p.Quantity > 0 {
			return fmt.Errorf("position %s: SELL with positive quantity %d", p.Key(), p.Quantity)
		}
	default:
		return fmt.Errorf("position %s: invalid direction %q", p.Key(), p.Direction)
	}
	return nil
}

// MarkPrice is the last traded price, falling back to the average price.
func (p Position) MarkPrice() decimal.Decimal {
	if p.LastPrice.IsZero() {
		return p.AvgPrice
	}
	return p.LastPrice
}

// Notional is |quantity| × mark price.
func (p Position) Notional() decimal.Decimal {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return p.MarkPrice().Mul(decimal.NewFromInt(qty))
}

// Revalue recomputes unrealized P&L against price.
func (p *Position) Revalue(price decimal.Decimal) {
	p.LastPrice = price
	p.UnrealizedPnL = price.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Quantity))
}

// TotalPnL is realized plus unrealized P&L.
func (p Position) TotalPnL() decimal.Decimal {
	return p.RealizedPnL.Add(p.UnrealizedPnL)
}

// DailyPnL is the P&L realised on positions closed during one trading day.
type DailyPnL struct {
	Day    string          `json:"day"`
	Amount decimal.Decimal `json:"amount"`
}

// TradingDay is the day key for t (UTC calendar date).
func TradingDay(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// Snapshot is an immutable, versioned copy of the whole book.
type Snapshot struct {
	Version   int64               `json:"version"`
	Positions map[string]Position `json:"positions"`
	TotalPnL  decimal.Decimal     `json:"total_pnl"`
	ClosedPnL decimal.Decimal     `json:"closed_pnl"`
	Count     int                 `json:"count"`
	TakenAt   time.Time           `json:"taken_at"`
}

// Exposure aggregates a snapshot for the risk checks.
type Exposure struct {
	GrossNotional    float64
	TotalMargin      float64
	UnderlyingMargin map[string]float64
	SectorMargin     map[string]float64
	OpenPositions    int
	TotalPnL         float64
}

// Exposure derives notional and margin aggregates from the snapshot.
func (s Snapshot) Exposure() Exposure {
	exp := Exposure{
		UnderlyingMargin: make(map[string]float64),
		SectorMargin:     make(map[string]float64),
		OpenPositions:    0,
		TotalPnL:         s.TotalPnL.InexactFloat64(),
	}
	for _, p := range s.Positions {
		if p.Quantity == 0 {
			continue
		}
		exp.OpenPositions++
		exp.GrossNotional += p.Notional().InexactFloat64()
		margin := p.Margin.InexactFloat64()
		exp.TotalMargin += margin
		underlying := p.Underlying
		if underlying == "" {
			underlying = p.Instrument
		}
		exp.UnderlyingMargin[underlying] += margin
		if p.Sector != "" {
			exp.SectorMargin[p.Sector] += margin
		}
	}
	return exp
}

// BrokerPosition is a position as reported by the broker, treated as ground
// truth during reconciliation.
type BrokerPosition struct {
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange,omitempty"`
	Product    string          `json:"product,omitempty"`
	Quantity   int64           `json:"qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	LastPrice  decimal.Decimal `json:"last_price"`
	PnL        decimal.Decimal `json:"pnl"`
	Underlying string          `json:"underlying,omitempty"`
}

// Fill is an execution report applied to the book by the writer.
type Fill struct {
	Instrument  string
	Underlying  string
	Exchange    string
	Product     string
	Sector      string
	StrategyTag string
	StrategyID  string
	HedgeKey    string
	Side        Direction
	Quantity    int64
	Price       decimal.Decimal
	Margin      decimal.Decimal
}
