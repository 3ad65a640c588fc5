package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/entity/position"

	"github.com/shopspring/decimal"
)

type paperPosition struct {
	qty  int64
	cost decimal.Decimal
}

// PaperBroker fills every order at the latest mark, or at the limit price when
// no mark is known. Orders are deduplicated by ClientID.
type PaperBroker struct {
	mu        sync.Mutex
	marks     map[string]decimal.Decimal
	positions map[string]*paperPosition
	fills     map[string]Fill
	failures  []error
	seq       int64
	cancels   int
}

func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		marks:     make(map[string]decimal.Decimal),
		positions: make(map[string]*paperPosition),
		fills:     make(map[string]Fill),
	}
}

// Mark sets the fill price for symbol.
func (p *PaperBroker) Mark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = price
	p.mu.Unlock()
}

// FailNext makes the next PlaceOrder call return err.
func (p *PaperBroker) FailNext(err error) {
	p.mu.Lock()
	p.failures = append(p.failures, err)
	p.mu.Unlock()
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return Fill{}, err
	}
	if req.ClientID != "" {
		if f, ok := p.fills[req.ClientID]; ok {
			return f, nil
		}
	}
	if req.Quantity <= 0 {
		return Fill{}, NewBrokerError(command.ErrorValidation, fmt.Errorf("quantity %d", req.Quantity))
	}
	price, ok := p.marks[req.Symbol]
	if !ok || !price.IsPositive() {
		price = req.LimitPrice
	}
	if !price.IsPositive() {
		return Fill{}, NewBrokerError(command.ErrorBrokerReject, errors.New("no price for "+req.Symbol))
	}

	signed := req.Quantity
	if req.Side == position.DirectionSell {
		signed = -signed
	}
	pos, ok := p.positions[req.Symbol]
	if !ok {
		pos = &paperPosition{}
		p.positions[req.Symbol] = pos
	}
	pos.qty += signed
	pos.cost = pos.cost.Add(price.Mul(decimal.NewFromInt(signed)))
	if pos.qty == 0 {
		delete(p.positions, req.Symbol)
	}

	p.seq++
	f := Fill{BrokerRef: fmt.Sprintf("paper-%d", p.seq), Price: price, Quantity: req.Quantity}
	if req.ClientID != "" {
		p.fills[req.ClientID] = f
	}
	return f, nil
}

func (p *PaperBroker) CancelAll(context.Context) error {
	p.mu.Lock()
	p.cancels++
	p.mu.Unlock()
	return nil
}

// Cancels returns how many times CancelAll was called.
func (p *PaperBroker) Cancels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels
}

func (p *PaperBroker) Positions(context.Context) ([]position.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]position.BrokerPosition, 0, len(p.positions))
	for sym, pos := range p.positions {
		qty := decimal.NewFromInt(pos.qty)
		avg := pos.cost.Div(qty)
		bp := position.BrokerPosition{Symbol: sym, Quantity: pos.qty, AvgPrice: avg}
		if mark, ok := p.marks[sym]; ok {
			bp.LastPrice = mark
			bp.PnL = mark.Sub(avg).Mul(qty)
		}
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
