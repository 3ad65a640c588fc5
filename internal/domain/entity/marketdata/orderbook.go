package marketdata

import "time"

// OrderBookLevel holds a price/quantity pair on one side of the book.
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// DepthSnapshot is a market-depth update for one symbol.
type DepthSnapshot struct {
	Symbol string           `json:"symbol"`
	Bids   []OrderBookLevel `json:"bids"`
	Asks   []OrderBookLevel `json:"asks"`
	At     time.Time        `json:"at"`
}

// Usable reports whether both sides carry at least one level.
func (d DepthSnapshot) Usable() bool {
	return len(d.Bids) > 0 && len(d.Asks) > 0
}
