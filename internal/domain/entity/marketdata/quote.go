package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteKind separates underlying quotes from option quotes.
type QuoteKind string

const (
	QuoteUnderlying QuoteKind = "underlying"
	QuoteOption     QuoteKind = "option"
)

// Quote is a last-traded-price update.
type Quote struct {
	Symbol string          `json:"symbol"`
	Kind   QuoteKind       `json:"kind"`
	LTP    decimal.Decimal `json:"ltp"`
	Feed   string          `json:"feed,omitempty"`
	At     time.Time       `json:"at"`
}

// AnalyticsFeed names a derived analytics stream.
type AnalyticsFeed string

const (
	FeedPCR     AnalyticsFeed = "pcr"
	FeedGEX     AnalyticsFeed = "gex"
	FeedMaxPain AnalyticsFeed = "max_pain"
	FeedIV      AnalyticsFeed = "iv"
)

// Analytics is one analytics value for an underlying.
type Analytics struct {
	Feed       AnalyticsFeed `json:"feed"`
	Underlying string        `json:"underlying"`
	Value      float64       `json:"value"`
	At         time.Time     `json:"at"`
}

// FeedSwitch announces that the quote source for a symbol changed.
type FeedSwitch struct {
	Symbol string    `json:"symbol"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}
