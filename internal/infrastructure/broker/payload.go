package broker

import (
	"optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/signal"
)

// BaseMessage is the envelope on every inbound exchange. Exactly one field is
// expected to be set.
type BaseMessage struct {
	Candle     *marketdata.Candle        `json:"candle,omitempty"`
	VIX        *marketdata.VIXTick       `json:"vix,omitempty"`
	Quote      *marketdata.Quote         `json:"quote,omitempty"`
	Depth      *marketdata.DepthSnapshot `json:"depth,omitempty"`
	Analytics  *marketdata.Analytics     `json:"analytics,omitempty"`
	FeedSwitch *marketdata.FeedSwitch    `json:"feed_switch,omitempty"`
	Signal     *signal.Signal            `json:"signal,omitempty"`
}
