package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/signal"
)

// ErrEmptyMessage is returned for an envelope with no recognised payload.
var ErrEmptyMessage = errors.New("message carries no payload")

// Handler receives decoded inbound messages.
type Handler interface {
	OnCandle(marketdata.Candle)
	OnVIX(marketdata.VIXTick)
	OnQuote(marketdata.Quote)
	OnDepth(marketdata.DepthSnapshot)
	OnAnalytics(marketdata.Analytics)
	OnFeedSwitch(marketdata.FeedSwitch)
	// OnSignal returns false when the signal was not accepted.
	OnSignal(signal.Signal) bool
}

// Dispatch decodes one delivery body and forwards every payload it carries.
func Dispatch(h Handler, body []byte) error {
	var msg BaseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	handled := false
	if msg.Candle != nil {
		handled = true
		h.OnCandle(*msg.Candle)
	}
	if msg.VIX != nil {
		handled = true
		h.OnVIX(*msg.VIX)
	}
	if msg.Quote != nil {
		handled = true
		h.OnQuote(*msg.Quote)
	}
	if msg.Depth != nil {
		handled = true
		h.OnDepth(*msg.Depth)
	}
	if msg.Analytics != nil {
		handled = true
		h.OnAnalytics(*msg.Analytics)
	}
	if msg.FeedSwitch != nil {
		handled = true
		h.OnFeedSwitch(*msg.FeedSwitch)
	}
	if msg.Signal != nil {
		handled = true
		if !h.OnSignal(*msg.Signal) {
			return fmt.Errorf("signal %s not accepted", msg.Signal.ID)
		}
	}
	if !handled {
		return ErrEmptyMessage
	}
	return nil
}
