package sizing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const maxLegDelay = 5 * time.Second

// ErrUnknownLot is returned when no lot size is known for a symbol.
var ErrUnknownLot = errors.New("lot size unknown")

// LotResolver looks up the contract lot size of a symbol.
type LotResolver interface {
	LotSize(ctx context.Context, symbol string) (int64, error)
}

// StaticLots resolves lot sizes from a fixed map.
type StaticLots map[string]int64

func (s StaticLots) LotSize(_ context.Context, symbol string) (int64, error) {
	lot, ok := s[symbol]
	if !ok || lot <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, ErrUnknownLot)
	}
	return lot, nil
}

// LegDelay sleeps between legs of a multi-leg order. The wait is capped and
// ends early when ctx is cancelled.
func LegDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if d > maxLegDelay {
		d = maxLegDelay
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
