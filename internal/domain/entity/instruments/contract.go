package instruments

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindIndex  Kind = "index"
	KindEquity Kind = "equity"
	KindFuture Kind = "future"
	KindOption Kind = "option"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindIndex, KindEquity, KindFuture, KindOption:
		return true
	default:
		return false
	}
}

func NewKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(s))
	if !k.IsValid() {
		return "", fmt.Errorf("invalid contract kind: %s", s)
	}
	return k, nil
}

type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

func (o OptionType) String() string {
	return string(o)
}

// Contract is one tradeable symbol in the catalog. Underlyings (indices,
// equities) carry the lot size the sizing chain rounds to; derivatives point
// back at their underlying.
type Contract struct {
	UID        uuid.UUID  `json:"uid"`
	Symbol     string     `json:"symbol"`
	Underlying string     `json:"underlying"`
	Kind       Kind       `json:"kind"`
	OptionType OptionType `json:"option_type,omitempty"`
	Strike     float64    `json:"strike,omitempty"`
	Expiry     *time.Time `json:"expiry,omitempty"`
	LotSize    int64      `json:"lot_size"`
	TickSize   float64    `json:"tick_size"`
	Exchange   string     `json:"exchange"`
	Sector     string     `json:"sector,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (c Contract) Validate() error {
	if c.Symbol == "" {
		return errors.New("contract symbol is required")
	}
	if !c.Kind.IsValid() {
		return fmt.Errorf("contract %s: invalid kind %q", c.Symbol, c.Kind)
	}
	if c.LotSize <= 0 {
		return fmt.Errorf("contract %s: lot size must be positive", c.Symbol)
	}
	if c.TickSize < 0 {
		return fmt.Errorf("contract %s: negative tick size", c.Symbol)
	}
	switch c.Kind {
	case KindOption:
		if c.OptionType != OptionCall && c.OptionType != OptionPut {
			return fmt.Errorf("contract %s: invalid option type %q", c.Symbol, c.OptionType)
		}
		if c.Strike <= 0 {
			return fmt.Errorf("contract %s: strike must be positive", c.Symbol)
		}
		fallthrough
	case KindFuture:
		if c.Underlying == "" {
			return fmt.Errorf("contract %s: underlying is required", c.Symbol)
		}
		if c.Expiry == nil || c.Expiry.IsZero() {
			return fmt.Errorf("contract %s: expiry is required", c.Symbol)
		}
	}
	return nil
}

// Expired reports whether a dated contract expired before now.
func (c Contract) Expired(now time.Time) bool {
	return c.Expiry != nil && c.Expiry.Before(now)
}

// RoundToTick snaps price to the nearest tick. A zero tick returns price.
func (c Contract) RoundToTick(price float64) float64 {
	if c.TickSize <= 0 {
		return price
	}
	return math.Round(price/c.TickSize) * c.TickSize
}
