package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"optcore/internal/domain/entity/position"
)

// Producer identifies an independent signal source.
type Producer string

const (
	// ProducerDirectional emits chart-pattern driven directional trades.
	ProducerDirectional Producer = "directional"
	// ProducerVolatility emits range and premium-selling trades.
	ProducerVolatility Producer = "volatility"
)

// Bias is the market view a signal expresses.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// StrategyType names a concrete options structure.
type StrategyType string

const (
	StrategyLongCall       StrategyType = "LONG_CALL"
	StrategyLongPut        StrategyType = "LONG_PUT"
	StrategyBullCallSpread StrategyType = "BULL_CALL_SPREAD"
	StrategyBearPutSpread  StrategyType = "BEAR_PUT_SPREAD"
	StrategyBullPutCredit  StrategyType = "BULL_PUT_CREDIT_SPREAD"
	StrategyBearCallCredit StrategyType = "BEAR_CALL_CREDIT_SPREAD"
	StrategyIronCondor     StrategyType = "IRON_CONDOR"
	StrategyShortStraddle  StrategyType = "SHORT_STRADDLE"
	StrategyShortStrangle  StrategyType = "SHORT_STRANGLE"
	StrategyCalendar       StrategyType = "CALENDAR_SPREAD"
)

// Family groups strategy types by how the regime filter treats them.
type Family string

const (
	FamilyDirectional  Family = "directional"
	FamilyNakedPremium Family = "naked_premium"
	FamilyHedgedRange  Family = "hedged_range"
)

var strategyFamilies = map[StrategyType]Family{
	StrategyLongCall:       FamilyDirectional,
	StrategyLongPut:        FamilyDirectional,
	StrategyBullCallSpread: FamilyDirectional,
	StrategyBearPutSpread:  FamilyDirectional,
	StrategyBullPutCredit:  FamilyDirectional,
	StrategyBearCallCredit: FamilyDirectional,
	StrategyShortStraddle:  FamilyNakedPremium,
	StrategyShortStrangle:  FamilyNakedPremium,
	StrategyIronCondor:     FamilyHedgedRange,
	StrategyCalendar:       FamilyHedgedRange,
}

// Family returns the strategy family, or "" for an unknown type.
func (t StrategyType) Family() Family {
	return strategyFamilies[t]
}

// IsCreditSpread reports whether the structure collects net premium with a
// defined-risk hedge.
func (t StrategyType) IsCreditSpread() bool {
	switch t {
	case StrategyBullPutCredit, StrategyBearCallCredit, StrategyIronCondor:
		return true
	default:
		return false
	}
}

// Kind discriminates the leg structure of a signal.
type Kind string

const (
	KindSingleLeg Kind = "single_leg"
	KindMultiLeg  Kind = "multi_leg"
	KindCalendar  Kind = "calendar"
)

// Leg is one option contract within a structure.
type Leg struct {
	Symbol string             `json:"symbol"`
	Side   position.Direction `json:"side"`
	Ratio  int                `json:"ratio"`
	Strike float64            `json:"strike,omitempty"`
	Expiry time.Time          `json:"expiry,omitempty"`
}

func (l Leg) validate() error {
	if l.Symbol == "" {
		return errors.New("leg symbol is required")
	}
	if l.Side != position.DirectionBuy && l.Side != position.DirectionSell {
		return fmt.Errorf("leg %s: invalid side %q", l.Symbol, l.Side)
	}
	if l.Ratio <= 0 {
		return fmt.Errorf("leg %s: ratio must be positive", l.Symbol)
	}
	return nil
}

// Structure is the sum type over leg layouts: SingleLeg, MultiLeg or Calendar.
type Structure interface {
	Kind() Kind
	Legs() []Leg
	validate() error
}

// SingleLeg is an outright option position.
type SingleLeg struct {
	Leg Leg
}

func (s SingleLeg) Kind() Kind      { return KindSingleLeg }
func (s SingleLeg) Legs() []Leg     { return []Leg{s.Leg} }
func (s SingleLeg) validate() error { return s.Leg.validate() }

// MultiLeg is a same-expiry spread (verticals, condors, straddles).
type MultiLeg struct {
	Components []Leg
}

func (m MultiLeg) Kind() Kind  { return KindMultiLeg }
func (m MultiLeg) Legs() []Leg { return append([]Leg(nil), m.Components...) }

func (m MultiLeg) validate() error {
	if len(m.Components) < 2 {
		return fmt.Errorf("multi-leg structure needs at least 2 legs, got %d", len(m.Components))
	}
	for _, l := range m.Components {
		if err := l.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Calendar pairs a near and a far expiry on the same strike.
type Calendar struct {
	Near Leg
	Far  Leg
}

func (c Calendar) Kind() Kind  { return KindCalendar }
func (c Calendar) Legs() []Leg { return []Leg{c.Near, c.Far} }

func (c Calendar) validate() error {
	if err := c.Near.validate(); err != nil {
		return err
	}
	if err := c.Far.validate(); err != nil {
		return err
	}
	if !c.Far.Expiry.After(c.Near.Expiry) {
		return errors.New("calendar far leg must expire after near leg")
	}
	return nil
}

// Signal is a candidate trade emitted by a producer.
type Signal struct {
	ID           string
	Producer     Producer
	Instrument   string
	Sector       string
	StrategyType StrategyType
	Bias         Bias
	Strength     float64
	EntryPrice   float64
	StopPrice    float64
	Structure    Structure
	CreatedAt    time.Time
}

// HedgeKeys maps every short leg to the long leg that protects it, when the
// structure declares one. Keys use strategyID as the book strategy id.
func (s Signal) HedgeKeys(strategyID string) map[string]string {
	if s.Structure == nil {
		return nil
	}
	legs := s.Structure.Legs()
	var longs []Leg
	for _, l := range legs {
		if l.Side == position.DirectionBuy {
			longs = append(longs, l)
		}
	}
	if len(longs) == 0 {
		return nil
	}
	out := make(map[string]string)
	i := 0
	for _, l := range legs {
		if l.Side != position.DirectionSell {
			continue
		}
		out[l.Symbol] = position.MakeKey(longs[i%len(longs)].Symbol, strategyID)
		i++
	}
	return out
}

// StopDistance is the absolute distance between entry and stop.
func (s Signal) StopDistance() float64 {
	d := s.EntryPrice - s.StopPrice
	if d < 0 {
		return -d
	}
	return d
}

// Validate checks the signal at the router/sizing boundary.
func (s Signal) Validate() error {
	if s.Instrument == "" {
		return errors.New("signal instrument is required")
	}
	switch s.Producer {
	case ProducerDirectional, ProducerVolatility:
	default:
		return fmt.Errorf("signal %s: unknown producer %q", s.ID, s.Producer)
	}
	if s.StrategyType.Family() == "" {
		return fmt.Errorf("signal %s: unknown strategy type %q", s.ID, s.StrategyType)
	}
	switch s.Bias {
	case BiasBullish, BiasBearish, BiasNeutral:
	default:
		return fmt.Errorf("signal %s: invalid bias %q", s.ID, s.Bias)
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("signal %s: strength %.2f outside [0,1]", s.ID, s.Strength)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal %s: entry price must be positive", s.ID)
	}
	if s.Structure == nil {
		return fmt.Errorf("signal %s: legs are required", s.ID)
	}
	if s.StrategyType == StrategyCalendar && s.Structure.Kind() != KindCalendar {
		return fmt.Errorf("signal %s: calendar strategy with %s legs", s.ID, s.Structure.Kind())
	}
	return s.Structure.validate()
}

type wireSignal struct {
	ID           string       `json:"id"`
	Producer     Producer     `json:"producer"`
	Instrument   string       `json:"instrument"`
	Sector       string       `json:"sector,omitempty"`
	StrategyType StrategyType `json:"strategy_type"`
	Bias         Bias         `json:"direction"`
	Strength     float64      `json:"strength"`
	EntryPrice   float64      `json:"entry_price"`
	StopPrice    float64      `json:"stop_price"`
	Kind         Kind         `json:"kind"`
	Legs         []Leg        `json:"legs"`
	CreatedAt    time.Time    `json:"created_at"`
}

// MarshalJSON flattens the structure into a kind discriminator and leg list.
func (s Signal) MarshalJSON() ([]byte, error) {
	w := wireSignal{
		ID:           s.ID,
		Producer:     s.Producer,
		Instrument:   s.Instrument,
		Sector:       s.Sector,
		StrategyType: s.StrategyType,
		Bias:         s.Bias,
		Strength:     s.Strength,
		EntryPrice:   s.EntryPrice,
		StopPrice:    s.StopPrice,
		CreatedAt:    s.CreatedAt,
	}
	if s.Structure != nil {
		w.Kind = s.Structure.Kind()
		w.Legs = s.Structure.Legs()
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the typed structure from the kind discriminator.
func (s *Signal) UnmarshalJSON(data []byte) error {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	structure, err := buildStructure(w.Kind, w.Legs)
	if err != nil {
		return fmt.Errorf("signal %s: %w", w.ID, err)
	}
	*s = Signal{
		ID:           w.ID,
		Producer:     w.Producer,
		Instrument:   w.Instrument,
		Sector:       w.Sector,
		StrategyType: w.StrategyType,
		Bias:         w.Bias,
		Strength:     w.Strength,
		EntryPrice:   w.EntryPrice,
		StopPrice:    w.StopPrice,
		Structure:    structure,
		CreatedAt:    w.CreatedAt,
	}
	return nil
}

func buildStructure(kind Kind, legs []Leg) (Structure, error) {
	switch kind {
	case KindSingleLeg:
		if len(legs) != 1 {
			return nil, fmt.Errorf("single_leg expects 1 leg, got %d", len(legs))
		}
		return SingleLeg{Leg: legs[0]}, nil
	case KindMultiLeg:
		return MultiLeg{Components: legs}, nil
	case KindCalendar:
		if len(legs) != 2 {
			return nil, fmt.Errorf("calendar expects 2 legs, got %d", len(legs))
		}
		return Calendar{Near: legs[0], Far: legs[1]}, nil
	case "":
		return nil, errors.New("structure kind is required")
	default:
		return nil, fmt.Errorf("unknown structure kind %q", kind)
	}
}
