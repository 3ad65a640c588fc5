package instruments

import (
	"testing"
	"time"
)

func TestContractValidate(t *testing.T) {
	expiry := time.Date(2025, 2, 27, 15, 30, 0, 0, time.UTC)
	tests := []struct {
		name    string
		c       Contract
		wantErr bool
	}{
		{"index", Contract{Symbol: "NIFTY", Kind: KindIndex, LotSize: 75, TickSize: 0.05}, false},
		{"option", Contract{Symbol: "NIFTY25FEB22000CE", Underlying: "NIFTY", Kind: KindOption, OptionType: OptionCall, Strike: 22000, Expiry: &expiry, LotSize: 75}, false},
		{"future", Contract{Symbol: "NIFTY25FEBFUT", Underlying: "NIFTY", Kind: KindFuture, Expiry: &expiry, LotSize: 75}, false},
		{"missing symbol", Contract{Kind: KindIndex, LotSize: 1}, true},
		{"bad kind", Contract{Symbol: "X", Kind: "swap", LotSize: 1}, true},
		{"zero lot", Contract{Symbol: "X", Kind: KindIndex}, true},
		{"option without type", Contract{Symbol: "X", Underlying: "NIFTY", Kind: KindOption, Strike: 1, Expiry: &expiry, LotSize: 1}, true},
		{"option without expiry", Contract{Symbol: "X", Underlying: "NIFTY", Kind: KindOption, OptionType: OptionPut, Strike: 1, LotSize: 1}, true},
		{"future without underlying", Contract{Symbol: "X", Kind: KindFuture, Expiry: &expiry, LotSize: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.c.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	c := Contract{TickSize: 0.05}
	if got := c.RoundToTick(120.53); got < 120.549 || got > 120.551 {
		t.Fatalf("RoundToTick = %v", got)
	}
	if got := (Contract{}).RoundToTick(3.3); got != 3.3 {
		t.Fatalf("zero tick = %v", got)
	}
	if _, err := NewKind("OPTION"); err != nil {
		t.Fatal(err)
	}
}
