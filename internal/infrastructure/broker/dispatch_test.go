package broker

import (
	"errors"
	"testing"

	"optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/entity/signal"
)

type recorder struct {
	candles   []marketdata.Candle
	vix       []float64
	quotes    []marketdata.Quote
	depth     []marketdata.DepthSnapshot
	analytics []marketdata.Analytics
	switches  []marketdata.FeedSwitch
	signals   []signal.Signal
}

func (r *recorder) OnCandle(c marketdata.Candle)          { r.candles = append(r.candles, c) }
func (r *recorder) OnVIX(v marketdata.VIXTick)            { r.vix = append(r.vix, v.Value) }
func (r *recorder) OnQuote(q marketdata.Quote)            { r.quotes = append(r.quotes, q) }
func (r *recorder) OnDepth(d marketdata.DepthSnapshot)    { r.depth = append(r.depth, d) }
func (r *recorder) OnAnalytics(a marketdata.Analytics)    { r.analytics = append(r.analytics, a) }
func (r *recorder) OnFeedSwitch(f marketdata.FeedSwitch)  { r.switches = append(r.switches, f) }
func (r *recorder) OnSignal(s signal.Signal) bool {
	r.signals = append(r.signals, s)
	return s.ID != "refused"
}

func TestDispatch(t *testing.T) {
	rec := &recorder{}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"candle", `{"candle":{"symbol":"NIFTY","close":22000.5,"high":22010,"low":21990}}`, false},
		{"quote", `{"quote":{"symbol":"NIFTY25FEB22000CE","kind":"option","ltp":"120.5"}}`, false},
		{"vix", `{"vix":{"value":14.2}}`, false},
		{"depth", `{"depth":{"symbol":"NIFTY25FEB22000CE","bids":[{"price":120,"quantity":75}],"asks":[{"price":121,"quantity":50}]}}`, false},
		{"analytics", `{"analytics":{"feed":"pcr","underlying":"NIFTY","value":1.1}}`, false},
		{"feed switch", `{"feed_switch":{"symbol":"NIFTY","from":"primary","to":"backup"}}`, false},
		{"signal", `{"signal":{"id":"s1","producer":"directional","instrument":"NIFTY","strategy_type":"LONG_CALL","direction":"BULLISH","strength":0.6,"entry_price":100,"stop_price":80,"kind":"single_leg","legs":[{"symbol":"NIFTY25FEB22000CE","side":"BUY","ratio":1}]}}`, false},
		{"refused signal", `{"signal":{"id":"refused","kind":"single_leg","legs":[{"symbol":"X","side":"BUY","ratio":1}]}}`, true},
		{"bad signal structure", `{"signal":{"id":"s2","kind":"calendar","legs":[]}}`, true},
		{"garbage", `not json`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Dispatch(rec, []byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if len(rec.candles) != 1 || rec.candles[0].Close != 22000.5 {
		t.Fatalf("candles = %+v", rec.candles)
	}
	if len(rec.quotes) != 1 || rec.quotes[0].Kind != marketdata.QuoteOption || rec.quotes[0].LTP.String() != "120.5" {
		t.Fatalf("quotes = %+v", rec.quotes)
	}
	if len(rec.vix) != 1 || rec.vix[0] != 14.2 {
		t.Fatalf("vix = %v", rec.vix)
	}
	if len(rec.depth) != 1 || !rec.depth[0].Usable() {
		t.Fatalf("depth = %+v", rec.depth)
	}
	if len(rec.analytics) != 1 || rec.analytics[0].Feed != marketdata.FeedPCR {
		t.Fatalf("analytics = %+v", rec.analytics)
	}
	if len(rec.switches) != 1 || rec.switches[0].To != "backup" {
		t.Fatalf("switches = %+v", rec.switches)
	}
	if len(rec.signals) != 2 || rec.signals[0].Structure.Kind() != signal.KindSingleLeg {
		t.Fatalf("signals = %+v", rec.signals)
	}
	if err := Dispatch(rec, []byte(`{}`)); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}
