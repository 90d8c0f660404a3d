package indicators_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/indicators"
	"github.com/atlas-desktop/fx-trader/pkg/types"
)

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func flatCandles(n int, price, halfRange float64) []types.Candle {
	out := make([]types.Candle, n)
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = types.Candle{
			Time:   t.Add(time.Duration(i) * time.Hour),
			Symbol: "EURUSD",
			Open:   price,
			High:   price + halfRange,
			Low:    price - halfRange,
			Close:  price,
		}
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	sma := indicators.SMA([]float64{1, 2, 3, 4, 5}, 3)
	if !math.IsNaN(sma[0]) || !math.IsNaN(sma[1]) {
		t.Errorf("Expected NaN warm-up, got %v", sma[:2])
	}
	for i, want := range map[int]float64{2: 2, 3: 3, 4: 4} {
		if !almostEqual(sma[i], want) {
			t.Errorf("Expected SMA[%d] = %f, got %f", i, want, sma[i])
		}
	}
}

func TestEMASeededWithSMA(t *testing.T) {
	ema := indicators.EMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{math.NaN(), math.NaN(), 2, 3, 4}
	for i := 2; i < len(want); i++ {
		if !almostEqual(ema[i], want[i]) {
			t.Errorf("Expected EMA[%d] = %f, got %f", i, want[i], ema[i])
		}
	}
	if short := indicators.EMA([]float64{1, 2}, 3); !math.IsNaN(indicators.Last(short)) {
		t.Error("Expected NaN when history is shorter than the period")
	}
}

func TestRSIBounds(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"rising", ramp(30, 1.10, 0.001), 100},
		{"falling", ramp(30, 1.10, -0.001), 0},
		{"flat", ramp(30, 1.10, 0), 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := indicators.Last(indicators.RSI(tt.values, 14))
			if !almostEqual(got, tt.want) {
				t.Errorf("Expected RSI %f, got %f", tt.want, got)
			}
		})
	}

	mixed := []float64{1, 1.2, 1.1, 1.3, 1.15, 1.25, 1.05, 1.2, 1.1, 1.3}
	for i, v := range indicators.RSI(mixed, 3) {
		if math.IsNaN(v) {
			continue
		}
		if v < 0 || v > 100 {
			t.Errorf("Expected RSI[%d] within [0, 100], got %f", i, v)
		}
	}
}

func TestATRConstantRange(t *testing.T) {
	atr := indicators.ATR(flatCandles(20, 1.1, 0.001), 14)
	if !math.IsNaN(atr[12]) {
		t.Errorf("Expected NaN before the period fills, got %f", atr[12])
	}
	if got := indicators.Last(atr); !almostEqual(got, 0.002) {
		t.Errorf("Expected ATR 0.002, got %f", got)
	}
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	candles := []types.Candle{
		{Open: 1.0, High: 1.0, Low: 1.0, Close: 1.0},
		{Open: 1.2, High: 1.25, Low: 1.2, Close: 1.22},
	}
	tr := indicators.TrueRange(candles)
	if !almostEqual(tr[0], 0) {
		t.Errorf("Expected first true range 0, got %f", tr[0])
	}
	if !almostEqual(tr[1], 0.25) {
		t.Errorf("Expected gap true range 0.25, got %f", tr[1])
	}
}

func TestBollingerFlatSeries(t *testing.T) {
	bb := indicators.Bollinger(ramp(25, 1.25, 0), 20, 2)
	last := len(bb.Middle) - 1
	if !almostEqual(bb.Upper[last], bb.Lower[last]) || !almostEqual(bb.Middle[last], 1.25) {
		t.Errorf("Expected collapsed bands at 1.25, got %f/%f/%f", bb.Lower[last], bb.Middle[last], bb.Upper[last])
	}
	if !almostEqual(bb.Width[last], 0) {
		t.Errorf("Expected zero width, got %f", bb.Width[last])
	}

	wide := indicators.Bollinger([]float64{1, 3, 1, 3}, 4, 2)
	if !almostEqual(wide.Upper[3], 4) || !almostEqual(wide.Lower[3], 0) {
		t.Errorf("Expected bands [0, 4], got [%f, %f]", wide.Lower[3], wide.Upper[3])
	}
}

func TestSpecLookback(t *testing.T) {
	tests := []struct {
		spec indicators.Spec
		want int
	}{
		{indicators.RSISpec{Period: 14, Oversold: 30, Overbought: 70}, 15},
		{indicators.EMASpec{Period: 21}, 21},
		{indicators.MACDSpec{Fast: 12, Slow: 26, Signal: 9}, 34},
		{indicators.BollingerSpec{Period: 20, K: 2}, 20},
	}

	for _, tt := range tests {
		t.Run(tt.spec.String(), func(t *testing.T) {
			if got := tt.spec.Lookback(); got != tt.want {
				t.Errorf("Expected lookback %d, got %d", tt.want, got)
			}
			closes := ramp(tt.want, 1.1, 0.0005)
			if _, err := tt.spec.Value(closes); err != nil {
				t.Errorf("Expected a value with %d closes, got %v", tt.want, err)
			}
			if _, err := tt.spec.Value(closes[:tt.want-1]); err == nil {
				t.Errorf("Expected an error with %d closes", tt.want-1)
			}
		})
	}
}

func TestSpecValues(t *testing.T) {
	closes := ramp(40, 1.1, 0.001)

	ema, err := indicators.EMASpec{Period: 10}.Value(closes)
	if err != nil {
		t.Fatalf("Failed to evaluate EMA: %v", err)
	}
	if ema.Secondary <= 0 {
		t.Errorf("Expected close above EMA in an uptrend, got %f", ema.Secondary)
	}

	bb, err := indicators.BollingerSpec{Period: 20, K: 2}.Value(ramp(20, 1.25, 0))
	if err != nil {
		t.Fatalf("Failed to evaluate Bollinger: %v", err)
	}
	if bb.Primary != 0.5 {
		t.Errorf("Expected %%B 0.5 on a flat series, got %f", bb.Primary)
	}

	macd, err := indicators.MACDSpec{Fast: 12, Slow: 26, Signal: 9}.Value(closes)
	if err != nil {
		t.Fatalf("Failed to evaluate MACD: %v", err)
	}
	if math.IsNaN(macd.Secondary) {
		t.Error("Expected a previous histogram value")
	}
}
