package indicators

import (
	"fmt"
	"math"
)

// Kind identifies an indicator variant.
type Kind string

const (
	KindRSI       Kind = "rsi"
	KindEMA       Kind = "ema"
	KindMACD      Kind = "macd"
	KindBollinger Kind = "bollinger"
)

// Spec describes one configured indicator. The concrete types below are
// the only implementations.
type Spec interface {
	Kind() Kind
	// Lookback is the minimum number of closes needed for a value.
	Lookback() int
	// Value evaluates the indicator on the latest close.
	Value(closes []float64) (Reading, error)
	String() string
	isSpec()
}

// Reading is the latest indicator output. Primary is the headline value:
// RSI level, EMA level, MACD histogram or Bollinger %B.
type Reading struct {
	Primary   float64
	Secondary float64
}

// RSISpec is a relative strength index with oversold/overbought levels.
type RSISpec struct {
	Period     int     `json:"period"`
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
}

// EMASpec is an exponential moving average of the close.
type EMASpec struct {
	Period int `json:"period"`
}

// MACDSpec is a moving average convergence divergence.
type MACDSpec struct {
	Fast   int `json:"fast"`
	Slow   int `json:"slow"`
	Signal int `json:"signal"`
}

// BollingerSpec is a Bollinger band with a k-sigma envelope.
type BollingerSpec struct {
	Period int     `json:"period"`
	K      float64 `json:"k"`
}

func (RSISpec) Kind() Kind       { return KindRSI }
func (EMASpec) Kind() Kind       { return KindEMA }
func (MACDSpec) Kind() Kind      { return KindMACD }
func (BollingerSpec) Kind() Kind { return KindBollinger }

func (RSISpec) isSpec()       {}
func (EMASpec) isSpec()       {}
func (MACDSpec) isSpec()      {}
func (BollingerSpec) isSpec() {}

func (s RSISpec) Lookback() int       { return s.Period + 1 }
func (s EMASpec) Lookback() int       { return s.Period }
func (s MACDSpec) Lookback() int      { return s.Slow + s.Signal - 1 }
func (s BollingerSpec) Lookback() int { return s.Period }

func (s RSISpec) String() string  { return fmt.Sprintf("RSI(%d)", s.Period) }
func (s EMASpec) String() string  { return fmt.Sprintf("EMA(%d)", s.Period) }
func (s MACDSpec) String() string { return fmt.Sprintf("MACD(%d,%d,%d)", s.Fast, s.Slow, s.Signal) }
func (s BollingerSpec) String() string {
	return fmt.Sprintf("BB(%d,%.1f)", s.Period, s.K)
}

func latest(series []float64, spec Spec, have int) (float64, error) {
	v := Last(series)
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%s needs %d closes, have %d", spec, spec.Lookback(), have)
	}
	return v, nil
}

// Value returns the RSI level.
func (s RSISpec) Value(closes []float64) (Reading, error) {
	v, err := latest(RSI(closes, s.Period), s, len(closes))
	return Reading{Primary: v}, err
}

// Value returns the EMA level; Secondary is the close minus the EMA.
func (s EMASpec) Value(closes []float64) (Reading, error) {
	v, err := latest(EMA(closes, s.Period), s, len(closes))
	if err != nil {
		return Reading{}, err
	}
	return Reading{Primary: v, Secondary: Last(closes) - v}, nil
}

// Value returns the MACD histogram; Secondary is the previous histogram.
func (s MACDSpec) Value(closes []float64) (Reading, error) {
	m := MACD(closes, s.Fast, s.Slow, s.Signal)
	v, err := latest(m.Histogram, s, len(closes))
	if err != nil {
		return Reading{}, err
	}
	prev := math.NaN()
	if n := len(m.Histogram); n > 1 {
		prev = m.Histogram[n-2]
	}
	return Reading{Primary: v, Secondary: prev}, nil
}

// Value returns %B, the close position inside the band (0 at the lower
// band, 1 at the upper band); Secondary is the band width.
func (s BollingerSpec) Value(closes []float64) (Reading, error) {
	bb := Bollinger(closes, s.Period, s.K)
	upper, err := latest(bb.Upper, s, len(closes))
	if err != nil {
		return Reading{}, err
	}
	lower := Last(bb.Lower)
	pctB := 0.5
	if upper > lower {
		pctB = (Last(closes) - lower) / (upper - lower)
	}
	return Reading{Primary: pctB, Secondary: Last(bb.Width)}, nil
}
