package strategy

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/atlas-desktop/fx-trader/internal/indicators"
)

// Rule is one indicator with its entry and exit condition. The condition
// follows from the indicator kind:
//
//	RSI:       enter when RSI crosses above Oversold, exit when it crosses below Overbought
//	EMA:       enter when close is above the EMA, exit when below
//	MACD:      enter when the line crosses above the signal line, exit on the reverse cross
//	Bollinger: enter when close is below the lower band, exit when above the upper band
type Rule struct {
	Spec indicators.Spec
}

// ruleJSON is the wire form of a Rule.
type ruleJSON struct {
	Kind      indicators.Kind           `json:"kind"`
	RSI       *indicators.RSISpec       `json:"rsi,omitempty"`
	EMA       *indicators.EMASpec       `json:"ema,omitempty"`
	MACD      *indicators.MACDSpec      `json:"macd,omitempty"`
	Bollinger *indicators.BollingerSpec `json:"bollinger,omitempty"`
}

// MarshalJSON tags the indicator parameters with their kind.
func (r Rule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{Kind: r.Spec.Kind()}
	switch s := r.Spec.(type) {
	case indicators.RSISpec:
		out.RSI = &s
	case indicators.EMASpec:
		out.EMA = &s
	case indicators.MACDSpec:
		out.MACD = &s
	case indicators.BollingerSpec:
		out.Bollinger = &s
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the typed indicator from its kind tag.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case in.Kind == indicators.KindRSI && in.RSI != nil:
		r.Spec = *in.RSI
	case in.Kind == indicators.KindEMA && in.EMA != nil:
		r.Spec = *in.EMA
	case in.Kind == indicators.KindMACD && in.MACD != nil:
		r.Spec = *in.MACD
	case in.Kind == indicators.KindBollinger && in.Bollinger != nil:
		r.Spec = *in.Bollinger
	default:
		return fmt.Errorf("unknown rule kind %q", in.Kind)
	}
	return nil
}

func (r Rule) String() string { return r.Spec.String() }

// ruleSeries holds a rule's indicator series over one close series so
// every bar can be evaluated without recomputation.
type ruleSeries struct {
	spec   indicators.Spec
	closes []float64
	a, b   []float64
}

func newRuleSeries(spec indicators.Spec, closes []float64) ruleSeries {
	rs := ruleSeries{spec: spec, closes: closes}
	switch s := spec.(type) {
	case indicators.RSISpec:
		rs.a = indicators.RSI(closes, s.Period)
	case indicators.EMASpec:
		rs.a = indicators.EMA(closes, s.Period)
	case indicators.MACDSpec:
		m := indicators.MACD(closes, s.Fast, s.Slow, s.Signal)
		rs.a, rs.b = m.Line, m.Signal
	case indicators.BollingerSpec:
		bb := indicators.Bollinger(closes, s.Period, s.K)
		rs.a, rs.b = bb.Lower, bb.Upper
	}
	return rs
}

// ready reports whether bar i and its predecessor have indicator values.
func (rs ruleSeries) ready(i int) bool {
	if i < 1 || i >= len(rs.closes) {
		return false
	}
	for _, s := range [][]float64{rs.a, rs.b} {
		if s != nil && (math.IsNaN(s[i]) || math.IsNaN(s[i-1])) {
			return false
		}
	}
	return true
}

func (rs ruleSeries) entry(i int) bool {
	if !rs.ready(i) {
		return false
	}
	switch s := rs.spec.(type) {
	case indicators.RSISpec:
		return rs.a[i-1] < s.Oversold && rs.a[i] > s.Oversold
	case indicators.EMASpec:
		return rs.closes[i] > rs.a[i]
	case indicators.MACDSpec:
		return rs.a[i-1] < rs.b[i-1] && rs.a[i] > rs.b[i]
	case indicators.BollingerSpec:
		return rs.closes[i] < rs.a[i]
	}
	return false
}

func (rs ruleSeries) exit(i int) bool {
	if !rs.ready(i) {
		return false
	}
	switch s := rs.spec.(type) {
	case indicators.RSISpec:
		return rs.a[i-1] > s.Overbought && rs.a[i] < s.Overbought
	case indicators.EMASpec:
		return rs.closes[i] < rs.a[i]
	case indicators.MACDSpec:
		return rs.a[i-1] > rs.b[i-1] && rs.a[i] < rs.b[i]
	case indicators.BollingerSpec:
		return rs.closes[i] > rs.b[i]
	}
	return false
}
