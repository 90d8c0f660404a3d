// Package regime classifies the market regime from indicator readings and
// gates trades on regime and trading-calendar blackouts.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/indicators"
	"github.com/atlas-desktop/fx-trader/pkg/types"
)

// RegimeType represents different market regimes
type RegimeType string

const (
	RegimeTrend    RegimeType = "trend"
	RegimeRange    RegimeType = "range"
	RegimeVolatile RegimeType = "volatile"
	RegimeNormal   RegimeType = "normal"
)

// Inputs are the indicator readings a classification is based on.
type Inputs struct {
	ADX         float64 `json:"adx"`
	BBWidth     float64 `json:"bbWidth"`
	MeanBBWidth float64 `json:"meanBbWidth"`
	ATR         float64 `json:"atr"`
	MeanATR     float64 `json:"meanAtr"`
}

// Thresholds configure Classify.
type Thresholds struct {
	ADXTrend       float64 `json:"adxTrend" validate:"gt=0"`       // ADX above this is a trend
	RangeWidthFrac float64 `json:"rangeWidthFrac" validate:"gt=0"` // width below this fraction of its mean is a range
	VolatileATR    float64 `json:"volatileAtr" validate:"gt=0"`    // ATR above this multiple of its mean is volatile
}

// RegimeConfig configures regime measurement.
type RegimeConfig struct {
	ADXPeriod       int        `json:"adxPeriod" validate:"gt=1"`
	BollingerPeriod int        `json:"bollingerPeriod" validate:"gt=1"`
	BollingerK      float64    `json:"bollingerK" validate:"gt=0"`
	ATRPeriod       int        `json:"atrPeriod" validate:"gt=1"`
	Thresholds      Thresholds `json:"thresholds"`
}

// DefaultRegimeConfig returns the standard ADX(14), BB(20,2), ATR(14) setup.
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		ADXPeriod:       14,
		BollingerPeriod: 20,
		BollingerK:      2,
		ATRPeriod:       14,
		Thresholds: Thresholds{
			ADXTrend:       25,
			RangeWidthFrac: 0.5,
			VolatileATR:    1.5,
		},
	}
}

// Classify maps indicator readings to a regime. Trend takes precedence
// over range, and range over volatile.
func Classify(in Inputs, th Thresholds) RegimeType {
	switch {
	case in.ADX > th.ADXTrend:
		return RegimeTrend
	case in.BBWidth < in.MeanBBWidth*th.RangeWidthFrac:
		return RegimeRange
	case in.ATR > in.MeanATR*th.VolatileATR:
		return RegimeVolatile
	default:
		return RegimeNormal
	}
}

// Lookback is the shortest window Measure accepts.
func (c RegimeConfig) Lookback() int {
	n := 2*c.ADXPeriod + 1
	if c.BollingerPeriod > n {
		n = c.BollingerPeriod
	}
	if c.ATRPeriod+1 > n {
		n = c.ATRPeriod + 1
	}
	return n
}

// Measure computes classification inputs from a candle window.
func Measure(window []types.Candle, cfg RegimeConfig) (Inputs, error) {
	if len(window) < cfg.Lookback() {
		return Inputs{}, types.NewInsufficientDataError(len(window), cfg.Lookback())
	}
	closes := indicators.Closes(window)
	bb := indicators.Bollinger(closes, cfg.BollingerPeriod, cfg.BollingerK)
	atr := indicators.ATR(window, cfg.ATRPeriod)

	in := Inputs{
		ADX:         indicators.Last(indicators.ADX(window, cfg.ADXPeriod)),
		BBWidth:     indicators.Last(bb.Width),
		MeanBBWidth: indicators.MeanValid(bb.Width),
		ATR:         indicators.Last(atr),
		MeanATR:     indicators.MeanValid(atr),
	}
	for _, v := range []float64{in.ADX, in.BBWidth, in.MeanBBWidth, in.ATR, in.MeanATR} {
		if math.IsNaN(v) {
			return Inputs{}, types.NewInsufficientDataError(len(window), cfg.Lookback())
		}
	}
	return in, nil
}

// RegimeState is the latest classification.
type RegimeState struct {
	Regime    RegimeType `json:"regime"`
	Raw       RegimeType `json:"raw"`
	Inputs    Inputs     `json:"inputs"`
	StartedAt time.Time  `json:"startedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Debouncer holds the effective regime until a new raw classification has
// been seen on Confirm consecutive candles. Readings are keyed by candle
// time, so re-reading the same candle never advances a streak however
// often it is observed. Confirm <= 1 passes every classification through
// unchanged.
type Debouncer struct {
	mu        sync.Mutex
	confirm   int
	effective RegimeType
	candidate RegimeType
	streak    int
	counted   time.Time // candle of the last reading added to streak
	startedAt time.Time
}

// NewDebouncer creates a debouncer requiring confirm consecutive candles.
func NewDebouncer(confirm int) *Debouncer {
	return &Debouncer{confirm: confirm}
}

// Observe feeds the raw classification of the candle closing at at and
// returns the effective regime and whether it changed.
func (d *Debouncer) Observe(raw RegimeType, at time.Time) (RegimeType, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.effective == "" || d.confirm <= 1 {
		changed := d.effective != raw
		if changed {
			d.startedAt = at
		}
		d.effective = raw
		d.candidate, d.streak = "", 0
		return raw, changed
	}
	if raw == d.effective {
		d.candidate, d.streak = "", 0
		return d.effective, false
	}
	if raw != d.candidate {
		d.candidate, d.streak, d.counted = raw, 0, time.Time{}
	}
	if d.streak > 0 && !at.After(d.counted) {
		return d.effective, false
	}
	d.counted = at
	d.streak++
	if d.streak >= d.confirm {
		d.effective = raw
		d.candidate, d.streak = "", 0
		d.startedAt = at
		return raw, true
	}
	return d.effective, false
}

// StartedAt returns when the effective regime began.
func (d *Debouncer) StartedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startedAt
}
