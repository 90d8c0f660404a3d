// Package indicators computes technical indicators over candle windows.
//
// Series functions return a slice aligned with their input. Positions
// before the indicator has enough history hold NaN.
package indicators

import (
	"math"

	"github.com/atlas-desktop/fx-trader/pkg/types"
)

// Closes extracts close prices.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts tick volumes.
func Volumes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Last returns the final value of a series, NaN if empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// MeanValid averages the non-NaN entries of a series.
func MeanValid(series []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range series {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|) per
// candle. The first candle uses high-low.
func TrueRange(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		tr := c.High - c.Low
		if i > 0 {
			prev := candles[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
		}
		out[i] = tr
	}
	return out
}

// wilder applies Wilder smoothing seeded with the simple average of the
// first period values starting at offset.
func wilder(values []float64, period, offset int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < offset+period {
		return out
	}
	sum := 0.0
	for i := offset; i < offset+period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[offset+period-1] = prev
	for i := offset + period; i < len(values); i++ {
		prev = (prev*float64(period-1) + values[i]) / float64(period)
		out[i] = prev
	}
	return out
}

// ATR is the Wilder-smoothed average true range.
func ATR(candles []types.Candle, period int) []float64 {
	return wilder(TrueRange(candles), period, 0)
}

// SMA is the simple moving average.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA is the exponential moving average seeded with the SMA of the first
// period values.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	k := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI is Wilder's relative strength index.
func RSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}
	gains := make([]float64, len(values))
	losses := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}
	avgGain := wilder(gains, period, 1)
	avgLoss := wilder(losses, period, 1)
	for i := period; i < len(values); i++ {
		switch {
		case avgLoss[i] == 0 && avgGain[i] == 0:
			out[i] = 50
		case avgLoss[i] == 0:
			out[i] = 100
		default:
			rs := avgGain[i] / avgLoss[i]
			out[i] = 100 - 100/(1+rs)
		}
	}
	return out
}

// MACDSeries holds the MACD line, its signal line and the histogram.
type MACDSeries struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes EMA(fast)-EMA(slow) and its EMA(signal).
func MACD(values []float64, fast, slow, signal int) MACDSeries {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	line := nanSeries(len(values))
	start := -1
	for i := range values {
		if math.IsNaN(fastEMA[i]) || math.IsNaN(slowEMA[i]) {
			continue
		}
		if start < 0 {
			start = i
		}
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig := nanSeries(len(values))
	if start >= 0 {
		tail := EMA(line[start:], signal)
		copy(sig[start:], tail)
	}
	hist := nanSeries(len(values))
	for i := range values {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return MACDSeries{Line: line, Signal: sig, Histogram: hist}
}

// BollingerSeries holds the bands and the relative band width.
type BollingerSeries struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
	Width  []float64
}

// Bollinger computes SMA(period) ± k standard deviations. Width is
// (upper-lower)/middle.
func Bollinger(values []float64, period int, k float64) BollingerSeries {
	mid := SMA(values, period)
	upper := nanSeries(len(values))
	lower := nanSeries(len(values))
	width := nanSeries(len(values))
	if period <= 0 {
		return BollingerSeries{Upper: upper, Middle: mid, Lower: lower, Width: width}
	}
	for i := period - 1; i < len(values); i++ {
		sumSq := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - mid[i]
			sumSq += d * d
		}
		sd := math.Sqrt(sumSq / float64(period))
		upper[i] = mid[i] + k*sd
		lower[i] = mid[i] - k*sd
		if mid[i] != 0 {
			width[i] = (upper[i] - lower[i]) / mid[i]
		}
	}
	return BollingerSeries{Upper: upper, Middle: mid, Lower: lower, Width: width}
}

// ADX is Wilder's average directional index.
func ADX(candles []types.Candle, period int) []float64 {
	n := len(candles)
	out := nanSeries(n)
	if period <= 0 || n < 2*period+1 {
		return out
	}
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}
	tr := TrueRange(candles)
	smTR := wilder(tr, period, 1)
	smPlus := wilder(plusDM, period, 1)
	smMinus := wilder(minusDM, period, 1)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smTR[i] == 0 {
			continue
		}
		plusDI := 100 * smPlus[i] / smTR[i]
		minusDI := 100 * smMinus[i] / smTR[i]
		if sum := plusDI + minusDI; sum > 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}
	return wilder(dx, period, period)
}
