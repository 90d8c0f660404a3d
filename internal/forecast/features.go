// Package forecast runs an exported sequence model over the candle window
// and turns its output into a directional vote.
package forecast

import (
	"math"

	"github.com/atlas-desktop/fx-trader/internal/indicators"
	"github.com/atlas-desktop/fx-trader/pkg/types"
)

// NumFeatures is the width of one time step: open, high, low, close,
// RSI(14) and volume.
const NumFeatures = 6

const rsiPeriod = 14

// Features flattens the last seq candles into a row-major (seq, 6) matrix.
// Each column is min-max scaled over those seq rows; a constant column
// scales to zero. RSI is computed on the whole window so the first rows
// have a value, with 50 standing in while it warms up.
func Features(window []types.Candle, seq int) ([]float32, error) {
	if seq <= 0 || len(window) < seq {
		return nil, types.NewInsufficientDataError(len(window), seq)
	}

	rsi := indicators.RSI(indicators.Closes(window), rsiPeriod)
	offset := len(window) - seq

	cols := make([][]float64, NumFeatures)
	for c := range cols {
		cols[c] = make([]float64, seq)
	}
	for i := 0; i < seq; i++ {
		k := window[offset+i]
		r := rsi[offset+i]
		if math.IsNaN(r) {
			r = 50
		}
		cols[0][i] = k.Open
		cols[1][i] = k.High
		cols[2][i] = k.Low
		cols[3][i] = k.Close
		cols[4][i] = r
		cols[5][i] = k.Volume
	}

	out := make([]float32, seq*NumFeatures)
	for c, col := range cols {
		lo, hi := col[0], col[0]
		for _, v := range col {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo
		for i, v := range col {
			scaled := 0.0
			if span > 0 {
				scaled = (v - lo) / span
			}
			out[i*NumFeatures+c] = float32(scaled)
		}
	}
	return out, nil
}

// Decide maps model output to a vote. A single output is the predicted
// scaled close, compared with the last scaled close. Three outputs are
// short/flat/long scores and the highest wins. Moves within deadband are
// flat.
func Decide(output []float32, lastClose float32, deadband float64) types.Direction {
	switch len(output) {
	case 1:
		delta := float64(output[0] - lastClose)
		switch {
		case delta > deadband:
			return types.Long
		case delta < -deadband:
			return types.Short
		}
	case 3:
		best := 1
		for i, v := range output {
			if v > output[best] {
				best = i
			}
		}
		if float64(output[best]-output[1]) <= deadband {
			return types.Flat
		}
		return types.Direction(best - 1)
	}
	return types.Flat
}
