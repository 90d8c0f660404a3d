// Package utils provides numeric and identifier helpers shared by the engine.
package utils

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PipSize is the price increment of one pip for the quoted symbol.
const PipSize = 0.0001

// GenerateID returns a prefixed random identifier.
func GenerateID(prefix string) string {
	id := uuid.NewString()
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateOrderID generates a client order ID.
func GenerateOrderID() string {
	return GenerateID("ord")
}

// GenerateTradeID generates a trade ID.
func GenerateTradeID() string {
	return GenerateID("trd")
}

// ToPips converts a price distance to pips.
func ToPips(priceDistance float64) float64 {
	return priceDistance / PipSize
}

// FromPips converts pips to a price distance.
func FromPips(pips float64) float64 {
	return pips * PipSize
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// Decimal converts a float price or quantity at the venue boundary.
func Decimal(v float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(places)
}

// PercentChange returns (new-old)/old, or 0 when old is 0.
func PercentChange(old, new float64) float64 {
	if old == 0 {
		return 0
	}
	return (new - old) / old
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// MaxDrawdown returns the largest peak-to-trough decline of an equity curve
// as a fraction of the peak.
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	maxDD := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// WinRate returns the fraction of strictly positive values.
func WinRate(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 0
	}
	wins := 0
	for _, p := range pnls {
		if p > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(pnls))
}

// ProfitFactor returns gross profit over gross loss. It is +Inf whenever
// there are no losses, breakeven-only and empty inputs included.
func ProfitFactor(pnls []float64) float64 {
	grossProfit, grossLoss := 0.0, 0.0
	for _, p := range pnls {
		if p > 0 {
			grossProfit += p
		} else {
			grossLoss -= p
		}
	}
	if grossLoss == 0 {
		return math.Inf(1)
	}
	return grossProfit / grossLoss
}

// TimeframeDuration converts a candle timeframe such as "5m", "4h" or
// "1d" to its duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	if n := len(tf); n > 1 && tf[n-1] == 'd' {
		d, err := time.ParseDuration(tf[:n-1] + "h")
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid timeframe %q", tf)
		}
		return d * 24, nil
	}
	d, err := time.ParseDuration(tf)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	return d, nil
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   1,
	}
}

// Retry executes fn with backoff until it succeeds, attempts run out or
// ctx is done.
func Retry[T any](ctx context.Context, config RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var result T
	var err error
	delay := config.InitialDelay
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
		if config.Multiplier > 1 {
			delay = time.Duration(float64(delay) * config.Multiplier)
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", attempts, err)
}
