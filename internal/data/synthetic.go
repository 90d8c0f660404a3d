package data

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
)

// WalkParams shapes a generated random walk.
type WalkParams struct {
	Start      float64 // first open
	Drift      float64 // mean close-to-close change per bar, in price units
	Volatility float64 // stddev of close-to-close change, in price units
	Volume     float64 // mean tick volume
}

// DefaultWalkParams returns a quiet EURUSD-like walk.
func DefaultWalkParams() WalkParams {
	return WalkParams{
		Start:      1.1000,
		Drift:      0,
		Volatility: 0.0002,
		Volume:     1000,
	}
}

// GenerateCandles builds n candles of a seeded random walk starting at
// start and spaced by interval.
func GenerateCandles(symbol string, start time.Time, interval time.Duration, n int, seed int64, p WalkParams) []types.Candle {
	rng := rand.New(rand.NewSource(seed))
	candles := make([]types.Candle, n)
	price := p.Start
	for i := 0; i < n; i++ {
		candles[i] = nextCandle(rng, symbol, start.Add(time.Duration(i)*interval), price, p)
		price = candles[i].Close
	}
	return candles
}

func nextCandle(rng *rand.Rand, symbol string, t time.Time, open float64, p WalkParams) types.Candle {
	closePrice := open + p.Drift + rng.NormFloat64()*p.Volatility
	if closePrice <= 0 {
		closePrice = open
	}
	wick := math.Abs(rng.NormFloat64()) * p.Volatility * 0.5
	return types.Candle{
		Time:   t,
		Symbol: symbol,
		Open:   open,
		High:   math.Max(open, closePrice) + wick,
		Low:    math.Min(open, closePrice) - wick,
		Close:  closePrice,
		Volume: p.Volume * (0.5 + rng.Float64()),
	}
}

// Synthetic is a market data source producing a seeded random walk aligned
// to the wall clock. It backs paper trading when no feed is configured.
type Synthetic struct {
	mu       sync.Mutex
	rng      *rand.Rand
	params   WalkParams
	interval time.Duration
	symbol   string
	candles  []types.Candle
	now      func() time.Time
}

// NewSynthetic creates a generator whose history begins at origin.
func NewSynthetic(symbol string, origin time.Time, interval time.Duration, seed int64, p WalkParams) *Synthetic {
	return &Synthetic{
		rng:      rand.New(rand.NewSource(seed)),
		params:   p,
		interval: interval,
		symbol:   symbol,
		candles: []types.Candle{
			{Time: origin.Truncate(interval), Symbol: symbol, Open: p.Start, High: p.Start, Low: p.Start, Close: p.Start, Volume: p.Volume},
		},
		now: time.Now,
	}
}

// WithClock overrides the wall clock.
func (s *Synthetic) WithClock(now func() time.Time) *Synthetic {
	s.now = now
	return s
}

func (s *Synthetic) extend() {
	limit := s.now().Truncate(s.interval)
	last := s.candles[len(s.candles)-1]
	for last.Time.Before(limit) {
		last = nextCandle(s.rng, s.symbol, last.Time.Add(s.interval), last.Close, s.params)
		s.candles = append(s.candles, last)
	}
}

// Recent returns the latest n candles.
func (s *Synthetic) Recent(ctx context.Context, symbol string, n int) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extend()
	from := len(s.candles) - n
	if from < 0 {
		from = 0
	}
	out := make([]types.Candle, len(s.candles)-from)
	copy(out, s.candles[from:])
	return out, nil
}

// Range returns generated candles in [start, end].
func (s *Synthetic) Range(ctx context.Context, symbol string, start, end time.Time) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extend()
	return filterByTimeRange(s.candles, start, end), nil
}
