// Package montecarlo resamples a strategy's closed trades to estimate how
// much of its backtest result depends on trade order.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/workers"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
)

// Config configures the simulation.
type Config struct {
	Runs        int       `json:"runs" validate:"gte=1"`
	Seed        int64     `json:"seed"`        // 0 seeds from the clock
	Replacement bool      `json:"replacement"` // bootstrap instead of permuting
	RuinLevel   float64   `json:"ruinLevel" validate:"gt=0,lt=1"`
	Percentiles []float64 `json:"percentiles" validate:"dive,gt=0,lt=1"`
	Chunks      int       `json:"chunks" validate:"gte=1"` // tasks submitted to the pool
}

// DefaultConfig runs 1000 bootstrapped paths and counts ruin at half the
// starting balance.
func DefaultConfig() Config {
	return Config{
		Runs:        1000,
		Replacement: true,
		RuinLevel:   0.5,
		Percentiles: []float64{0.05, 0.5, 0.95},
		Chunks:      8,
	}
}

// Path summarizes one equity curve.
type Path struct {
	FinalBalance float64 `json:"finalBalance"`
	MaxDrawdown  float64 `json:"maxDrawdown"`
	Ruined       bool    `json:"ruined"`
}

// Distribution describes one statistic across runs.
type Distribution struct {
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"stdDev"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"` // keyed "p5", "p50", ...
}

// Result is the outcome of a simulation.
type Result struct {
	Runs              int          `json:"runs"`
	Trades            int          `json:"trades"`
	Original          Path         `json:"original"`
	FinalBalance      Distribution `json:"finalBalance"`
	MaxDrawdown       Distribution `json:"maxDrawdown"`
	ProbabilityOfRuin float64      `json:"probabilityOfRuin"`
	ProbabilityOfLoss float64      `json:"probabilityOfLoss"`
}

// Simulate replays profits (account currency per trade) from initial in
// config.Runs random orders on pool. pool may be nil.
func Simulate(ctx context.Context, pool *workers.Pool, profits []float64, initial float64, config Config) (Result, error) {
	if len(profits) == 0 {
		return Result{}, fmt.Errorf("no trades to resample")
	}
	if initial <= 0 {
		return Result{}, fmt.Errorf("initial balance must be positive")
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	chunks := config.Chunks
	if chunks < 1 {
		chunks = 1
	}
	if chunks > config.Runs {
		chunks = config.Runs
	}

	paths := make([]Path, config.Runs)
	tasks := make([]workers.Task, chunks)
	per := (config.Runs + chunks - 1) / chunks
	for c := range tasks {
		lo, hi := c*per, min((c+1)*per, config.Runs)
		rng := rand.New(rand.NewSource(seed + int64(c)))
		tasks[c] = func(ctx context.Context) error {
			sample := make([]float64, len(profits))
			for i := lo; i < hi; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				resample(rng, profits, sample, config.Replacement)
				paths[i] = walk(sample, initial, config.RuinLevel)
			}
			return nil
		}
	}
	for _, err := range workers.Run(ctx, pool, tasks) {
		if err != nil {
			return Result{}, err
		}
	}

	result := Result{
		Runs:     config.Runs,
		Trades:   len(profits),
		Original: walk(profits, initial, config.RuinLevel),
	}
	finals := make([]float64, len(paths))
	drawdowns := make([]float64, len(paths))
	var ruined, lost int
	for i, p := range paths {
		finals[i] = p.FinalBalance
		drawdowns[i] = p.MaxDrawdown
		if p.Ruined {
			ruined++
		}
		if p.FinalBalance < initial {
			lost++
		}
	}
	result.FinalBalance = distribution(finals, config.Percentiles)
	result.MaxDrawdown = distribution(drawdowns, config.Percentiles)
	result.ProbabilityOfRuin = float64(ruined) / float64(len(paths))
	result.ProbabilityOfLoss = float64(lost) / float64(len(paths))
	return result, nil
}

func resample(rng *rand.Rand, src, dst []float64, replacement bool) {
	if replacement {
		for i := range dst {
			dst[i] = src[rng.Intn(len(src))]
		}
		return
	}
	for i, j := range rng.Perm(len(src)) {
		dst[i] = src[j]
	}
}

// walk builds the equity curve. Ruin is touching initial*ruinLevel.
func walk(profits []float64, initial, ruinLevel float64) Path {
	equity := make([]float64, len(profits)+1)
	equity[0] = initial
	ruined := false
	for i, p := range profits {
		equity[i+1] = equity[i] + p
		if equity[i+1] <= initial*ruinLevel {
			ruined = true
		}
	}
	return Path{
		FinalBalance: equity[len(equity)-1],
		MaxDrawdown:  utils.MaxDrawdown(equity),
		Ruined:       ruined,
	}
}

func distribution(values []float64, percentiles []float64) Distribution {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	d := Distribution{
		Mean:        utils.Mean(sorted),
		StdDev:      utils.StdDev(sorted),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Percentiles: make(map[string]float64, len(percentiles)),
	}
	for _, p := range percentiles {
		d.Percentiles[PercentileKey(p)] = percentile(sorted, p)
	}
	return d
}

// PercentileKey names a percentile in Distribution.Percentiles.
func PercentileKey(p float64) string {
	return fmt.Sprintf("p%g", math.Round(p*1000)/10)
}

// percentile interpolates linearly between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
