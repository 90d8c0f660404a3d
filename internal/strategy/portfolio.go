package strategy

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/workers"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// OptimizerConfig configures strategy search.
type OptimizerConfig struct {
	Candidates int            `json:"candidates" validate:"gte=1"`
	TopN       int            `json:"topN" validate:"gte=1"`
	MinTrades  int            `json:"minTrades" validate:"gte=0"`
	History    int            `json:"history" validate:"gte=1"` // candles loaded for a refresh
	Seed       int64          `json:"seed"`                     // 0 seeds from the clock
	Backtest   BacktestConfig `json:"backtest"`
}

// DefaultOptimizerConfig searches 50 strategies and keeps the best 10.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Candidates: 50,
		TopN:       10,
		MinTrades:  5,
		History:    2000,
		Backtest:   DefaultBacktestConfig(),
	}
}

// Optimize generates candidates, backtests them on the pool and returns
// the top results ranked by balance then trade count. Strategies with at
// least MinTrades trades are preferred; the rest fill any remaining slots.
// Candidates whose backtest failed are never returned. When none
// succeeded, the first failure is returned.
func Optimize(ctx context.Context, pool *workers.Pool, rng *rand.Rand, candles []types.Candle, config OptimizerConfig) ([]BacktestResult, error) {
	all := make([]BacktestResult, config.Candidates)
	tasks := make([]workers.Task, config.Candidates)
	for i := range tasks {
		s := Generate(rng)
		i := i
		tasks[i] = func(ctx context.Context) error {
			r, err := Backtest(s, candles, config.Backtest)
			all[i] = r
			return err
		}
	}

	results := make([]BacktestResult, 0, len(all))
	var firstErr error
	for i, err := range workers.Run(ctx, pool, tasks) {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, all[i])
	}
	if len(results) == 0 {
		if firstErr == nil {
			firstErr = types.NewValidationError("no strategy candidates")
		}
		return nil, firstErr
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Balance != results[j].Balance {
			return results[i].Balance > results[j].Balance
		}
		return results[i].Trades > results[j].Trades
	})

	top := make([]BacktestResult, 0, config.TopN)
	used := make([]bool, len(results))
	for i, r := range results {
		if len(top) == config.TopN {
			break
		}
		if r.Trades >= config.MinTrades {
			top = append(top, r)
			used[i] = true
		}
	}
	for i, r := range results {
		if len(top) == config.TopN {
			break
		}
		if !used[i] {
			top = append(top, r)
		}
	}
	return top, nil
}

// History loads stored candles for a refresh.
type History interface {
	LatestCandles(ctx context.Context, symbol string, n int) ([]types.Candle, error)
}

// Portfolio votes with the best strategies found by the last optimization.
// It implements the signal predictor and refresher contracts.
type Portfolio struct {
	logger  *zap.Logger
	config  OptimizerConfig
	pool    *workers.Pool
	history History
	symbol  string

	mu        sync.RWMutex
	rng       *rand.Rand
	ranked    []BacktestResult
	optimized time.Time
}

// NewPortfolio creates an empty portfolio. pool may be nil.
func NewPortfolio(logger *zap.Logger, config OptimizerConfig, pool *workers.Pool, history History, symbol string) *Portfolio {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Portfolio{
		logger:  logger.Named("strategy-portfolio"),
		config:  config,
		pool:    pool,
		history: history,
		symbol:  symbol,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Name identifies the portfolio as a signal source.
func (p *Portfolio) Name() string { return "strategies" }

// Predict returns the sign of the strategies' summed votes on the latest
// candle. An empty portfolio votes flat.
func (p *Portfolio) Predict(ctx context.Context, window []types.Candle) (types.Direction, error) {
	p.mu.RLock()
	ranked := p.ranked
	p.mu.RUnlock()

	sum := 0
	for _, r := range ranked {
		sum += int(r.Strategy.Signal(window))
	}
	switch {
	case sum > 0:
		return types.Long, nil
	case sum < 0:
		return types.Short, nil
	}
	return types.Flat, nil
}

// Optimize re-ranks strategies against candles and installs the winners.
// On error the installed strategies are kept.
func (p *Portfolio) Optimize(ctx context.Context, candles []types.Candle) ([]BacktestResult, error) {
	p.mu.Lock()
	// Each run draws from its own generator seeded by the shared one.
	rng := rand.New(rand.NewSource(p.rng.Int63()))
	p.mu.Unlock()

	top, err := Optimize(ctx, p.pool, rng, candles, p.config)
	if err != nil {
		p.logger.Warn("Strategy optimization failed, keeping current strategies",
			zap.Int("candles", len(candles)), zap.Error(err))
		return nil, err
	}

	p.mu.Lock()
	p.ranked = top
	p.optimized = time.Now()
	p.mu.Unlock()

	if len(top) > 0 {
		p.logger.Info("Strategies optimized",
			zap.Int("candles", len(candles)),
			zap.Int("kept", len(top)),
			zap.String("best", top[0].Strategy.String()),
			zap.Float64("bestBalance", top[0].Balance),
			zap.Int("bestTrades", top[0].Trades))
	}
	return top, nil
}

// Refresh reloads history and re-optimizes.
func (p *Portfolio) Refresh(ctx context.Context) error {
	candles, err := p.history.LatestCandles(ctx, p.symbol, p.config.History)
	if err != nil {
		return types.NewTransientError("load strategy history", err)
	}
	_, err = p.Optimize(ctx, candles)
	return err
}

// Ranked returns the installed strategies with their backtest results.
func (p *Portfolio) Ranked() ([]BacktestResult, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BacktestResult, len(p.ranked))
	copy(out, p.ranked)
	return out, p.optimized
}
