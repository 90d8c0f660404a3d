// Package main searches random indicator strategies over stored or
// synthetic candles and prints the best performers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/config"
	"github.com/atlas-desktop/fx-trader/internal/data"
	"github.com/atlas-desktop/fx-trader/internal/montecarlo"
	"github.com/atlas-desktop/fx-trader/internal/strategy"
	"github.com/atlas-desktop/fx-trader/internal/workers"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Config file (yaml, json or toml)")
	synthetic := flag.Bool("synthetic", false, "Backtest a synthetic random walk")
	seed := flag.Int64("seed", 1, "Seed for the walk and the strategy search")
	bars := flag.Int("candles", 0, "Candles to test on (default: strategies.history)")
	out := flag.String("out", "", "Write ranked results as JSON to this file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	n := *bars
	if n <= 0 {
		n = cfg.Strategies.History
	}
	candles, err := loadCandles(context.Background(), logger, cfg, *synthetic, *seed, n)
	if err != nil {
		logger.Fatal("Failed to load candles", zap.Error(err))
	}
	logger.Info("Loaded candles", zap.Int("count", len(candles)), zap.String("symbol", cfg.App.Symbol))

	pool := workers.NewPool(logger, cfg.Workers)
	pool.Start()
	defer pool.Stop()

	start := time.Now()
	results, err := strategy.Optimize(context.Background(), pool, rand.New(rand.NewSource(*seed)), candles, cfg.Strategies)
	if err != nil {
		logger.Fatal("Optimization failed", zap.Int("candles", len(candles)), zap.Error(err))
	}
	logger.Info("Optimization complete",
		zap.Int("candidates", cfg.Strategies.Candidates),
		zap.Int("kept", len(results)),
		zap.Duration("took", time.Since(start)))

	printResults(results)

	report := backtestReport{Results: results}
	if len(results) > 0 && len(results[0].Outcomes) > 0 {
		best := results[0]
		profits := make([]float64, len(best.Outcomes))
		for i, o := range best.Outcomes {
			profits[i] = o.Profit
		}
		mc, err := montecarlo.Simulate(context.Background(), pool, profits, cfg.Strategies.Backtest.InitialBalance, cfg.MonteCarlo)
		if err != nil {
			logger.Warn("Monte Carlo check failed", zap.Error(err))
		} else {
			report.MonteCarlo = &mc
			printMonteCarlo(best.Strategy, mc)
		}
	}

	if *out != "" {
		body, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			logger.Fatal("Failed to encode results", zap.Error(err))
		}
		if err := os.WriteFile(*out, body, 0o644); err != nil {
			logger.Fatal("Failed to write results", zap.Error(err))
		}
	}
}

type backtestReport struct {
	Results    []strategy.BacktestResult `json:"results"`
	MonteCarlo *montecarlo.Result        `json:"monteCarlo,omitempty"` // for the top strategy
}

func loadCandles(ctx context.Context, logger *zap.Logger, cfg config.Config, synthetic bool, seed int64, n int) ([]types.Candle, error) {
	symbol := cfg.App.Symbol
	if synthetic {
		interval, err := utils.TimeframeDuration(cfg.App.Timeframe)
		if err != nil {
			return nil, err
		}
		start := time.Now().Add(-time.Duration(n) * interval)
		return data.GenerateCandles(symbol, start, interval, n, seed, data.DefaultWalkParams()), nil
	}

	if cfg.App.ClickHouse.DSN != "" {
		ch, err := data.OpenClickHouse(ctx, logger, cfg.App.ClickHouse.DSN)
		if err != nil {
			return nil, err
		}
		defer ch.Close()
		return ch.LatestCandles(ctx, symbol, n)
	}

	store, err := data.NewStore(logger, cfg.App.DataDir)
	if err != nil {
		return nil, err
	}
	candles, err := store.LatestCandles(ctx, symbol, n)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, types.NewInsufficientDataError(0, cfg.Strategies.Backtest.MinCandles)
	}
	return candles, nil
}

func printResults(results []strategy.BacktestResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tBALANCE\tTRADES\tWIN RATE\tPROFIT FACTOR\tMAX DD\tSTRATEGY")
	for i, r := range results {
		pf := "inf"
		if !math.IsInf(r.Metrics.ProfitFactor, 1) {
			pf = fmt.Sprintf("%.2f", r.Metrics.ProfitFactor)
		}
		fmt.Fprintf(w, "%d\t%.2f\t%d\t%.1f%%\t%s\t%.1f%%\t%s\n",
			i+1, r.Balance, r.Trades, r.Metrics.WinRate*100, pf, r.Metrics.MaxDrawdown*100, r.Strategy)
	}
	w.Flush()
}

func printMonteCarlo(s strategy.Strategy, r montecarlo.Result) {
	fmt.Printf("\nMonte Carlo (%d runs, %d trades) for %s\n", r.Runs, r.Trades, s)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAT\tORIGINAL\tMEAN\tP5\tP50\tP95")
	fmt.Fprintf(w, "final balance\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
		r.Original.FinalBalance, r.FinalBalance.Mean,
		r.FinalBalance.Percentiles["p5"], r.FinalBalance.Percentiles["p50"], r.FinalBalance.Percentiles["p95"])
	fmt.Fprintf(w, "max drawdown\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\n",
		r.Original.MaxDrawdown*100, r.MaxDrawdown.Mean*100,
		r.MaxDrawdown.Percentiles["p5"]*100, r.MaxDrawdown.Percentiles["p50"]*100, r.MaxDrawdown.Percentiles["p95"]*100)
	w.Flush()
	fmt.Printf("P(loss) %.1f%%  P(ruin) %.1f%%\n", r.ProbabilityOfLoss*100, r.ProbabilityOfRuin*100)
}
