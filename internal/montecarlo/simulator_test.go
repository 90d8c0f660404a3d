package montecarlo_test

import (
	"context"
	"math"
	"testing"

	"github.com/atlas-desktop/fx-trader/internal/montecarlo"
	"github.com/atlas-desktop/fx-trader/internal/workers"
	"go.uber.org/zap"
)

func TestPermutationKeepsFinalBalance(t *testing.T) {
	profits := []float64{100, -50, 200, -150, 75}
	cfg := montecarlo.DefaultConfig()
	cfg.Runs = 200
	cfg.Seed = 7
	cfg.Replacement = false

	result, err := montecarlo.Simulate(context.Background(), nil, profits, 1000, cfg)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}

	// Reordering trades never changes the sum.
	if math.Abs(result.FinalBalance.Min-1175) > 1e-9 || math.Abs(result.FinalBalance.Max-1175) > 1e-9 {
		t.Errorf("Expected every path to end at 1175, got [%f, %f]", result.FinalBalance.Min, result.FinalBalance.Max)
	}
	if result.Original.FinalBalance != 1175 {
		t.Errorf("Expected original final balance 1175, got %f", result.Original.FinalBalance)
	}
	if result.ProbabilityOfLoss != 0 {
		t.Errorf("Expected no losing paths, got %f", result.ProbabilityOfLoss)
	}
	if result.MaxDrawdown.Max < result.MaxDrawdown.Min {
		t.Error("Expected max drawdown range to be ordered")
	}
}

func TestBootstrapDetectsRuin(t *testing.T) {
	profits := []float64{-400, -400, 50}
	cfg := montecarlo.DefaultConfig()
	cfg.Runs = 500
	cfg.Seed = 3

	result, err := montecarlo.Simulate(context.Background(), nil, profits, 1000, cfg)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if !result.Original.Ruined {
		t.Error("Expected the original path to touch the ruin level")
	}
	if result.ProbabilityOfRuin <= 0.5 {
		t.Errorf("Expected ruin in most paths, got %f", result.ProbabilityOfRuin)
	}
	if result.Runs != 500 || result.Trades != 3 {
		t.Errorf("Expected 500 runs of 3 trades, got %d of %d", result.Runs, result.Trades)
	}
}

func TestSimulateDeterministicOnPool(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("mc"))
	pool.Start()
	defer pool.Stop()

	profits := []float64{30, -20, 45, -60, 10, 5, -15, 80}
	cfg := montecarlo.DefaultConfig()
	cfg.Runs = 400
	cfg.Seed = 11

	a, err := montecarlo.Simulate(context.Background(), pool, profits, 10000, cfg)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	b, err := montecarlo.Simulate(context.Background(), nil, profits, 10000, cfg)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}

	if a.FinalBalance.Mean != b.FinalBalance.Mean || a.ProbabilityOfLoss != b.ProbabilityOfLoss {
		t.Errorf("Expected identical results for a fixed seed, got %+v vs %+v", a.FinalBalance, b.FinalBalance)
	}
	p5 := a.FinalBalance.Percentiles[montecarlo.PercentileKey(0.05)]
	p95 := a.FinalBalance.Percentiles[montecarlo.PercentileKey(0.95)]
	if p5 > p95 {
		t.Errorf("Expected p5 <= p95, got %f > %f", p5, p95)
	}
	if montecarlo.PercentileKey(0.05) != "p5" {
		t.Errorf("Expected key p5, got %s", montecarlo.PercentileKey(0.05))
	}
}

func TestSimulateRejectsEmptyInput(t *testing.T) {
	if _, err := montecarlo.Simulate(context.Background(), nil, nil, 1000, montecarlo.DefaultConfig()); err == nil {
		t.Error("Expected error for no trades")
	}
}
