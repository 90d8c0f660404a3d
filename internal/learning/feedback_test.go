package learning_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/learning"
	"github.com/atlas-desktop/fx-trader/internal/sizing"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var day0 = time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)

func outcomes(profits ...float64) []types.TradeOutcome {
	out := make([]types.TradeOutcome, len(profits))
	for i, p := range profits {
		out[i] = types.TradeOutcome{
			ID:       "trd",
			Symbol:   "EURUSD",
			Profit:   p,
			ClosedAt: day0.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func newState(maxRisk float64) *sizing.RiskState {
	return sizing.NewRiskState(10000, maxRisk, sizing.RiskLimits{Floor: 0.005, Ceiling: 0.05})
}

func TestEvaluate(t *testing.T) {
	m := learning.Evaluate(outcomes(100, -50, 200, -50), 10000)

	if m.TradeCount != 4 {
		t.Errorf("Expected 4 trades, got %d", m.TradeCount)
	}
	if m.WinRate != 0.5 {
		t.Errorf("Expected win rate 0.5, got %f", m.WinRate)
	}
	if m.ProfitFactor != 3 {
		t.Errorf("Expected profit factor 3, got %f", m.ProfitFactor)
	}
	if want := 50.0 / 10100; math.Abs(m.MaxDrawdown-want) > 1e-12 {
		t.Errorf("Expected drawdown %f, got %f", want, m.MaxDrawdown)
	}
	if math.Abs(m.SharpeRatio-50/math.Sqrt(11250)) > 1e-9 {
		t.Errorf("Unexpected sharpe %f", m.SharpeRatio)
	}
	if m.TotalProfit != 200 {
		t.Errorf("Expected total profit 200, got %f", m.TotalProfit)
	}
}

func TestEvaluateEdgeCases(t *testing.T) {
	if m := learning.Evaluate(nil, 10000); m.TradeCount != 0 || m.SharpeRatio != 0 {
		t.Errorf("Expected zero metrics, got %+v", m)
	}

	m := learning.Evaluate(outcomes(10, 10, 10), 10000)
	if !math.IsInf(m.ProfitFactor, 1) {
		t.Errorf("Expected infinite profit factor without losses, got %f", m.ProfitFactor)
	}
	if m.SharpeRatio != 0 {
		t.Errorf("Expected zero sharpe for constant outcomes, got %f", m.SharpeRatio)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Failed to marshal metrics: %v", err)
	}
	var decoded types.PerformanceMetrics
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal metrics: %v", err)
	}
	if !math.IsInf(decoded.ProfitFactor, 1) {
		t.Errorf("Expected infinite profit factor to survive JSON, got %f", decoded.ProfitFactor)
	}
}

func TestBreakevenOutcomesDoNotPause(t *testing.T) {
	m := learning.Evaluate(outcomes(0, 0), 10000)
	if !math.IsInf(m.ProfitFactor, 1) {
		t.Errorf("Expected infinite profit factor for breakeven trades, got %f", m.ProfitFactor)
	}

	config := learning.DefaultMonitorConfig()
	config.MinWinRate = 0
	actions := learning.Apply(config, m, newState(0.02))
	if actions.SuggestPause {
		t.Errorf("Expected no pause suggestion, got reasons %v", actions.Reasons)
	}
}

func TestAccountDrawdownReducesRisk(t *testing.T) {
	config := learning.DefaultMonitorConfig()
	config.MaxDrawdown = 0.20

	state := newState(0.02)
	state.SetAccount(10000, 0.25)

	actions := learning.Apply(config, types.PerformanceMetrics{}, state)
	if !actions.ReducedRisk {
		t.Fatal("Expected risk reduction")
	}
	if got := state.Snapshot().MaxRiskPerTrade; got >= 0.02 || math.Abs(got-0.016) > 1e-12 {
		t.Errorf("Expected max risk 0.016, got %f", got)
	}

	// Repeated breaches walk down to the floor and stay there.
	low := newState(0.006)
	low.SetAccount(10000, 0.25)
	learning.Apply(config, types.PerformanceMetrics{}, low)
	if got := low.Snapshot().MaxRiskPerTrade; got != 0.005 {
		t.Errorf("Expected max risk clamped to 0.005, got %f", got)
	}
	again := learning.Apply(config, types.PerformanceMetrics{}, low)
	if again.ReducedRisk || low.Snapshot().MaxRiskPerTrade != 0.005 {
		t.Errorf("Expected max risk to hold at the floor, got %+v", again)
	}
}

func TestRiskMonotonicInDrawdown(t *testing.T) {
	config := learning.DefaultMonitorConfig()
	const original = 0.02

	prev := original
	for d := 0.0; d <= 1.0; d += 0.05 {
		state := newState(original)
		state.SetAccount(10000, d)
		learning.Apply(config, types.PerformanceMetrics{}, state)

		got := state.Snapshot().MaxRiskPerTrade
		if got < 0.005 || got > original {
			t.Fatalf("drawdown %.2f: max risk %f outside [0.005, %f]", d, got, original)
		}
		if got > prev {
			t.Fatalf("drawdown %.2f: max risk increased from %f to %f", d, prev, got)
		}
		prev = got
	}
}

func TestApplyFlags(t *testing.T) {
	config := learning.DefaultMonitorConfig()

	tests := []struct {
		name        string
		metrics     types.PerformanceMetrics
		wantRefresh bool
		wantPause   bool
	}{
		{"healthy", types.PerformanceMetrics{TradeCount: 10, WinRate: 0.7, ProfitFactor: 2}, false, false},
		{"low win rate", types.PerformanceMetrics{TradeCount: 10, WinRate: 0.4, ProfitFactor: 2}, true, false},
		{"low profit factor", types.PerformanceMetrics{TradeCount: 10, WinRate: 0.7, ProfitFactor: 1.1}, false, true},
		{"no trades", types.PerformanceMetrics{}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newState(0.02)
			actions := learning.Apply(config, tt.metrics, state)
			if actions.RefreshPredictors != tt.wantRefresh {
				t.Errorf("Expected refresh %v, got %v", tt.wantRefresh, actions.RefreshPredictors)
			}
			if actions.SuggestPause != tt.wantPause {
				t.Errorf("Expected pause %v, got %v", tt.wantPause, actions.SuggestPause)
			}
			if state.Snapshot().MaxRiskPerTrade != 0.02 {
				t.Error("Expected max risk unchanged without a drawdown breach")
			}
		})
	}
}

func TestNextInterval(t *testing.T) {
	config := learning.DefaultMonitorConfig()

	if got := learning.NextInterval(config, types.PerformanceMetrics{TradeCount: 5, WinRate: 0.5}); got != 5*time.Minute {
		t.Errorf("Expected fast cadence on low win rate, got %v", got)
	}
	if got := learning.NextInterval(config, types.PerformanceMetrics{TradeCount: 5, WinRate: 0.7, MaxDrawdown: 0.12}); got != 5*time.Minute {
		t.Errorf("Expected fast cadence on drawdown, got %v", got)
	}
	if got := learning.NextInterval(config, types.PerformanceMetrics{TradeCount: 5, WinRate: 0.7}); got != time.Hour {
		t.Errorf("Expected base cadence, got %v", got)
	}
}

func TestEvaluateByPeriod(t *testing.T) {
	trades := outcomes(10, -5)
	trades = append(trades, types.TradeOutcome{Profit: 20, ClosedAt: day0.Add(36 * time.Hour)})

	periods := learning.EvaluateByPeriod(trades, learning.PeriodDaily, 10000)
	if len(periods) != 2 {
		t.Fatalf("Expected 2 days, got %d", len(periods))
	}
	if periods[0].Period != "2024-03-11" || periods[0].Metrics.TradeCount != 2 {
		t.Errorf("Unexpected first period %+v", periods[0])
	}
	if periods[1].Period != "2024-03-13" || periods[1].Metrics.TotalProfit != 20 {
		t.Errorf("Unexpected second period %+v", periods[1])
	}

	weekly := learning.EvaluateByPeriod(trades, learning.PeriodWeekly, 10000)
	if len(weekly) != 1 || weekly[0].Period != "2024-W11" {
		t.Errorf("Expected one ISO week, got %+v", weekly)
	}
}

func TestAnalyzeStreaks(t *testing.T) {
	s := learning.AnalyzeStreaks(outcomes(1, 1, -1, -1, -1, 1))

	if s.CurrentStreak != 1 {
		t.Errorf("Expected current streak 1, got %d", s.CurrentStreak)
	}
	if s.LongestWinStreak != 2 || s.LongestLossStreak != 3 {
		t.Errorf("Expected longest 2/3, got %d/%d", s.LongestWinStreak, s.LongestLossStreak)
	}
	if s.AverageWinStreak != 1.5 {
		t.Errorf("Expected average win streak 1.5, got %f", s.AverageWinStreak)
	}
}

type fakeOutcomes struct {
	outcomes []types.TradeOutcome
	err      error
}

func (f *fakeOutcomes) QueryOutcomes(ctx context.Context, since time.Time) ([]types.TradeOutcome, error) {
	var out []types.TradeOutcome
	for _, o := range f.outcomes {
		if !o.ClosedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, f.err
}

type fakeAccount struct {
	balance, equity float64
	err             error
}

func (f *fakeAccount) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	return types.AccountInfo{
		Balance: decimal.NewFromFloat(f.balance),
		Equity:  decimal.NewFromFloat(f.equity),
	}, f.err
}

func (f *fakeAccount) Positions(ctx context.Context, symbol string) ([]types.Position, error) {
	return []types.Position{{OrderID: "o-1", Symbol: symbol}}, nil
}

type countingRefresher struct {
	calls int
}

func (c *countingRefresher) Name() string { return "counting" }

func (c *countingRefresher) Refresh(ctx context.Context) error {
	c.calls++
	return nil
}

func TestMonitorRunOnce(t *testing.T) {
	config := learning.DefaultMonitorConfig()
	config.MaxDrawdown = 0.20
	config.ReportDir = t.TempDir()

	state := newState(0.02)
	refresher := &countingRefresher{}
	monitor := learning.NewMonitor(zap.NewNop(), config, state,
		&fakeOutcomes{outcomes: outcomes(50, -100, -100, 40)},
		&fakeAccount{balance: 10000, equity: 7500}, "EURUSD").
		WithClock(func() time.Time { return day0.Add(24 * time.Hour) })
	monitor.AddRefresher(refresher)

	report, next, err := monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	snap := state.Snapshot()
	if snap.CurrentDrawdown != 0.25 || snap.AccountBalance != 10000 {
		t.Errorf("Expected account synced, got %+v", snap)
	}
	if snap.MaxRiskPerTrade >= 0.02 {
		t.Errorf("Expected max risk reduced, got %f", snap.MaxRiskPerTrade)
	}
	if !report.Actions.RefreshPredictors || refresher.calls != 1 {
		t.Errorf("Expected predictors refreshed once, got %d", refresher.calls)
	}
	if !report.Actions.SuggestPause {
		t.Error("Expected pause suggestion")
	}
	if report.Account.OpenTrades != 1 {
		t.Errorf("Expected 1 open trade, got %d", report.Account.OpenTrades)
	}
	if next != config.FastInterval {
		t.Errorf("Expected fast interval, got %v", next)
	}

	data, err := os.ReadFile(filepath.Join(config.ReportDir, learning.ReportFileName))
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	if !strings.Contains(string(data), "Win rate: 50.00%") {
		t.Errorf("Report missing win rate:\n%s", data)
	}
	if last, ok := monitor.Last(); !ok || last.Overall.TradeCount != 4 {
		t.Errorf("Expected last report kept, got %+v", last)
	}
}

func TestMonitorAccountFailureStillEvaluates(t *testing.T) {
	state := newState(0.02)
	monitor := learning.NewMonitor(zap.NewNop(), learning.DefaultMonitorConfig(), state,
		&fakeOutcomes{outcomes: outcomes(10)},
		&fakeAccount{err: errors.New("venue down")}, "EURUSD").
		WithClock(func() time.Time { return day0.Add(time.Hour) })

	report, _, err := monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("Expected evaluation despite account failure, got %v", err)
	}
	if report.Overall.TradeCount != 1 {
		t.Errorf("Expected 1 trade evaluated, got %d", report.Overall.TradeCount)
	}
}

func TestMonitorOutcomeFailureIsTransient(t *testing.T) {
	monitor := learning.NewMonitor(zap.NewNop(), learning.DefaultMonitorConfig(), newState(0.02),
		&fakeOutcomes{err: errors.New("disk")}, nil, "EURUSD")

	_, _, err := monitor.RunOnce(context.Background())
	if !types.IsKind(err, types.KindTransientIO) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestMonitorPersistsReducedRisk(t *testing.T) {
	config := learning.DefaultMonitorConfig()
	config.DataDir = t.TempDir()

	state := newState(0.02)
	monitor := learning.NewMonitor(zap.NewNop(), config, state,
		&fakeOutcomes{outcomes: outcomes(10, 10)},
		&fakeAccount{balance: 10000, equity: 8000}, "EURUSD").
		WithClock(func() time.Time { return day0.Add(24 * time.Hour) })
	if _, _, err := monitor.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	restored := newState(0.02)
	reloaded := learning.NewMonitor(zap.NewNop(), config, restored, &fakeOutcomes{}, nil, "EURUSD")
	if got := restored.Snapshot().MaxRiskPerTrade; math.Abs(got-0.016) > 1e-12 {
		t.Errorf("Expected restored max risk 0.016, got %f", got)
	}
	if len(reloaded.History()) != 1 {
		t.Errorf("Expected 1 action in history, got %d", len(reloaded.History()))
	}
	if last, ok := reloaded.Last(); !ok || !math.IsInf(last.Overall.ProfitFactor, 1) {
		t.Errorf("Expected last report restored, got %+v", last)
	}
}
