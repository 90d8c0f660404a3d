package learning

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
)

// Period groups outcomes for EvaluateByPeriod.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// PeriodMetrics are the metrics of one period bucket.
type PeriodMetrics struct {
	Period  string                   `json:"period"`
	Metrics types.PerformanceMetrics `json:"metrics"`
}

// StreakAnalysis contains win/loss streaks.
type StreakAnalysis struct {
	CurrentStreak     int     `json:"currentStreak"` // Positive = wins, negative = losses
	LongestWinStreak  int     `json:"longestWinStreak"`
	LongestLossStreak int     `json:"longestLossStreak"`
	AverageWinStreak  float64 `json:"averageWinStreak"`
	AverageLossStreak float64 `json:"averageLossStreak"`
}

// Evaluate computes performance over outcomes in close order. Drawdown is
// measured on an equity curve starting at initialEquity.
func Evaluate(outcomes []types.TradeOutcome, initialEquity float64) types.PerformanceMetrics {
	m := types.PerformanceMetrics{TradeCount: len(outcomes)}
	if len(outcomes) == 0 {
		return m
	}

	pnls := make([]float64, len(outcomes))
	equity := make([]float64, 0, len(outcomes)+1)
	balance := initialEquity
	equity = append(equity, balance)
	for i, o := range sortedByClose(outcomes) {
		pnls[i] = o.Profit
		balance += o.Profit
		equity = append(equity, balance)
		m.TotalProfit += o.Profit
	}

	m.WinRate = utils.WinRate(pnls)
	m.ProfitFactor = utils.ProfitFactor(pnls)
	m.MaxDrawdown = utils.MaxDrawdown(equity)
	if sd := utils.StdDev(pnls); sd > 0 {
		m.SharpeRatio = utils.Mean(pnls) / sd
	}
	m.TotalProfit = utils.RoundTo(m.TotalProfit, 2)
	return m
}

// EvaluateByPeriod evaluates each calendar bucket separately, oldest first.
func EvaluateByPeriod(outcomes []types.TradeOutcome, period Period, initialEquity float64) []PeriodMetrics {
	buckets := make(map[string][]types.TradeOutcome)
	for _, o := range outcomes {
		key := periodKey(o.ClosedAt.UTC(), period)
		buckets[key] = append(buckets[key], o)
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]PeriodMetrics, 0, len(keys))
	for _, k := range keys {
		out = append(out, PeriodMetrics{Period: k, Metrics: Evaluate(buckets[k], initialEquity)})
	}
	return out
}

func periodKey(t time.Time, period Period) string {
	switch period {
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case PeriodMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// AnalyzeStreaks analyzes win/loss streaks.
func AnalyzeStreaks(outcomes []types.TradeOutcome) StreakAnalysis {
	var analysis StreakAnalysis
	if len(outcomes) == 0 {
		return analysis
	}

	current := 0
	var winStreaks, lossStreaks []int
	for _, o := range sortedByClose(outcomes) {
		if o.Profit > 0 {
			if current < 0 {
				lossStreaks = append(lossStreaks, -current)
				current = 0
			}
			current++
		} else {
			if current > 0 {
				winStreaks = append(winStreaks, current)
				current = 0
			}
			current--
		}
	}
	if current > 0 {
		winStreaks = append(winStreaks, current)
	} else if current < 0 {
		lossStreaks = append(lossStreaks, -current)
	}

	analysis.CurrentStreak = current
	analysis.LongestWinStreak, analysis.AverageWinStreak = longestAndMean(winStreaks)
	analysis.LongestLossStreak, analysis.AverageLossStreak = longestAndMean(lossStreaks)
	return analysis
}

func longestAndMean(streaks []int) (int, float64) {
	if len(streaks) == 0 {
		return 0, 0
	}
	longest, sum := 0, 0
	for _, s := range streaks {
		sum += s
		if s > longest {
			longest = s
		}
	}
	return longest, float64(sum) / float64(len(streaks))
}

func sortedByClose(outcomes []types.TradeOutcome) []types.TradeOutcome {
	out := make([]types.TradeOutcome, len(outcomes))
	copy(out, outcomes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out
}

// Report is the result of one feedback run.
type Report struct {
	GeneratedAt time.Time                `json:"generatedAt"`
	Account     AccountStatus            `json:"account"`
	Overall     types.PerformanceMetrics `json:"overall"`
	Periods     []PeriodMetrics          `json:"periods"`
	Streaks     StreakAnalysis           `json:"streaks"`
	Actions     Actions                  `json:"actions"`
}

// ReportFileName is the name WriteReport writes under its directory.
const ReportFileName = "performance_report.txt"

// WriteReport writes a plain-text performance report to dir.
func WriteReport(dir string, r Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Performance report - %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nAccount: balance %.2f, equity %.2f, drawdown %.2f%%, open trades %d\n",
		r.Account.Balance, r.Account.Equity, r.Account.Drawdown*100, r.Account.OpenTrades)
	b.WriteString("\nOverall:\n")
	writeMetrics(&b, r.Overall)
	fmt.Fprintf(&b, "  Streaks: current %d, longest win %d, longest loss %d\n",
		r.Streaks.CurrentStreak, r.Streaks.LongestWinStreak, r.Streaks.LongestLossStreak)
	for _, p := range r.Periods {
		fmt.Fprintf(&b, "\nPeriod %s:\n", p.Period)
		writeMetrics(&b, p.Metrics)
	}
	if reasons := r.Actions.Reasons; len(reasons) > 0 {
		b.WriteString("\nActions:\n")
		for _, reason := range reasons {
			fmt.Fprintf(&b, "  - %s\n", reason)
		}
	}

	path := filepath.Join(dir, ReportFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

func writeMetrics(b *strings.Builder, m types.PerformanceMetrics) {
	pf := fmt.Sprintf("%.2f", m.ProfitFactor)
	if math.IsInf(m.ProfitFactor, 1) {
		pf = "inf"
	}
	fmt.Fprintf(b, "  Total profit: %.2f\n", m.TotalProfit)
	fmt.Fprintf(b, "  Win rate: %.2f%%\n", m.WinRate*100)
	fmt.Fprintf(b, "  Profit factor: %s\n", pf)
	fmt.Fprintf(b, "  Max drawdown: %.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(b, "  Sharpe ratio: %.2f\n", m.SharpeRatio)
	fmt.Fprintf(b, "  Trades: %d\n", m.TradeCount)
}
