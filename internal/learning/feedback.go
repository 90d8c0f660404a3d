// Package learning evaluates realized trade outcomes and feeds the result
// back into the shared risk state.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/metrics"
	"github.com/atlas-desktop/fx-trader/internal/sizing"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// MonitorConfig configures the feedback monitor.
type MonitorConfig struct {
	MinWinRate      float64 `json:"minWinRate" validate:"gte=0,lte=1"`
	MaxDrawdown     float64 `json:"maxDrawdown" validate:"gt=0,lte=1"`
	MinProfitFactor float64 `json:"minProfitFactor" validate:"gte=0"`
	RiskReduction   float64 `json:"riskReduction" validate:"gt=0,lt=1"` // max risk multiplier on a drawdown breach
	InitialEquity   float64 `json:"initialEquity" validate:"gt=0"`

	LookbackTrades int           `json:"lookbackTrades" validate:"gte=1"`
	LookbackPeriod time.Duration `json:"lookbackPeriod" validate:"gt=0"`
	Period         Period        `json:"period" validate:"oneof=daily weekly monthly"`

	Interval     time.Duration `json:"interval" validate:"gt=0"`
	FastInterval time.Duration `json:"fastInterval" validate:"gt=0"`
	FastWinRate  float64       `json:"fastWinRate" validate:"gte=0,lte=1"`
	FastDrawdown float64       `json:"fastDrawdown" validate:"gte=0,lte=1"`

	DataDir   string `json:"dataDir"`
	ReportDir string `json:"reportDir"`
}

// DefaultMonitorConfig returns the standard thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MinWinRate:      0.6,
		MaxDrawdown:     0.15,
		MinProfitFactor: 1.5,
		RiskReduction:   0.8,
		InitialEquity:   10000,
		LookbackTrades:  100,
		LookbackPeriod:  30 * 24 * time.Hour,
		Period:          PeriodDaily,
		Interval:        time.Hour,
		FastInterval:    5 * time.Minute,
		FastWinRate:     0.6,
		FastDrawdown:    0.1,
	}
}

// Actions records what one evaluation changed or flagged.
type Actions struct {
	ReducedRisk       bool     `json:"reducedRisk"`
	RiskBefore        float64  `json:"riskBefore"`
	RiskAfter         float64  `json:"riskAfter"`
	RefreshPredictors bool     `json:"refreshPredictors"`
	SuggestPause      bool     `json:"suggestPause"`
	Reasons           []string `json:"reasons,omitempty"`
}

// AccountStatus is the live account view taken from the venue.
type AccountStatus struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	Drawdown   float64 `json:"drawdown"`
	OpenTrades int     `json:"openTrades"`
}

// OutcomeSource returns closed trades since a point in time.
type OutcomeSource interface {
	QueryOutcomes(ctx context.Context, since time.Time) ([]types.TradeOutcome, error)
}

// AccountSource exposes the venue account.
type AccountSource interface {
	AccountInfo(ctx context.Context) (types.AccountInfo, error)
	Positions(ctx context.Context, symbol string) ([]types.Position, error)
}

// Refresher is implemented by predictors that can retrain or re-optimize
// when performance degrades.
type Refresher interface {
	Name() string
	Refresh(ctx context.Context) error
}

// Apply applies the feedback policy to state. The drawdown compared with
// the ceiling is the larger of the outcome curve drawdown and the live
// account drawdown already held in state.
func Apply(config MonitorConfig, m types.PerformanceMetrics, state *sizing.RiskState) Actions {
	snap := state.Snapshot()
	actions := Actions{RiskBefore: snap.MaxRiskPerTrade, RiskAfter: snap.MaxRiskPerTrade}

	drawdown := math.Max(m.MaxDrawdown, snap.CurrentDrawdown)
	if drawdown > config.MaxDrawdown {
		actions.RiskBefore, actions.RiskAfter = state.ScaleMaxRisk(config.RiskReduction)
		actions.ReducedRisk = actions.RiskAfter < actions.RiskBefore
		actions.Reasons = append(actions.Reasons,
			fmt.Sprintf("drawdown %.2f%% above %.2f%%: max risk %.4f -> %.4f",
				drawdown*100, config.MaxDrawdown*100, actions.RiskBefore, actions.RiskAfter))
	}

	// Rates are meaningless without trades.
	if m.TradeCount == 0 {
		return actions
	}
	if m.WinRate < config.MinWinRate {
		actions.RefreshPredictors = true
		actions.Reasons = append(actions.Reasons,
			fmt.Sprintf("win rate %.2f%% below %.2f%%: refresh predictors", m.WinRate*100, config.MinWinRate*100))
	}
	if m.ProfitFactor < config.MinProfitFactor {
		actions.SuggestPause = true
		actions.Reasons = append(actions.Reasons,
			fmt.Sprintf("profit factor %.2f below %.2f: consider pausing", m.ProfitFactor, config.MinProfitFactor))
	}
	return actions
}

// NextInterval returns how long to wait before the next evaluation. Weak
// performance shortens the cadence.
func NextInterval(config MonitorConfig, m types.PerformanceMetrics) time.Duration {
	if m.TradeCount > 0 && (m.WinRate < config.FastWinRate || m.MaxDrawdown > config.FastDrawdown) {
		return config.FastInterval
	}
	return config.Interval
}

// Monitor periodically evaluates outcomes and adjusts RiskState.
type Monitor struct {
	logger     *zap.Logger
	config     MonitorConfig
	state      *sizing.RiskState
	outcomes   OutcomeSource
	account    AccountSource
	symbol     string
	refreshers []Refresher
	bus        events.Publisher
	recorder   *metrics.Recorder
	now        func() time.Time

	mu      sync.RWMutex
	last    *Report
	history []Actions
}

// NewMonitor creates a feedback monitor. account may be nil, in which case
// RiskState account fields are left to the caller.
func NewMonitor(logger *zap.Logger, config MonitorConfig, state *sizing.RiskState, outcomes OutcomeSource, account AccountSource, symbol string) *Monitor {
	m := &Monitor{
		logger:   logger.Named("feedback-monitor"),
		config:   config,
		state:    state,
		outcomes: outcomes,
		account:  account,
		symbol:   symbol,
		now:      time.Now,
	}
	if config.DataDir != "" {
		m.load()
	}
	return m
}

// WithClock overrides the wall clock.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// SetPublisher sets where feedback actions are announced.
func (m *Monitor) SetPublisher(p events.Publisher) { m.bus = p }

// SetRecorder sets the metrics recorder.
func (m *Monitor) SetRecorder(r *metrics.Recorder) { m.recorder = r }

// AddRefresher registers a predictor to refresh when the win rate is low.
func (m *Monitor) AddRefresher(r Refresher) {
	m.refreshers = append(m.refreshers, r)
}

// SyncAccount copies balance and live drawdown from the venue into
// RiskState.
func (m *Monitor) SyncAccount(ctx context.Context) (AccountStatus, error) {
	if m.account == nil {
		snap := m.state.Snapshot()
		return AccountStatus{Balance: snap.AccountBalance, Equity: snap.AccountBalance, Drawdown: snap.CurrentDrawdown}, nil
	}

	info, err := m.account.AccountInfo(ctx)
	if err != nil {
		return AccountStatus{}, types.NewTransientError("account info", err)
	}
	status := AccountStatus{
		Balance: info.Balance.InexactFloat64(),
		Equity:  info.Equity.InexactFloat64(),
		Margin:  info.Margin.InexactFloat64(),
	}
	if status.Balance > 0 {
		status.Drawdown = math.Max(0, (status.Balance-status.Equity)/status.Balance)
	}
	if positions, err := m.account.Positions(ctx, m.symbol); err == nil {
		status.OpenTrades = len(positions)
	} else {
		m.logger.Warn("Failed to list positions", zap.Error(err))
	}

	m.state.SetAccount(status.Balance, status.Drawdown)
	return status, nil
}

// RunOnce performs one feedback cycle: sync the account, evaluate recent
// outcomes, apply the policy, refresh predictors if flagged and write the
// report. It returns the interval until the next cycle.
func (m *Monitor) RunOnce(ctx context.Context) (Report, time.Duration, error) {
	now := m.now()

	account, err := m.SyncAccount(ctx)
	if err != nil {
		// Evaluation still runs against the last known account state.
		m.logger.Warn("Account sync failed", zap.Error(err))
		snap := m.state.Snapshot()
		account = AccountStatus{Balance: snap.AccountBalance, Drawdown: snap.CurrentDrawdown}
	}

	outcomes, err := m.outcomes.QueryOutcomes(ctx, now.Add(-m.config.LookbackPeriod))
	if err != nil {
		return Report{}, m.config.FastInterval, types.NewTransientError("query outcomes", err)
	}
	recent := sortedByClose(outcomes)
	if len(recent) > m.config.LookbackTrades {
		recent = recent[len(recent)-m.config.LookbackTrades:]
	}

	overall := Evaluate(recent, m.config.InitialEquity)
	actions := Apply(m.config, overall, m.state)
	report := Report{
		GeneratedAt: now,
		Account:     account,
		Overall:     overall,
		Periods:     EvaluateByPeriod(recent, m.config.Period, m.config.InitialEquity),
		Streaks:     AnalyzeStreaks(recent),
		Actions:     actions,
	}

	m.logger.Info("Performance evaluated",
		zap.Int("trades", overall.TradeCount),
		zap.Float64("winRate", overall.WinRate),
		zap.Float64("profitFactor", overall.ProfitFactor),
		zap.Float64("maxDrawdown", overall.MaxDrawdown),
		zap.Float64("sharpe", overall.SharpeRatio),
		zap.Float64("accountDrawdown", account.Drawdown))
	for _, reason := range actions.Reasons {
		m.logger.Warn("Feedback action", zap.String("reason", reason))
	}

	if actions.RefreshPredictors {
		m.refresh(ctx)
	}

	snap := m.state.Snapshot()
	m.recorder.RecordRisk(snap.AccountBalance, snap.CurrentDrawdown, snap.MaxRiskPerTrade)
	if overall.TradeCount > 0 {
		m.recorder.RecordWinRate(overall.WinRate)
	}
	if len(actions.Reasons) > 0 {
		events.Publish(m.bus, events.New(events.EventTypeFeedback, "feedback-monitor", actions))
	}

	if m.config.ReportDir != "" {
		if path, err := WriteReport(m.config.ReportDir, report); err != nil {
			m.logger.Error("Failed to write report", zap.Error(err))
		} else {
			m.logger.Debug("Report written", zap.String("path", path))
		}
	}

	m.mu.Lock()
	m.last = &report
	if len(actions.Reasons) > 0 {
		m.history = append(m.history, actions)
		if len(m.history) > 100 {
			m.history = m.history[len(m.history)-100:]
		}
	}
	m.mu.Unlock()
	if m.config.DataDir != "" {
		m.save()
	}

	return report, NextInterval(m.config, overall), nil
}

func (m *Monitor) refresh(ctx context.Context) {
	for _, r := range m.refreshers {
		if err := r.Refresh(ctx); err != nil {
			m.logger.Warn("Predictor refresh failed", zap.String("predictor", r.Name()), zap.Error(err))
			continue
		}
		m.logger.Info("Predictor refreshed", zap.String("predictor", r.Name()))
	}
}

// Last returns the most recent report.
func (m *Monitor) Last() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

// History returns past evaluations that took an action, oldest first.
func (m *Monitor) History() []Actions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Actions, len(m.history))
	copy(out, m.history)
	return out
}

type monitorSnapshot struct {
	Last            *Report   `json:"last,omitempty"`
	History         []Actions `json:"history"`
	MaxRiskPerTrade float64   `json:"maxRiskPerTrade"`
}

func (m *Monitor) save() {
	m.mu.RLock()
	data := monitorSnapshot{
		Last:            m.last,
		History:         m.history,
		MaxRiskPerTrade: m.state.Snapshot().MaxRiskPerTrade,
	}
	bytes, err := json.MarshalIndent(data, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("Failed to marshal feedback state", zap.Error(err))
		return
	}

	if err := os.MkdirAll(m.config.DataDir, 0755); err != nil {
		m.logger.Error("Failed to create data dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(m.config.DataDir, "feedback.json"), bytes, 0644); err != nil {
		m.logger.Error("Failed to save feedback state", zap.Error(err))
	}
}

// load restores history and the reduced risk fraction from a previous run.
func (m *Monitor) load() {
	bytes, err := os.ReadFile(filepath.Join(m.config.DataDir, "feedback.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("Failed to read feedback state", zap.Error(err))
		}
		return
	}

	var data monitorSnapshot
	if err := json.Unmarshal(bytes, &data); err != nil {
		m.logger.Warn("Failed to parse feedback state", zap.Error(err))
		return
	}
	m.last = data.Last
	m.history = data.History
	if data.MaxRiskPerTrade > 0 && data.MaxRiskPerTrade < m.state.Snapshot().MaxRiskPerTrade {
		m.state.SetMaxRisk(data.MaxRiskPerTrade)
	}
	m.logger.Info("Loaded feedback state", zap.Int("actions", len(m.history)))
}
