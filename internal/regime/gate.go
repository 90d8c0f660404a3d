package regime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/metrics"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"go.uber.org/zap"
)

// AllRegimes lists every regime value.
var AllRegimes = []string{string(RegimeTrend), string(RegimeRange), string(RegimeVolatile), string(RegimeNormal)}

// GateConfig configures the regime gate.
type GateConfig struct {
	Regime   RegimeConfig   `json:"regime"`
	Blackout BlackoutConfig `json:"blackout"`

	TrendStopATR      float64 `json:"trendStopAtr" validate:"gte=0"`           // extra stop distance in a trend, in ATRs
	RangeTargetFactor float64 `json:"rangeTargetFactor" validate:"gt=0,lte=1"` // target distance multiplier in a range
	ConfirmTicks      int     `json:"confirmTicks" validate:"gte=1"`           // consecutive candles needed before a regime change takes effect
}

// DefaultGateConfig returns the standard gate policy.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Regime:            DefaultRegimeConfig(),
		Blackout:          DefaultBlackoutConfig(),
		TrendStopATR:      0.5,
		RangeTargetFactor: 0.8,
		ConfirmTicks:      1,
	}
}

// Veto is returned when the gate rejects a trade.
type Veto struct {
	Reason string
}

func (v *Veto) Error() string { return "regime veto: " + v.Reason }

// Gate adapts trade parameters to the current regime and rejects trades
// during blackouts and volatile markets.
type Gate struct {
	logger    *zap.Logger
	config    GateConfig
	blackouts *Blackouts
	debouncer *Debouncer
	bus       events.Publisher
	recorder  *metrics.Recorder
	now       func() time.Time

	mu    sync.RWMutex
	state RegimeState
}

// NewGate creates a regime gate. calendar may be nil.
func NewGate(logger *zap.Logger, config GateConfig, calendar Calendar) *Gate {
	return &Gate{
		logger:    logger.Named("regime-gate"),
		config:    config,
		blackouts: NewBlackouts(logger, config.Blackout, calendar),
		debouncer: NewDebouncer(config.ConfirmTicks),
		now:       time.Now,
	}
}

// WithClock overrides the wall clock used for blackout checks.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// SetPublisher sets where regime changes and vetoes are announced.
func (g *Gate) SetPublisher(p events.Publisher) { g.bus = p }

// SetRecorder sets the metrics recorder.
func (g *Gate) SetRecorder(r *metrics.Recorder) { g.recorder = r }

// Observe classifies the window and updates the effective regime.
func (g *Gate) Observe(window []types.Candle) (RegimeState, error) {
	in, err := Measure(window, g.config.Regime)
	if err != nil {
		return RegimeState{}, err
	}
	raw := Classify(in, g.config.Regime.Thresholds)
	at := g.now()
	effective, changed := g.debouncer.Observe(raw, window[len(window)-1].Time)

	g.mu.Lock()
	g.state = RegimeState{
		Regime:    effective,
		Raw:       raw,
		Inputs:    in,
		StartedAt: g.debouncer.StartedAt(),
		UpdatedAt: at,
	}
	state := g.state
	g.mu.Unlock()

	if changed {
		g.logger.Info("Regime changed",
			zap.String("regime", string(effective)),
			zap.Float64("adx", in.ADX),
			zap.Float64("bbWidth", in.BBWidth),
			zap.Float64("atr", in.ATR))
		g.recorder.RecordRegime(string(effective), AllRegimes)
		events.Publish(g.bus, events.New(events.EventTypeRegime, "regime-gate", state))
	}
	return state, nil
}

// Current returns the last observed regime.
func (g *Gate) Current() RegimeState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Adapt returns a copy of params with stop and target adjusted for the
// regime, or a *Veto error when the trade must not be placed.
func (g *Gate) Adapt(ctx context.Context, params *types.TradeParameters, window []types.Candle) (*types.TradeParameters, error) {
	if reason, blocked := g.blackouts.Check(ctx, g.now()); blocked {
		return nil, g.veto(params, reason)
	}

	state, err := g.Observe(window)
	if err != nil {
		return nil, err
	}

	adapted := *params
	adapted.Regime = string(state.Regime)
	sign := float64(params.Direction())

	switch state.Regime {
	case RegimeVolatile:
		return nil, g.veto(params, "volatile market")
	case RegimeTrend:
		adapted.StopLoss = utils.RoundTo(params.StopLoss-sign*g.config.TrendStopATR*state.Inputs.ATR, 5)
	case RegimeRange:
		targetDist := (params.TakeProfit - params.EntryPrice) * g.config.RangeTargetFactor
		adapted.TakeProfit = utils.RoundTo(params.EntryPrice+targetDist, 5)
	}

	if err := adapted.Validate(); err != nil {
		return nil, err
	}

	g.logger.Debug("Trade adapted",
		zap.String("trade", params.ID),
		zap.String("regime", string(state.Regime)),
		zap.Float64("stopLoss", adapted.StopLoss),
		zap.Float64("takeProfit", adapted.TakeProfit))
	return &adapted, nil
}

func (g *Gate) veto(params *types.TradeParameters, reason string) error {
	g.logger.Info("Trade vetoed", zap.String("trade", params.ID), zap.String("reason", reason))
	g.recorder.RecordVeto("regime", vetoLabel(reason))
	events.Publish(g.bus, events.New(events.EventTypeVeto, "regime-gate", map[string]string{
		"trade":  params.ID,
		"reason": reason,
	}))
	return &Veto{Reason: reason}
}

// vetoLabel keeps metric label cardinality bounded.
func vetoLabel(reason string) string {
	if strings.HasPrefix(reason, "news:") {
		return "news"
	}
	return reason
}
