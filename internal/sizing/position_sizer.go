// Package sizing turns a directional signal into lot size, stop-loss and
// take-profit. Stops scale with ATR and lots scale with account risk.
package sizing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/indicators"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"go.uber.org/zap"
)

// QuoteSource provides the price a new trade would enter at.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
}

// SizingConfig configures position sizing
type SizingConfig struct {
	ATRPeriod       int     `json:"atrPeriod" validate:"gt=1"`
	StopATRMultiple float64 `json:"stopAtrMultiple" validate:"gt=0"` // stop distance in ATRs
	RewardRisk      float64 `json:"rewardRisk" validate:"gt=0"`      // target distance / stop distance
	PipValue        float64 `json:"pipValue" validate:"gt=0"`        // account currency per pip per lot
	Leverage        float64 `json:"leverage" validate:"gt=0"`
	MinLot          float64 `json:"minLot" validate:"gt=0"`
	MaxLot          float64 `json:"maxLot" validate:"gtefield=MinLot"`

	// Drawdown multiplier: clamp(1 - dd/MaxDrawdown * ATR/ATRReference, MinMultiplier, 1).
	MaxDrawdown   float64 `json:"maxDrawdown" validate:"gt=0,lte=1"`
	ATRReference  float64 `json:"atrReference" validate:"gt=0"`
	MinMultiplier float64 `json:"minMultiplier" validate:"gt=0,lte=1"`
}

// DefaultSizingConfig returns defaults for a major FX pair.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		ATRPeriod:       14,
		StopATRMultiple: 2.0,
		RewardRisk:      2.0,
		PipValue:        10,
		Leverage:        10,
		MinLot:          0.01,
		MaxLot:          10,
		MaxDrawdown:     0.15,
		ATRReference:    0.001,
		MinMultiplier:   0.5,
	}
}

// PositionSizer calculates trade parameters from a signal and window.
type PositionSizer struct {
	logger *zap.Logger
	config SizingConfig
	state  *RiskState
	quotes QuoteSource
	symbol string
}

// NewPositionSizer creates a sizer reading the shared risk state. quotes
// may be nil, in which case the last close is the entry price.
func NewPositionSizer(logger *zap.Logger, config SizingConfig, state *RiskState, quotes QuoteSource, symbol string) *PositionSizer {
	return &PositionSizer{
		logger: logger.Named("position-sizer"),
		config: config,
		state:  state,
		quotes: quotes,
		symbol: symbol,
	}
}

// Lookback is the minimum window length Size accepts.
func (ps *PositionSizer) Lookback() int {
	return ps.config.ATRPeriod + 1
}

// DrawdownMultiplier scales lots down as drawdown and volatility rise.
func (ps *PositionSizer) DrawdownMultiplier(drawdown, atr float64) float64 {
	m := 1 - (drawdown/ps.config.MaxDrawdown)*(atr/ps.config.ATRReference)
	return utils.Clamp(m, ps.config.MinMultiplier, 1)
}

// LotSize applies the risk formula and the lot bounds.
func (ps *PositionSizer) LotSize(balance, maxRisk, stopPips, multiplier float64) float64 {
	if stopPips <= 0 {
		return ps.config.MinLot
	}
	lot := balance * maxRisk / (stopPips * ps.config.PipValue * ps.config.Leverage)
	lot = utils.Clamp(lot, ps.config.MinLot, ps.config.MaxLot)
	lot = utils.RoundTo(lot*multiplier, 2)
	return utils.Clamp(lot, ps.config.MinLot, ps.config.MaxLot)
}

// Size returns parameters for sig, or an InsufficientData error when the
// window is shorter than the ATR lookback.
func (ps *PositionSizer) Size(ctx context.Context, sig types.Signal, window []types.Candle) (*types.TradeParameters, error) {
	if sig.Direction == types.Flat || !sig.Direction.Valid() {
		return nil, types.NewValidationError(fmt.Sprintf("cannot size %s signal", sig.Direction))
	}
	if len(window) < ps.Lookback() {
		return nil, types.NewInsufficientDataError(len(window), ps.Lookback())
	}

	atr := indicators.Last(indicators.ATR(window, ps.config.ATRPeriod))
	if math.IsNaN(atr) {
		return nil, types.NewInsufficientDataError(len(window), ps.Lookback())
	}
	if atr <= 0 {
		return nil, types.NewValidationError("ATR is zero, market is not moving")
	}

	entry := ps.entryPrice(ctx, sig.Direction, window)
	snap := ps.state.Snapshot()
	multiplier := ps.DrawdownMultiplier(snap.CurrentDrawdown, atr)

	stopDist := ps.config.StopATRMultiple * atr
	targetDist := stopDist * ps.config.RewardRisk
	lot := ps.LotSize(snap.AccountBalance, snap.MaxRiskPerTrade, utils.ToPips(stopDist), multiplier)

	sign := float64(sig.Direction)
	params := &types.TradeParameters{
		ID:         utils.GenerateTradeID(),
		Symbol:     ps.symbol,
		Signal:     sig,
		LotSize:    lot,
		EntryPrice: entry,
		StopLoss:   utils.RoundTo(entry-sign*stopDist, 5),
		TakeProfit: utils.RoundTo(entry+sign*targetDist, 5),
		ATR:        atr,
		CreatedAt:  time.Now(),
	}

	ps.logger.Debug("Sized trade",
		zap.String("direction", sig.Direction.String()),
		zap.Float64("lot", lot),
		zap.Float64("entry", entry),
		zap.Float64("stopPips", utils.ToPips(stopDist)),
		zap.Float64("multiplier", multiplier),
		zap.Float64("maxRisk", snap.MaxRiskPerTrade))

	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func (ps *PositionSizer) entryPrice(ctx context.Context, dir types.Direction, window []types.Candle) float64 {
	last := window[len(window)-1].Close
	if ps.quotes == nil {
		return last
	}
	q, err := ps.quotes.Quote(ctx, ps.symbol)
	if err != nil {
		ps.logger.Warn("Quote unavailable, using last close", zap.Error(err))
		return last
	}
	if dir == types.Long {
		return q.Ask
	}
	return q.Bid
}
