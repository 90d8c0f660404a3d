// Package strategy generates rule-based strategies from indicator specs,
// ranks them by backtest and votes with the best of them.
package strategy

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/atlas-desktop/fx-trader/internal/indicators"
	"github.com/atlas-desktop/fx-trader/internal/learning"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
)

// Strategy is a conjunction of rules. It enters when every rule's entry
// condition holds on a bar and exits when every exit condition holds.
type Strategy struct {
	ID    string `json:"id"`
	Rules []Rule `json:"rules"`
}

// Lookback is the number of candles needed before every rule has a value
// on two consecutive bars.
func (s Strategy) Lookback() int {
	n := 0
	for _, r := range s.Rules {
		if l := r.Spec.Lookback(); l > n {
			n = l
		}
	}
	return n + 1
}

func (s Strategy) String() string {
	names := make([]string, len(s.Rules))
	for i, r := range s.Rules {
		names[i] = r.String()
	}
	return s.ID + "[" + strings.Join(names, "+") + "]"
}

// Signal evaluates the last candle: Long on an entry, Short on an exit,
// Flat otherwise.
func (s Strategy) Signal(candles []types.Candle) types.Direction {
	if len(s.Rules) == 0 || len(candles) < s.Lookback() {
		return types.Flat
	}
	series := s.series(indicators.Closes(candles))
	i := len(candles) - 1
	switch {
	case allHold(series, i, ruleSeries.entry):
		return types.Long
	case allHold(series, i, ruleSeries.exit):
		return types.Short
	}
	return types.Flat
}

func (s Strategy) series(closes []float64) []ruleSeries {
	out := make([]ruleSeries, len(s.Rules))
	for i, r := range s.Rules {
		out[i] = newRuleSeries(r.Spec, closes)
	}
	return out
}

func allHold(series []ruleSeries, i int, cond func(ruleSeries, int) bool) bool {
	for _, rs := range series {
		if !cond(rs, i) {
			return false
		}
	}
	return len(series) > 0
}

// Generate builds a strategy from one to three distinct indicators with
// randomized periods and RSI levels.
func Generate(rng *rand.Rand) Strategy {
	candidates := []func() indicators.Spec{
		func() indicators.Spec {
			return indicators.RSISpec{
				Period:     14 + rng.Intn(14),
				Oversold:   utils.RoundTo(30+rng.Float64()*20, 2),
				Overbought: utils.RoundTo(50+rng.Float64()*20, 2),
			}
		},
		func() indicators.Spec { return indicators.EMASpec{Period: 12 + rng.Intn(38)} },
		func() indicators.Spec { return indicators.MACDSpec{Fast: 12, Slow: 26, Signal: 9} },
		func() indicators.Spec { return indicators.BollingerSpec{Period: 20 + rng.Intn(10), K: 2} },
	}

	picked := rng.Perm(len(candidates))[:1+rng.Intn(3)]
	s := Strategy{ID: utils.GenerateID("stg")}
	for _, idx := range picked {
		s.Rules = append(s.Rules, Rule{Spec: candidates[idx]()})
	}
	return s
}

// BacktestConfig configures the offline evaluator.
type BacktestConfig struct {
	InitialBalance float64 `json:"initialBalance" validate:"gt=0"`
	PipValue       float64 `json:"pipValue" validate:"gt=0"` // account currency per pip of the backtest size
	SpreadPips     float64 `json:"spreadPips" validate:"gte=0"`
	MinCandles     int     `json:"minCandles" validate:"gte=1"` // evaluable bars required after warm-up
}

// DefaultBacktestConfig trades 0.1 lot EURUSD with a 0.1 pip spread.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		InitialBalance: 10000,
		PipValue:       1,
		SpreadPips:     0.1,
		MinCandles:     60,
	}
}

// BacktestResult summarizes a long-only backtest.
type BacktestResult struct {
	Strategy Strategy                 `json:"strategy"`
	Balance  float64                  `json:"balance"`
	Trades   int                      `json:"trades"`
	Metrics  types.PerformanceMetrics `json:"metrics"`
	Outcomes []types.TradeOutcome     `json:"-"`
}

// Backtest replays candles bar by bar: a flat book enters long at the close
// of an entry bar, an open position exits at the close of an exit bar. A
// position still open at the end is ignored. Too little history yields an
// InsufficientData error and an untouched balance.
func Backtest(s Strategy, candles []types.Candle, config BacktestConfig) (BacktestResult, error) {
	result := BacktestResult{Strategy: s, Balance: config.InitialBalance}
	need := s.Lookback() + config.MinCandles
	if len(candles) < need {
		return result, types.NewInsufficientDataError(len(candles), need)
	}

	series := s.series(indicators.Closes(candles))
	inPosition := false
	var entry types.Candle
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		switch {
		case !inPosition && allHold(series, i, ruleSeries.entry):
			inPosition = true
			entry = c
			result.Trades++
		case inPosition && allHold(series, i, ruleSeries.exit):
			inPosition = false
			pips := utils.ToPips(c.Close - entry.Close)
			profit := utils.RoundTo((pips-config.SpreadPips)*config.PipValue, 2)
			result.Balance += profit
			result.Outcomes = append(result.Outcomes, types.TradeOutcome{
				ID:         fmt.Sprintf("%s-%d", s.ID, len(result.Outcomes)+1),
				Symbol:     c.Symbol,
				Direction:  types.Long,
				EntryPrice: entry.Close,
				ExitPrice:  c.Close,
				Profit:     profit,
				OpenedAt:   entry.Time,
				ClosedAt:   c.Time,
			})
		}
	}

	result.Balance = utils.RoundTo(result.Balance, 2)
	result.Metrics = learning.Evaluate(result.Outcomes, config.InitialBalance)
	return result, nil
}
