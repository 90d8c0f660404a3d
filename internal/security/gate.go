// Package security screens approved trades for abnormal market or venue
// behavior and throttles the trade rate.
package security

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/indicators"
	"github.com/atlas-desktop/fx-trader/internal/metrics"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"go.uber.org/zap"
)

// Prober fetches a live quote. Its round trip doubles as the connection
// probe.
type Prober interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
}

// GateConfig configures the security checks.
type GateConfig struct {
	ProbeAttempts int           `json:"probeAttempts" validate:"gte=1"`
	ProbeBackoff  time.Duration `json:"probeBackoff" validate:"gte=0"`

	// Market heuristics, evaluated on the last candle of the window.
	MaxRangeJump        float64 `json:"maxRangeJump" validate:"gt=0"`        // true-range change vs previous candle, as a fraction
	VolumeSpikeMultiple float64 `json:"volumeSpikeMultiple" validate:"gt=1"` // tick volume vs window mean
	MaxPriceChange      float64 `json:"maxPriceChange" validate:"gt=0"`      // close-to-close change, as a fraction

	// Venue heuristics.
	MaxSpreadPips float64       `json:"maxSpreadPips" validate:"gt=0"`
	MaxLatency    time.Duration `json:"maxLatency" validate:"gt=0"`

	MinTradeInterval time.Duration `json:"minTradeInterval" validate:"gte=0"`
}

// DefaultGateConfig returns the standard thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ProbeAttempts:       3,
		ProbeBackoff:        time.Second,
		MaxRangeJump:        3.0, // last true range above 4x the previous one
		VolumeSpikeMultiple: 5,
		MaxPriceChange:      0.01,
		MaxSpreadPips:       5,
		MaxLatency:          200 * time.Millisecond,
		MinTradeInterval:    5 * time.Second,
	}
}

// Status is a point-in-time security reading.
type Status struct {
	Time         time.Time     `json:"time"`
	Latency      time.Duration `json:"latency"`
	SpreadPips   float64       `json:"spreadPips"`
	RangeJump    float64       `json:"rangeJump"`
	VolumeSpike  float64       `json:"volumeSpike"`
	PriceChange  float64       `json:"priceChange"`
	LastApproved time.Time     `json:"lastApproved"`
}

type probe struct {
	quote   types.Quote
	latency time.Duration
}

// Gate runs the security checks in order and stops at the first failure.
type Gate struct {
	logger   *zap.Logger
	config   GateConfig
	venue    Prober
	symbol   string
	bus      events.Publisher
	recorder *metrics.Recorder
	now      func() time.Time

	mu           sync.Mutex
	lastApproved time.Time
}

// NewGate creates a security gate probing venue for symbol.
func NewGate(logger *zap.Logger, config GateConfig, venue Prober, symbol string) *Gate {
	return &Gate{
		logger: logger.Named("security-gate"),
		config: config,
		venue:  venue,
		symbol: symbol,
		now:    time.Now,
	}
}

// WithClock overrides the clock used for throttling and latency.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// SetPublisher sets where vetoes are announced.
func (g *Gate) SetPublisher(p events.Publisher) { g.bus = p }

// SetRecorder sets the metrics recorder.
func (g *Gate) SetRecorder(r *metrics.Recorder) { g.recorder = r }

// Approve reports whether the trade may proceed, and why not when it may
// not. An approval starts the throttle interval.
func (g *Gate) Approve(ctx context.Context, params *types.TradeParameters, window []types.Candle) (bool, string) {
	p, err := g.probe(ctx)
	if err != nil {
		return g.reject(params, "connection", fmt.Sprintf("venue unreachable: %v", err))
	}

	if label, reason := g.checkMarket(window); label != "" {
		return g.reject(params, label, reason)
	}
	if label, reason := g.checkVenue(p); label != "" {
		return g.reject(params, label, reason)
	}

	g.mu.Lock()
	now := g.now()
	if !g.lastApproved.IsZero() {
		if elapsed := now.Sub(g.lastApproved); elapsed < g.config.MinTradeInterval {
			g.mu.Unlock()
			return g.reject(params, "throttle", fmt.Sprintf("%s since last trade, minimum %s", elapsed, g.config.MinTradeInterval))
		}
	}
	g.lastApproved = now
	g.mu.Unlock()

	g.logger.Debug("Trade approved",
		zap.String("trade", params.ID),
		zap.Duration("latency", p.latency),
		zap.Float64("spreadPips", utils.ToPips(p.quote.Spread())))
	return true, ""
}

// Status takes a fresh reading of the venue and the window. It is logged
// after each successful execution.
func (g *Gate) Status(ctx context.Context, window []types.Candle) (Status, error) {
	p, err := g.probe(ctx)
	if err != nil {
		return Status{}, types.NewTransientError("security probe", err)
	}
	jump, spike, change := marketReadings(window)

	g.mu.Lock()
	last := g.lastApproved
	g.mu.Unlock()

	st := Status{
		Time:         g.now(),
		Latency:      p.latency,
		SpreadPips:   utils.ToPips(p.quote.Spread()),
		RangeJump:    jump,
		VolumeSpike:  spike,
		PriceChange:  change,
		LastApproved: last,
	}
	g.logger.Info("Security status",
		zap.Duration("latency", st.Latency),
		zap.Float64("spreadPips", st.SpreadPips),
		zap.Float64("rangeJump", st.RangeJump),
		zap.Float64("volumeSpike", st.VolumeSpike),
		zap.Float64("priceChange", st.PriceChange))
	return st, nil
}

// probe fetches a quote with retries and measures the successful round trip.
func (g *Gate) probe(ctx context.Context) (probe, error) {
	retry := utils.RetryConfig{
		MaxAttempts:  g.config.ProbeAttempts,
		InitialDelay: g.config.ProbeBackoff,
		Multiplier:   1,
	}
	return utils.Retry(ctx, retry, func(ctx context.Context) (probe, error) {
		start := g.now()
		q, err := g.venue.Quote(ctx, g.symbol)
		if err != nil {
			g.logger.Warn("Venue probe failed", zap.Error(err))
			return probe{}, err
		}
		return probe{quote: q, latency: g.now().Sub(start)}, nil
	})
}

func (g *Gate) checkMarket(window []types.Candle) (string, string) {
	if len(window) < 2 {
		return "", ""
	}
	jump, spike, change := marketReadings(window)
	switch {
	case jump > g.config.MaxRangeJump:
		return "volatility spike", fmt.Sprintf("true range jumped %.0f%%", jump*100)
	case spike > g.config.VolumeSpikeMultiple:
		return "volume spike", fmt.Sprintf("volume %.1fx its mean", spike)
	case change > g.config.MaxPriceChange:
		return "price change", fmt.Sprintf("price moved %.2f%% in one candle", change*100)
	}
	return "", ""
}

func (g *Gate) checkVenue(p probe) (string, string) {
	if spread := utils.ToPips(p.quote.Spread()); spread > g.config.MaxSpreadPips {
		return "spread", fmt.Sprintf("spread %.1f pips", spread)
	}
	if p.latency > g.config.MaxLatency {
		return "latency", fmt.Sprintf("latency %s", p.latency)
	}
	return "", ""
}

// marketReadings returns the last candle's true-range change, volume
// multiple of the window mean and absolute close-to-close change.
func marketReadings(window []types.Candle) (jump, spike, change float64) {
	n := len(window)
	if n < 2 {
		return 0, 0, 0
	}
	tr := indicators.TrueRange(window)
	jump = math.Abs(utils.PercentChange(tr[n-2], tr[n-1]))
	if mean := utils.Mean(indicators.Volumes(window)); mean > 0 {
		spike = window[n-1].Volume / mean
	}
	change = math.Abs(utils.PercentChange(window[n-2].Close, window[n-1].Close))
	return jump, spike, change
}

func (g *Gate) reject(params *types.TradeParameters, label, reason string) (bool, string) {
	g.logger.Warn("Trade blocked", zap.String("trade", params.ID), zap.String("check", label), zap.String("reason", reason))
	g.recorder.RecordVeto("security", label)
	events.Publish(g.bus, events.New(events.EventTypeVeto, "security-gate", map[string]string{
		"trade":  params.ID,
		"check":  label,
		"reason": reason,
	}))
	return false, label + ": " + reason
}
