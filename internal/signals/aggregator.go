// Package signals combines directional votes from predictors into one
// trade signal.
package signals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/metrics"
	"github.com/atlas-desktop/fx-trader/internal/workers"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"go.uber.org/zap"
)

// Predictor turns a candle window into a directional vote.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, window []types.Candle) (types.Direction, error)
}

// refresher is implemented by predictors that can retrain.
type refresher interface {
	Refresh(ctx context.Context) error
}

// AggregatorConfig configures vote combination.
type AggregatorConfig struct {
	Threshold     float64 `json:"threshold" validate:"gt=0,lte=1"` // |weighted mean vote| needed for a direction
	MinVotes      int     `json:"minVotes" validate:"gte=1"`
	MinWindow     int     `json:"minWindow" validate:"gte=1"`
	AdaptWeights  bool    `json:"adaptWeights"`
	InitialWeight float64 `json:"initialWeight" validate:"gt=0"`
	WeightStep    float64 `json:"weightStep" validate:"gte=0"`
	MinWeight     float64 `json:"minWeight" validate:"gt=0"`
	MaxWeight     float64 `json:"maxWeight" validate:"gtefield=MinWeight"`
}

// DefaultAggregatorConfig returns the standard voting rule.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Threshold:     0.5,
		MinVotes:      1,
		MinWindow:     60,
		AdaptWeights:  true,
		InitialWeight: 0.5,
		WeightStep:    0.1,
		MinWeight:     0.1,
		MaxWeight:     0.9,
	}
}

// Vote is one predictor's contribution to a decision.
type Vote struct {
	Source    string          `json:"source"`
	Direction types.Direction `json:"direction"`
	Weight    float64         `json:"weight"`
	Error     string          `json:"error,omitempty"`
}

// Decision is the outcome of one aggregation.
type Decision struct {
	Signal types.Signal `json:"signal"`
	Score  float64      `json:"score"`
	Votes  []Vote       `json:"votes"`
}

// Aggregator combines predictor votes into a signal by weighted majority.
type Aggregator struct {
	logger   *zap.Logger
	config   AggregatorConfig
	pool     *workers.Pool
	bus      events.Publisher
	recorder *metrics.Recorder
	now      func() time.Time

	mu         sync.RWMutex
	predictors []Predictor
	weights    map[string]float64
	last       *Decision
}

// NewAggregator creates an aggregator. pool may be nil to query predictors
// sequentially.
func NewAggregator(logger *zap.Logger, config AggregatorConfig, pool *workers.Pool) *Aggregator {
	return &Aggregator{
		logger:  logger.Named("signal-aggregator"),
		config:  config,
		pool:    pool,
		now:     time.Now,
		weights: make(map[string]float64),
	}
}

// WithClock overrides the wall clock.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// SetPublisher sets where non-flat signals are announced.
func (a *Aggregator) SetPublisher(p events.Publisher) { a.bus = p }

// SetRecorder sets the metrics recorder.
func (a *Aggregator) SetRecorder(r *metrics.Recorder) { a.recorder = r }

// AddPredictor registers a predictor at the initial weight.
func (a *Aggregator) AddPredictor(p Predictor) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.predictors = append(a.predictors, p)
	if _, ok := a.weights[p.Name()]; !ok {
		a.weights[p.Name()] = a.config.InitialWeight
	}
	a.logger.Info("Added predictor", zap.String("name", p.Name()))
}

// Aggregate queries every predictor on window and combines the votes. The
// signal is long when the weighted mean vote exceeds the threshold, short
// below its negative and flat otherwise.
func (a *Aggregator) Aggregate(ctx context.Context, window []types.Candle) (types.Signal, error) {
	if len(window) < a.config.MinWindow {
		return types.Signal{}, types.NewInsufficientDataError(len(window), a.config.MinWindow)
	}

	a.mu.RLock()
	predictors := make([]Predictor, len(a.predictors))
	copy(predictors, a.predictors)
	a.mu.RUnlock()

	dirs := make([]types.Direction, len(predictors))
	tasks := make([]workers.Task, len(predictors))
	for i, p := range predictors {
		i, p := i, p
		tasks[i] = func(ctx context.Context) error {
			d, err := p.Predict(ctx, window)
			if err == nil && !d.Valid() {
				return types.NewValidationError("vote out of range")
			}
			dirs[i] = d
			return err
		}
	}
	errs := workers.Run(ctx, a.pool, tasks)

	a.mu.Lock()
	defer a.mu.Unlock()

	votes := make([]Vote, len(predictors))
	var weighted, total float64
	counted := 0
	for i, p := range predictors {
		w := a.weights[p.Name()]
		votes[i] = Vote{Source: p.Name(), Direction: dirs[i], Weight: w}
		if errs[i] != nil {
			votes[i].Direction = types.Flat
			votes[i].Error = errs[i].Error()
			a.logger.Warn("Predictor failed", zap.String("predictor", p.Name()), zap.Error(errs[i]))
			continue
		}
		weighted += w * float64(dirs[i])
		total += w
		counted++
	}
	if counted < a.config.MinVotes {
		return types.Signal{}, types.NewTransientError("aggregate", fmt.Errorf("%d predictor votes, need %d", counted, a.config.MinVotes))
	}

	score := 0.0
	if total > 0 {
		score = weighted / total
	}
	dir := types.Flat
	switch {
	case score > a.config.Threshold:
		dir = types.Long
	case score < -a.config.Threshold:
		dir = types.Short
	}

	if a.config.AdaptWeights && dir != types.Flat {
		for i, v := range votes {
			if errs[i] != nil || v.Direction == types.Flat {
				continue
			}
			step := a.config.WeightStep
			if v.Direction != dir {
				step = -step
			}
			a.weights[v.Source] = utils.RoundTo(utils.Clamp(a.weights[v.Source]+step, a.config.MinWeight, a.config.MaxWeight), 4)
		}
	}

	sig := types.Signal{Direction: dir, Source: "aggregate", Time: a.now(), Votes: counted}
	a.last = &Decision{Signal: sig, Score: score, Votes: votes}

	a.logger.Info("Signal aggregated",
		zap.String("direction", dir.String()),
		zap.Float64("score", score),
		zap.Int("votes", counted))
	a.recorder.RecordSignal(dir.String())
	if dir != types.Flat {
		events.Publish(a.bus, events.New(events.EventTypeSignal, "signal-aggregator", *a.last))
	}
	return sig, nil
}

// Weights returns the current predictor weights.
func (a *Aggregator) Weights() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.weights))
	for k, v := range a.weights {
		out[k] = v
	}
	return out
}

// Last returns the most recent decision.
func (a *Aggregator) Last() (Decision, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return Decision{}, false
	}
	return *a.last, true
}

// Name identifies the aggregator as a refresher.
func (a *Aggregator) Name() string { return "signal-aggregator" }

// Refresh asks every predictor that supports it to retrain. Failures are
// logged and the first one is returned after all predictors ran.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.RLock()
	predictors := make([]Predictor, len(a.predictors))
	copy(predictors, a.predictors)
	a.mu.RUnlock()

	var first error
	names := make([]string, 0, len(predictors))
	for _, p := range predictors {
		r, ok := p.(refresher)
		if !ok {
			continue
		}
		if err := r.Refresh(ctx); err != nil {
			a.logger.Warn("Predictor refresh failed", zap.String("predictor", p.Name()), zap.Error(err))
			if first == nil {
				first = err
			}
			continue
		}
		names = append(names, p.Name())
	}
	sort.Strings(names)
	a.logger.Info("Predictors refreshed", zap.Strings("predictors", names))
	return first
}
