// Package orchestrator runs the trading pipeline as independently cadenced
// stages connected by bounded hand-off queues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/execution"
	"github.com/atlas-desktop/fx-trader/internal/learning"
	"github.com/atlas-desktop/fx-trader/internal/metrics"
	"github.com/atlas-desktop/fx-trader/internal/regime"
	"github.com/atlas-desktop/fx-trader/internal/security"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// Stage names, also used as metric labels.
const (
	StageData      = "data"
	StageSignal    = "signal"
	StageSizing    = "sizing"
	StageExecution = "execution"
	StageSupervise = "supervise"
	StageFeedback  = "feedback"
)

// WindowSource refreshes and exposes the market window.
type WindowSource interface {
	Refresh(ctx context.Context) ([]types.Candle, error)
	Snapshot() []types.Candle
}

// SignalSource turns a window into a signal.
type SignalSource interface {
	Aggregate(ctx context.Context, window []types.Candle) (types.Signal, error)
}

// Sizer turns a signal into trade parameters.
type Sizer interface {
	Size(ctx context.Context, sig types.Signal, window []types.Candle) (*types.TradeParameters, error)
}

// RegimeFilter adapts or vetoes trade parameters.
type RegimeFilter interface {
	Adapt(ctx context.Context, params *types.TradeParameters, window []types.Candle) (*types.TradeParameters, error)
	Observe(window []types.Candle) (regime.RegimeState, error)
}

// Screen is the last check before execution.
type Screen interface {
	Approve(ctx context.Context, params *types.TradeParameters, window []types.Candle) (bool, string)
	Status(ctx context.Context, window []types.Candle) (security.Status, error)
}

// TradeExecutor places approved trades.
type TradeExecutor interface {
	Execute(ctx context.Context, params *types.TradeParameters) (*types.ExecutionResult, error)
}

// FeedbackRunner evaluates performance and returns the next cadence.
type FeedbackRunner interface {
	RunOnce(ctx context.Context) (learning.Report, time.Duration, error)
}

// Reviewer closes open positions that should exit early.
type Reviewer interface {
	Review(ctx context.Context) ([]string, error)
}

// Marker is a simulated venue driven by the candle stream.
type Marker interface {
	Mark(c types.Candle) []types.TradeOutcome
	TakeOutcomes() []types.TradeOutcome
}

// OutcomeSink persists closed trades.
type OutcomeSink interface {
	AppendOutcomes(ctx context.Context, outcomes []types.TradeOutcome) error
}

// Components are the pipeline collaborators. Supervisor, Marker and
// Outcomes are optional.
type Components struct {
	Window     WindowSource
	Signals    SignalSource
	Sizer      Sizer
	Regime     RegimeFilter
	Security   Screen
	Executor   TradeExecutor
	Feedback   FeedbackRunner
	Supervisor Reviewer
	Marker     Marker
	Outcomes   OutcomeSink
}

// Config sets stage cadences, queue bounds and backoff.
type Config struct {
	DataInterval      time.Duration `json:"dataInterval" validate:"gt=0"`
	SignalInterval    time.Duration `json:"signalInterval" validate:"gt=0"`
	SizingInterval    time.Duration `json:"sizingInterval" validate:"gt=0"`
	ExecutionInterval time.Duration `json:"executionInterval" validate:"gt=0"`
	SuperviseInterval time.Duration `json:"superviseInterval" validate:"gt=0"`
	FeedbackInterval  time.Duration `json:"feedbackInterval" validate:"gt=0"` // until the first feedback run picks its own

	SignalQueueSize int `json:"signalQueueSize" validate:"gte=1"`
	ParamsQueueSize int `json:"paramsQueueSize" validate:"gte=1"`

	BaseBackoff time.Duration `json:"baseBackoff" validate:"gt=0"`
	MaxBackoff  time.Duration `json:"maxBackoff" validate:"gtefield=BaseBackoff"`
}

// DefaultConfig returns second-level data and execution cadences, a
// one-minute signal cadence and hourly feedback.
func DefaultConfig() Config {
	return Config{
		DataInterval:      5 * time.Second,
		SignalInterval:    time.Minute,
		SizingInterval:    5 * time.Second,
		ExecutionInterval: time.Second,
		SuperviseInterval: 30 * time.Second,
		FeedbackInterval:  time.Hour,
		SignalQueueSize:   8,
		ParamsQueueSize:   8,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        time.Minute,
	}
}

// StageStats describes one stage's activity.
type StageStats struct {
	Ticks     int64     `json:"ticks"`
	Errors    int64     `json:"errors"`
	LastRun   time.Time `json:"lastRun"`
	LastError string    `json:"lastError,omitempty"`
	NextRun   time.Time `json:"nextRun"`
}

// QueueStats describes the hand-off queues.
type QueueStats struct {
	WindowOverwritten int64 `json:"windowOverwritten"`
	SignalDepth       int   `json:"signalDepth"`
	SignalDropped     int64 `json:"signalDropped"`
	ParamsDepth       int   `json:"paramsDepth"`
	ParamsDropped     int64 `json:"paramsDropped"`
}

type signalJob struct {
	signal types.Signal
	window []types.Candle
}

type tradeJob struct {
	params *types.TradeParameters
	window []types.Candle
}

// Orchestrator owns the stage goroutines.
type Orchestrator struct {
	logger   *zap.Logger
	config   Config
	c        Components
	bus      events.Publisher
	recorder *metrics.Recorder

	windows *LatestQueue[[]types.Candle]
	signals *DropQueue[signalJob]
	trades  *DropQueue[tradeJob]

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stats   map[string]*StageStats
	pending []types.TradeOutcome
}

// New creates an orchestrator. Start launches the stages.
func New(logger *zap.Logger, config Config, c Components) *Orchestrator {
	return &Orchestrator{
		logger:  logger.Named("orchestrator"),
		config:  config,
		c:       c,
		windows: NewLatestQueue[[]types.Candle](),
		signals: NewDropQueue[signalJob](config.SignalQueueSize),
		trades:  NewDropQueue[tradeJob](config.ParamsQueueSize),
		stats:   make(map[string]*StageStats),
	}
}

// SetPublisher sets where closed trades are announced.
func (o *Orchestrator) SetPublisher(p events.Publisher) { o.bus = p }

// SetRecorder sets the metrics recorder.
func (o *Orchestrator) SetRecorder(r *metrics.Recorder) { o.recorder = r }

// Start launches one goroutine per stage.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already running")
	}
	ctx, o.cancel = context.WithCancel(ctx)

	fixed := func(d time.Duration, tick func(context.Context) error) func(context.Context) (time.Duration, error) {
		return func(ctx context.Context) (time.Duration, error) { return d, tick(ctx) }
	}
	o.launch(ctx, StageData, fixed(o.config.DataInterval, o.dataTick))
	o.launch(ctx, StageSignal, fixed(o.config.SignalInterval, o.signalTick))
	o.launch(ctx, StageSizing, fixed(o.config.SizingInterval, o.sizingTick))
	o.launch(ctx, StageExecution, fixed(o.config.ExecutionInterval, o.executionTick))
	if o.c.Supervisor != nil {
		o.launch(ctx, StageSupervise, fixed(o.config.SuperviseInterval, o.superviseTick))
	}
	if o.c.Feedback != nil {
		o.launch(ctx, StageFeedback, o.feedbackTick)
	}

	o.logger.Info("Orchestrator started",
		zap.Duration("data", o.config.DataInterval),
		zap.Duration("signal", o.config.SignalInterval),
		zap.Duration("execution", o.config.ExecutionInterval),
		zap.Duration("feedback", o.config.FeedbackInterval))
	return nil
}

// Stop clears the running flag, cancels in-flight work and waits for every
// stage to return.
func (o *Orchestrator) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

// Running reports whether the stages are running.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Stats returns a copy of every stage's counters.
func (o *Orchestrator) Stats() map[string]StageStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]StageStats, len(o.stats))
	for name, s := range o.stats {
		out[name] = *s
	}
	return out
}

// Queues returns the current hand-off queue state.
func (o *Orchestrator) Queues() QueueStats {
	return QueueStats{
		WindowOverwritten: o.windows.Overwritten(),
		SignalDepth:       o.signals.Len(),
		SignalDropped:     o.signals.Dropped(),
		ParamsDepth:       o.trades.Len(),
		ParamsDropped:     o.trades.Dropped(),
	}
}

func (o *Orchestrator) launch(ctx context.Context, name string, tick func(context.Context) (time.Duration, error)) {
	o.mu.Lock()
	o.stats[name] = &StageStats{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop(ctx, name, tick)
	}()
}

// loop runs tick until cancellation. Ticks never overlap; the wait after a
// tick is the interval it returned plus any backoff its error earned.
func (o *Orchestrator) loop(ctx context.Context, name string, tick func(context.Context) (time.Duration, error)) {
	logger := o.logger.With(zap.String("stage", name))
	logger.Debug("Stage started")
	defer logger.Debug("Stage stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	var backoff time.Duration
	for o.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		wait, err := tick(ctx)
		if ctx.Err() != nil {
			return
		}
		o.recorder.RecordStageDuration(name, time.Since(start).Seconds())
		if wait <= 0 {
			wait = o.config.BaseBackoff
		}

		if err != nil && o.handle(logger, name, err) {
			backoff = o.nextBackoff(backoff)
			wait += backoff
		} else {
			backoff = 0
		}
		o.record(name, start, wait, err)
		timer.Reset(wait)
	}
}

// handle logs err according to its kind and reports whether the stage
// should back off.
func (o *Orchestrator) handle(logger *zap.Logger, stage string, err error) bool {
	if isPolicyDrop(err) {
		logger.Info("Trade dropped", zap.String("reason", err.Error()))
		return false
	}

	kind := types.KindOf(err)
	o.recorder.RecordStageError(stage, kind.String())
	switch kind {
	case types.KindTransientIO:
		logger.Warn("Collaborator unavailable, backing off", zap.Error(err))
		return true
	case types.KindInsufficientData:
		logger.Debug("Not enough data, skipping tick", zap.Error(err))
		return false
	case types.KindValidation:
		logger.Warn("Dropped invalid input", zap.Error(err))
		return false
	default:
		logger.Error("Stage iteration failed", zap.Error(err))
		events.Publish(o.bus, events.New(events.EventTypeError, stage, map[string]string{
			"stage": stage,
			"error": err.Error(),
		}))
		return true
	}
}

// isPolicyDrop reports whether err is a gate or executor refusal, which is
// an expected outcome rather than a stage failure.
func isPolicyDrop(err error) bool {
	var veto *regime.Veto
	var rejection *execution.Rejection
	return errors.As(err, &veto) || errors.As(err, &rejection)
}

func (o *Orchestrator) nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return o.config.BaseBackoff
	}
	next := prev * 2
	if next > o.config.MaxBackoff {
		next = o.config.MaxBackoff
	}
	return next
}

func (o *Orchestrator) record(name string, at time.Time, wait time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats[name]
	s.Ticks++
	s.LastRun = at
	s.NextRun = time.Now().Add(wait)
	if err != nil && !isPolicyDrop(err) {
		s.Errors++
		s.LastError = err.Error()
	}
}

// dataTick refreshes the window, advances a simulated venue to the newest
// candle, persists closed trades and hands the window on.
func (o *Orchestrator) dataTick(ctx context.Context) error {
	candles, err := o.c.Window.Refresh(ctx)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	if o.c.Marker != nil {
		o.c.Marker.Mark(candles[len(candles)-1])
		if err := o.storeOutcomes(ctx, o.c.Marker.TakeOutcomes()); err != nil {
			return err
		}
	}

	if o.windows.Put(candles) {
		o.recorder.RecordQueueDrop("window")
	}
	return nil
}

// storeOutcomes persists closed trades. Outcomes that failed to persist are
// retried with the next batch.
func (o *Orchestrator) storeOutcomes(ctx context.Context, fresh []types.TradeOutcome) error {
	for _, out := range fresh {
		o.logger.Info("Trade closed",
			zap.String("trade", out.ID),
			zap.String("direction", out.Direction.String()),
			zap.Float64("profit", out.Profit))
		events.Publish(o.bus, events.New(events.EventTypeOutcome, "orchestrator", out))
	}

	o.mu.Lock()
	batch := append(o.pending, fresh...)
	o.pending = nil
	o.mu.Unlock()

	if len(batch) == 0 || o.c.Outcomes == nil {
		return nil
	}
	if err := o.c.Outcomes.AppendOutcomes(ctx, batch); err != nil {
		o.mu.Lock()
		o.pending = append(batch, o.pending...)
		o.mu.Unlock()
		return types.NewTransientError("persist outcomes", err)
	}
	return nil
}

func (o *Orchestrator) signalTick(ctx context.Context) error {
	window, ok := o.windows.Take()
	if !ok {
		return nil
	}
	sig, err := o.c.Signals.Aggregate(ctx, window)
	if err != nil {
		return err
	}
	if sig.Direction == types.Flat {
		return nil
	}
	if !o.signals.Offer(signalJob{signal: sig, window: window}) {
		o.recorder.RecordQueueDrop("signal")
		o.logger.Warn("Signal queue full, dropping signal", zap.String("direction", sig.Direction.String()))
	}
	return nil
}

// sizingTick drains pending signals through the sizer and the regime gate.
func (o *Orchestrator) sizingTick(ctx context.Context) error {
	for {
		job, ok := o.signals.Poll()
		if !ok {
			return nil
		}
		params, err := o.c.Sizer.Size(ctx, job.signal, job.window)
		if err != nil {
			return err
		}
		adapted, err := o.c.Regime.Adapt(ctx, params, job.window)
		if err != nil {
			return err
		}
		if !o.trades.Offer(tradeJob{params: adapted, window: job.window}) {
			o.recorder.RecordQueueDrop("params")
			o.logger.Warn("Trade queue full, dropping trade", zap.String("trade", adapted.ID))
		}
	}
}

// executionTick screens and executes one trade.
func (o *Orchestrator) executionTick(ctx context.Context) error {
	job, ok := o.trades.Poll()
	if !ok {
		return nil
	}
	if approved, reason := o.c.Security.Approve(ctx, job.params, job.window); !approved {
		o.logger.Info("Trade blocked by security gate", zap.String("trade", job.params.ID), zap.String("reason", reason))
		return nil
	}

	result, err := o.c.Executor.Execute(ctx, job.params)
	if err != nil {
		return err
	}
	o.logger.Info("Trade executed",
		zap.String("trade", job.params.ID),
		zap.Bool("filled", result.Filled),
		zap.Strings("orders", result.OrderIDs),
		zap.String("type", string(result.OrderType)),
		zap.Float64("price", result.ExecutedPrice),
		zap.Float64("slippagePips", result.SlippagePips))

	if _, err := o.c.Security.Status(ctx, job.window); err != nil {
		o.logger.Warn("Security status unavailable", zap.Error(err))
	}
	return nil
}

// superviseTick refreshes the regime from the latest window and reviews
// open positions.
func (o *Orchestrator) superviseTick(ctx context.Context) error {
	if window := o.c.Window.Snapshot(); len(window) > 0 {
		if _, err := o.c.Regime.Observe(window); err != nil {
			return err
		}
	}
	closed, err := o.c.Supervisor.Review(ctx)
	if err != nil {
		return err
	}
	if len(closed) > 0 {
		o.logger.Info("Positions closed early", zap.Strings("orders", closed))
	}
	return nil
}

func (o *Orchestrator) feedbackTick(ctx context.Context) (time.Duration, error) {
	report, next, err := o.c.Feedback.RunOnce(ctx)
	if err != nil {
		return o.config.FeedbackInterval, err
	}
	if next <= 0 {
		next = o.config.FeedbackInterval
	}
	o.logger.Info("Feedback cycle complete",
		zap.Int("trades", report.Overall.TradeCount),
		zap.Float64("winRate", report.Overall.WinRate),
		zap.Float64("maxDrawdown", report.Overall.MaxDrawdown),
		zap.Duration("next", next))
	return next, nil
}
