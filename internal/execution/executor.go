// Package execution turns approved trade parameters into venue orders.
package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/metrics"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Venue is the order-routing part of a broker connection.
type Venue interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	Send(ctx context.Context, order types.Order) (types.OrderResult, error)
}

// Closer is implemented by venues that can close an accepted order. The
// executor uses it to unwind a partially sent split.
type Closer interface {
	Close(ctx context.Context, orderID string) error
}

// Executor handles trade execution against a single venue.
type Executor struct {
	logger   *zap.Logger
	venue    Venue
	slippage *SlippageLog
	config   ExecutorConfig
	bus      events.Publisher
	recorder *metrics.Recorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// State
	mu         sync.RWMutex
	killSwitch bool

	// Metrics
	metrics ExecutorMetrics
}

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	MaxSpreadPips       float64       `json:"maxSpreadPips" validate:"gt=0"`             // reject above this
	LimitSpreadFraction float64       `json:"limitSpreadFraction" validate:"gt=0,lte=1"` // use a limit order above this share of MaxSpreadPips
	MaxSlippagePips     float64       `json:"maxSlippagePips" validate:"gte=0"`          // limit offset and breach threshold
	MaxSingleOrderLots  float64       `json:"maxSingleOrderLots" validate:"gt=0"`        // split above this
	SplitParts          int           `json:"splitParts" validate:"gte=2"`
	SplitDelay          time.Duration `json:"splitDelay" validate:"gte=0"`
	PricePrecision      int32         `json:"pricePrecision" validate:"gte=0"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxSpreadPips:       2,
		LimitSpreadFraction: 0.7,
		MaxSlippagePips:     3,
		MaxSingleOrderLots:  1.0,
		SplitParts:          3,
		SplitDelay:          500 * time.Millisecond,
		PricePrecision:      5,
	}
}

// ExecutorMetrics tracks execution performance.
type ExecutorMetrics struct {
	TotalOrders      int           `json:"totalOrders"`
	SuccessfulOrders int           `json:"successfulOrders"`
	FailedOrders     int           `json:"failedOrders"`
	Rejections       int           `json:"rejections"`
	AvgSlippagePips  float64       `json:"avgSlippagePips"`
	AvgLatency       time.Duration `json:"avgLatency"`
	LastOrderTime    time.Time     `json:"lastOrderTime"`
}

// Rejection is returned when the executor refuses to send a trade.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "execution rejected: " + r.Reason }

// NewExecutor creates a new trade executor.
func NewExecutor(logger *zap.Logger, config ExecutorConfig, venue Venue) *Executor {
	return &Executor{
		logger:   logger.Named("executor"),
		venue:    venue,
		slippage: NewSlippageLog(logger),
		config:   config,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// WithClock overrides the clock and the inter-order sleep. Tests use it to
// run splits without waiting.
func (e *Executor) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.now = now
	e.sleep = sleep
	return e
}

// SetPublisher sets where executions are announced.
func (e *Executor) SetPublisher(p events.Publisher) { e.bus = p }

// SetRecorder sets the metrics recorder.
func (e *Executor) SetRecorder(r *metrics.Recorder) { e.recorder = r }

// Slippage returns the realized slippage log.
func (e *Executor) Slippage() *SlippageLog { return e.slippage }

// Execute sends params to the venue. A policy refusal is a *Rejection; a
// venue failure is a transient error. A split is reported filled only when
// every suborder was accepted.
func (e *Executor) Execute(ctx context.Context, params *types.TradeParameters) (*types.ExecutionResult, error) {
	if e.IsKillSwitchActive() {
		return nil, e.reject(params, "kill switch", "kill switch active")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	quote, err := e.venue.Quote(ctx, params.Symbol)
	if err != nil {
		return nil, types.NewTransientError("quote", err)
	}

	spread := utils.ToPips(quote.Spread())
	if spread > e.config.MaxSpreadPips {
		return nil, e.reject(params, "spread", fmt.Sprintf("spread %.1f pips above %.1f", spread, e.config.MaxSpreadPips))
	}

	dir := params.Direction()
	quoted := quote.Ask
	if dir == types.Short {
		quoted = quote.Bid
	}

	orderType := types.OrderTypeMarket
	price := quoted
	if spread > e.config.MaxSpreadPips*e.config.LimitSpreadFraction {
		orderType = types.OrderTypeLimit
		price = quoted - float64(dir)*utils.FromPips(e.config.MaxSlippagePips)
	}

	lots := e.splitLots(params.LotSize)
	result := &types.ExecutionResult{
		TradeID:     params.ID,
		OrderType:   orderType,
		Suborders:   len(lots),
		QuotedPrice: quoted,
	}

	start := e.now()
	filledQty := decimal.Zero
	notional := decimal.Zero
	for i, qty := range lots {
		if i > 0 {
			if err := e.sleep(ctx, e.config.SplitDelay); err != nil {
				e.unwind(params, result.OrderIDs)
				return nil, err
			}
		}

		order := types.Order{
			ClientOrderID: utils.GenerateOrderID(),
			Symbol:        params.Symbol,
			Side:          dir.Side(),
			Type:          orderType,
			Quantity:      qty,
			Price:         utils.Decimal(price, e.config.PricePrecision),
			StopLoss:      utils.Decimal(params.StopLoss, e.config.PricePrecision),
			TakeProfit:    utils.Decimal(params.TakeProfit, e.config.PricePrecision),
			Comment:       params.ID,
		}

		sent := e.now()
		res, err := e.venue.Send(ctx, order)
		latency := e.now().Sub(sent)

		if err != nil || !res.Accepted() {
			e.recorder.RecordOrder(string(orderType), "failed", latency.Seconds())
			e.updateMetrics(false, 0, latency)
			e.logger.Error("Order failed",
				zap.String("trade", params.ID),
				zap.Int("suborder", i+1),
				zap.String("message", res.Message),
				zap.Error(err))
			e.unwind(params, result.OrderIDs)
			if err != nil {
				return nil, types.NewTransientError("send order", err)
			}
			result.Reason = fmt.Sprintf("suborder %d/%d %s: %s", i+1, len(lots), res.Status, res.Message)
			result.Latency = e.now().Sub(start)
			result.Time = e.now()
			e.publish(result)
			return result, nil
		}

		execPrice := res.ExecutedPrice
		if execPrice.IsZero() {
			execPrice = order.Price
		}
		execQty := res.ExecutedQty
		if execQty.IsZero() {
			execQty = qty
		}
		filledQty = filledQty.Add(execQty)
		notional = notional.Add(execPrice.Mul(execQty))
		result.OrderIDs = append(result.OrderIDs, res.OrderID)

		pips := utils.ToPips(math.Abs(execPrice.InexactFloat64() - quoted))
		e.recorder.RecordOrder(string(orderType), string(res.Status), latency.Seconds())
		e.updateMetrics(true, pips, latency)
		e.logger.Debug("Order sent",
			zap.String("order", res.OrderID),
			zap.String("qty", qty.String()),
			zap.Duration("latency", latency))
	}

	result.Filled = true
	result.ExecutedPrice = notional.Div(filledQty).Round(e.config.PricePrecision).InexactFloat64()
	result.SlippagePips = utils.RoundTo(utils.ToPips(math.Abs(result.ExecutedPrice-quoted)), 2)
	result.Latency = e.now().Sub(start)
	result.Time = e.now()

	breach := result.SlippagePips > e.config.MaxSlippagePips
	e.slippage.Record(SlippageRecord{
		TradeID:       params.ID,
		OrderID:       result.OrderIDs[0],
		OrderType:     orderType,
		QuotedPrice:   quoted,
		ExecutedPrice: result.ExecutedPrice,
		Pips:          result.SlippagePips,
		Breach:        breach,
		Timestamp:     result.Time,
	})
	e.recorder.RecordSlippage(result.SlippagePips)
	if breach {
		e.logger.Warn("High slippage",
			zap.String("trade", params.ID),
			zap.Float64("pips", result.SlippagePips),
			zap.Float64("allowed", e.config.MaxSlippagePips))
	}

	e.logger.Info("Trade executed",
		zap.String("trade", params.ID),
		zap.String("side", string(dir.Side())),
		zap.String("type", string(orderType)),
		zap.Int("suborders", len(lots)),
		zap.Float64("price", result.ExecutedPrice),
		zap.Float64("slippagePips", result.SlippagePips),
		zap.Duration("latency", result.Latency))
	e.publish(result)
	return result, nil
}

// splitLots returns the suborder quantities. Every part but the last is
// rounded down to 0.01 lots; the last takes the remainder.
func (e *Executor) splitLots(lotSize float64) []decimal.Decimal {
	total := utils.Decimal(lotSize, 2)
	if lotSize <= e.config.MaxSingleOrderLots || e.config.SplitParts < 2 {
		return []decimal.Decimal{total}
	}
	parts := int64(e.config.SplitParts)
	part := total.Div(decimal.NewFromInt(parts)).RoundDown(2)
	out := make([]decimal.Decimal, 0, parts)
	for i := int64(0); i < parts-1; i++ {
		out = append(out, part)
	}
	return append(out, total.Sub(part.Mul(decimal.NewFromInt(parts-1))))
}

// unwind closes suborders that were accepted before a later one failed.
func (e *Executor) unwind(params *types.TradeParameters, orderIDs []string) {
	if len(orderIDs) == 0 {
		return
	}
	closer, ok := e.venue.(Closer)
	if !ok {
		e.logger.Error("Partial split left open, venue cannot close orders",
			zap.String("trade", params.ID),
			zap.Strings("orders", orderIDs))
		return
	}
	// Use a fresh context so cancellation does not leave orders behind.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range orderIDs {
		if err := closer.Close(ctx, id); err != nil {
			e.logger.Error("Failed to unwind suborder", zap.String("order", id), zap.Error(err))
		}
	}
	e.logger.Warn("Unwound partial split", zap.String("trade", params.ID), zap.Int("orders", len(orderIDs)))
}

func (e *Executor) reject(params *types.TradeParameters, label, reason string) error {
	e.mu.Lock()
	e.metrics.Rejections++
	e.mu.Unlock()

	e.logger.Warn("Trade not sent", zap.String("trade", params.ID), zap.String("reason", reason))
	e.recorder.RecordVeto("execution", label)
	return &Rejection{Reason: reason}
}

func (e *Executor) publish(result *types.ExecutionResult) {
	events.Publish(e.bus, events.New(events.EventTypeExecution, "executor", *result))
}

// ActivateKillSwitch stops all new executions.
func (e *Executor) ActivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.killSwitch = true
	e.logger.Warn("Kill switch activated")
}

// DeactivateKillSwitch resumes executions.
func (e *Executor) DeactivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.killSwitch = false
	e.logger.Info("Kill switch deactivated")
}

// IsKillSwitchActive returns whether the kill switch is on.
func (e *Executor) IsKillSwitchActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.killSwitch
}

// GetMetrics returns a copy of the execution metrics.
func (e *Executor) GetMetrics() ExecutorMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

// updateMetrics updates running averages.
func (e *Executor) updateMetrics(success bool, slippagePips float64, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.TotalOrders++
	if !success {
		e.metrics.FailedOrders++
		return
	}
	e.metrics.SuccessfulOrders++
	n := float64(e.metrics.SuccessfulOrders)
	e.metrics.AvgSlippagePips = (e.metrics.AvgSlippagePips*(n-1) + slippagePips) / n
	e.metrics.AvgLatency = time.Duration((float64(e.metrics.AvgLatency)*(n-1) + float64(latency)) / n)
	e.metrics.LastOrderTime = e.now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
