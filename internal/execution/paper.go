package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	InitialBalance float64 `json:"initialBalance" validate:"gt=0"`
	SpreadPips     float64 `json:"spreadPips" validate:"gte=0"`
	SlippagePips   float64 `json:"slippagePips" validate:"gte=0"` // adverse fill for market orders
	ContractSize   float64 `json:"contractSize" validate:"gt=0"`  // units per lot
	Leverage       float64 `json:"leverage" validate:"gt=0"`
}

// DefaultPaperConfig returns a 10 000 account on standard lots.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		InitialBalance: 10000,
		SpreadPips:     1,
		SlippagePips:   0.2,
		ContractSize:   100000,
		Leverage:       100,
	}
}

// ManagedOrder is a paper order and its lifecycle state.
type ManagedOrder struct {
	Order     types.Order       `json:"order"`
	OrderID   string            `json:"orderId"`
	Direction types.Direction   `json:"direction"`
	Status    types.OrderStatus `json:"status"`
	FillPrice float64           `json:"fillPrice"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Paper is an in-memory venue. Prices come from candles passed to Mark;
// resting limit orders and stop/target exits are evaluated on each mark.
type Paper struct {
	logger *zap.Logger
	config PaperConfig
	symbol string

	mu        sync.RWMutex
	quote     types.Quote
	marked    bool
	balance   float64
	orders    map[string]*ManagedOrder
	positions map[string]*ManagedOrder
	outcomes  []types.TradeOutcome
}

// NewPaper creates a paper venue for symbol.
func NewPaper(logger *zap.Logger, config PaperConfig, symbol string) *Paper {
	return &Paper{
		logger:    logger.Named("paper-venue"),
		config:    config,
		symbol:    symbol,
		balance:   config.InitialBalance,
		orders:    make(map[string]*ManagedOrder),
		positions: make(map[string]*ManagedOrder),
	}
}

// Mark moves the market to candle c: the quote becomes close/close+spread,
// resting limits that traded are filled and positions whose stop or target
// was touched are closed. It returns the trades closed by this mark.
func (p *Paper) Mark(c types.Candle) []types.TradeOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	spread := utils.FromPips(p.config.SpreadPips)
	p.quote = types.Quote{Symbol: c.Symbol, Bid: c.Close, Ask: c.Close + spread, Time: c.Time}
	p.marked = true

	for id, o := range p.orders {
		if o.Status != types.OrderStatusPending {
			continue
		}
		limit := o.Order.Price.InexactFloat64()
		touched := (o.Direction == types.Long && c.Low+spread <= limit) ||
			(o.Direction == types.Short && c.High >= limit)
		if touched {
			o.Status = types.OrderStatusFilled
			o.FillPrice = limit
			o.UpdatedAt = c.Time
			p.positions[id] = o
			p.logger.Debug("Limit order filled", zap.String("order", id), zap.Float64("price", limit))
		}
	}

	var closed []types.TradeOutcome
	for id, pos := range p.positions {
		exit, hit := p.exitPrice(pos, c, spread)
		if !hit {
			continue
		}
		closed = append(closed, p.closeLocked(id, exit, c.Time))
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].OrderID < closed[j].OrderID })
	return closed
}

// exitPrice reports whether the candle touched the position's stop or
// target. A candle touching both is treated as a stop.
func (p *Paper) exitPrice(pos *ManagedOrder, c types.Candle, spread float64) (float64, bool) {
	stop := pos.Order.StopLoss.InexactFloat64()
	target := pos.Order.TakeProfit.InexactFloat64()
	if pos.Direction == types.Long {
		switch {
		case stop > 0 && c.Low <= stop:
			return stop, true
		case target > 0 && c.High >= target:
			return target, true
		}
		return 0, false
	}
	switch {
	case stop > 0 && c.High+spread >= stop:
		return stop, true
	case target > 0 && c.Low+spread <= target:
		return target, true
	}
	return 0, false
}

// Quote returns the last marked quote.
func (p *Paper) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.marked {
		return types.Quote{}, fmt.Errorf("no price for %s yet", symbol)
	}
	if symbol != p.symbol {
		return types.Quote{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return p.quote, nil
}

// Send fills market orders at the quote plus adverse slippage. Limit orders
// fill at the quote when marketable and otherwise rest until marked through.
func (p *Paper) Send(ctx context.Context, order types.Order) (types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.marked {
		return types.OrderResult{}, fmt.Errorf("no price for %s yet", order.Symbol)
	}

	res := types.OrderResult{
		OrderID:       utils.GenerateID("paper"),
		ClientOrderID: order.ClientOrderID,
		ExecutedQty:   order.Quantity,
		Time:          p.quote.Time,
	}
	if order.Symbol != p.symbol || !order.Quantity.IsPositive() {
		res.Status = types.OrderStatusRejected
		res.Message = "invalid symbol or quantity"
		return res, nil
	}

	dir := types.Long
	price := p.quote.Ask
	if order.Side == types.OrderSideSell {
		dir = types.Short
		price = p.quote.Bid
	}

	managed := &ManagedOrder{
		Order:     order,
		OrderID:   res.OrderID,
		Direction: dir,
		CreatedAt: p.quote.Time,
		UpdatedAt: p.quote.Time,
	}

	switch order.Type {
	case types.OrderTypeLimit:
		limit := order.Price.InexactFloat64()
		marketable := (dir == types.Long && limit >= price) || (dir == types.Short && limit <= price)
		if !marketable {
			managed.Status = types.OrderStatusPending
			res.Status = types.OrderStatusPending
			res.ExecutedPrice = order.Price
			p.orders[res.OrderID] = managed
			return res, nil
		}
	default:
		price += float64(dir) * utils.FromPips(p.config.SlippagePips)
	}

	managed.Status = types.OrderStatusFilled
	managed.FillPrice = utils.RoundTo(price, 5)
	p.orders[res.OrderID] = managed
	p.positions[res.OrderID] = managed

	res.Status = types.OrderStatusFilled
	res.ExecutedPrice = decimal.NewFromFloat(managed.FillPrice)
	p.logger.Debug("Order filled",
		zap.String("order", res.OrderID),
		zap.String("side", string(order.Side)),
		zap.Float64("price", managed.FillPrice))
	return res, nil
}

// Positions lists open positions for symbol.
func (p *Paper) Positions(ctx context.Context, symbol string) ([]types.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Position, 0, len(p.positions))
	for id, o := range p.positions {
		if o.Order.Symbol != symbol {
			continue
		}
		out = append(out, types.Position{
			OrderID:    id,
			Symbol:     o.Order.Symbol,
			Direction:  o.Direction,
			Quantity:   o.Order.Quantity,
			EntryPrice: decimal.NewFromFloat(o.FillPrice),
			StopLoss:   o.Order.StopLoss,
			TakeProfit: o.Order.TakeProfit,
			Profit:     decimal.NewFromFloat(p.unrealized(o)).Round(2),
			OpenedAt:   o.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// Close closes an open position at the current quote or cancels a resting
// order.
func (p *Paper) Close(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos, ok := p.positions[orderID]; ok {
		exit := p.quote.Bid
		if pos.Direction == types.Short {
			exit = p.quote.Ask
		}
		p.closeLocked(orderID, exit, p.quote.Time)
		return nil
	}
	if o, ok := p.orders[orderID]; ok && o.Status == types.OrderStatusPending {
		delete(p.orders, orderID)
		return nil
	}
	return fmt.Errorf("order %s not open", orderID)
}

// AccountInfo returns balance, equity including open profit and used
// margin.
func (p *Paper) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	equity := p.balance
	margin := 0.0
	for _, o := range p.positions {
		equity += p.unrealized(o)
		margin += o.Order.Quantity.InexactFloat64() * p.config.ContractSize * o.FillPrice / p.config.Leverage
	}
	return types.AccountInfo{
		Balance: decimal.NewFromFloat(p.balance).Round(2),
		Equity:  decimal.NewFromFloat(equity).Round(2),
		Margin:  decimal.NewFromFloat(margin).Round(2),
	}, nil
}

// TakeOutcomes returns trades closed since the last call.
func (p *Paper) TakeOutcomes() []types.TradeOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.outcomes
	p.outcomes = nil
	return out
}

func (p *Paper) unrealized(o *ManagedOrder) float64 {
	mark := p.quote.Bid
	if o.Direction == types.Short {
		mark = p.quote.Ask
	}
	return p.profit(o, mark)
}

func (p *Paper) profit(o *ManagedOrder, exit float64) float64 {
	return (exit - o.FillPrice) * float64(o.Direction) * o.Order.Quantity.InexactFloat64() * p.config.ContractSize
}

func (p *Paper) closeLocked(id string, exit float64, at time.Time) types.TradeOutcome {
	o := p.positions[id]
	delete(p.positions, id)
	delete(p.orders, id)

	profit := utils.RoundTo(p.profit(o, exit), 2)
	p.balance += profit
	outcome := types.TradeOutcome{
		ID:         o.Order.Comment,
		OrderID:    id,
		Symbol:     o.Order.Symbol,
		Direction:  o.Direction,
		Lots:       o.Order.Quantity.InexactFloat64(),
		EntryPrice: o.FillPrice,
		ExitPrice:  exit,
		Profit:     profit,
		OpenedAt:   o.UpdatedAt,
		ClosedAt:   at,
	}
	if outcome.ID == "" {
		outcome.ID = id
	} else {
		outcome.ID = outcome.ID + "/" + id
	}
	p.outcomes = append(p.outcomes, outcome)

	p.logger.Info("Position closed",
		zap.String("order", id),
		zap.Float64("exit", exit),
		zap.Float64("profit", profit),
		zap.Float64("balance", p.balance))
	return outcome
}
