// Package types provides shared type definitions for the trading engine.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the discrete trade direction produced by the signal stage.
type Direction int

const (
	Short Direction = -1
	Flat  Direction = 0
	Long  Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Valid reports whether d is one of -1, 0 or 1.
func (d Direction) Valid() bool {
	return d >= Short && d <= Long
}

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Side maps a direction onto an order side. Flat has no side.
func (d Direction) Side() OrderSide {
	if d == Short {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusRejected OrderStatus = "rejected"
)

// Candle is a single price bar. Candles are immutable once produced and
// are unique by (Time, Symbol).
type Candle struct {
	Time   time.Time `json:"time"`
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Signal is the aggregated direction for one evaluation.
type Signal struct {
	Direction Direction `json:"direction"`
	Source    string    `json:"source"`
	Time      time.Time `json:"time"`
	Votes     int       `json:"votes"`
}

// TradeParameters describe a trade as it moves from the risk sizer through
// the gates to execution. Only StopLoss and TakeProfit may change after
// sizing.
type TradeParameters struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Signal     Signal    `json:"signal"`
	LotSize    float64   `json:"lotSize"`
	EntryPrice float64   `json:"entryPrice"`
	StopLoss   float64   `json:"stopLoss"`
	TakeProfit float64   `json:"takeProfit"`
	ATR        float64   `json:"atr"`
	Regime     string    `json:"regime,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Direction is a shorthand for p.Signal.Direction.
func (p *TradeParameters) Direction() Direction {
	return p.Signal.Direction
}

// Validate rejects malformed parameters.
func (p *TradeParameters) Validate() error {
	if p == nil {
		return NewValidationError("trade parameters are nil")
	}
	for name, v := range map[string]float64{
		"lot size":    p.LotSize,
		"entry price": p.EntryPrice,
		"stop loss":   p.StopLoss,
		"take profit": p.TakeProfit,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewValidationError(fmt.Sprintf("%s is not finite", name))
		}
	}
	if p.Signal.Direction == Flat || !p.Signal.Direction.Valid() {
		return NewValidationError(fmt.Sprintf("direction %d is not tradeable", p.Signal.Direction))
	}
	if p.LotSize <= 0 {
		return NewValidationError(fmt.Sprintf("lot size %.4f must be positive", p.LotSize))
	}
	if p.EntryPrice <= 0 {
		return NewValidationError("entry price must be positive")
	}
	switch p.Signal.Direction {
	case Long:
		if p.StopLoss >= p.EntryPrice || p.TakeProfit <= p.EntryPrice {
			return NewValidationError("long stop must be below and target above entry")
		}
	case Short:
		if p.StopLoss <= p.EntryPrice || p.TakeProfit >= p.EntryPrice {
			return NewValidationError("short stop must be above and target below entry")
		}
	}
	return nil
}

// Quote is a venue bid/ask snapshot.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Spread returns ask minus bid in price units.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Order is a single venue order request.
type Order struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopLoss      decimal.Decimal `json:"stopLoss"`
	TakeProfit    decimal.Decimal `json:"takeProfit"`
	Comment       string          `json:"comment,omitempty"`
}

// OrderResult is the venue response for a single order.
type OrderResult struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        OrderStatus     `json:"status"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Message       string          `json:"message,omitempty"`
	Time          time.Time       `json:"time"`
}

// Accepted reports whether the venue accepted the order.
func (r OrderResult) Accepted() bool {
	return r.Status == OrderStatusFilled || r.Status == OrderStatusPending
}

// Position is an open venue position.
type Position struct {
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	Profit     decimal.Decimal `json:"profit"`
	OpenedAt   time.Time       `json:"openedAt"`
}

// AccountInfo is the venue account snapshot.
type AccountInfo struct {
	Balance decimal.Decimal `json:"balance"`
	Equity  decimal.Decimal `json:"equity"`
	Margin  decimal.Decimal `json:"margin"`
}

// TradeOutcome is a closed trade.
type TradeOutcome struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Lots       float64   `json:"lots"`
	EntryPrice float64   `json:"entryPrice"`
	ExitPrice  float64   `json:"exitPrice"`
	Profit     float64   `json:"profit"`
	OpenedAt   time.Time `json:"openedAt"`
	ClosedAt   time.Time `json:"closedAt"`
}

// EconomicEvent is one entry of the economic calendar.
type EconomicEvent struct {
	Time       time.Time `json:"time"`
	Country    string    `json:"country"`
	Event      string    `json:"event"`
	Importance int       `json:"importance"`
}

// ExecutionResult summarizes one Execute call.
type ExecutionResult struct {
	TradeID       string        `json:"tradeId"`
	Filled        bool          `json:"filled"`
	OrderIDs      []string      `json:"orderIds"`
	OrderType     OrderType     `json:"orderType"`
	Suborders     int           `json:"suborders"`
	QuotedPrice   float64       `json:"quotedPrice"`
	ExecutedPrice float64       `json:"executedPrice"`
	SlippagePips  float64       `json:"slippagePips"`
	Latency       time.Duration `json:"latency"`
	Reason        string        `json:"reason,omitempty"`
	Time          time.Time     `json:"time"`
}

// PerformanceMetrics are aggregated over a trailing window of outcomes.
type PerformanceMetrics struct {
	WinRate      float64 `json:"winRate"`
	ProfitFactor float64 `json:"profitFactor"`
	MaxDrawdown  float64 `json:"maxDrawdown"`
	SharpeRatio  float64 `json:"sharpeRatio"`
	TradeCount   int     `json:"tradeCount"`
	TotalProfit  float64 `json:"totalProfit"`
}

// MarshalJSON encodes an infinite profit factor as null since JSON has no
// infinity.
func (m PerformanceMetrics) MarshalJSON() ([]byte, error) {
	type plain PerformanceMetrics
	out := struct {
		plain
		ProfitFactor *float64 `json:"profitFactor"`
	}{plain: plain(m)}
	if !math.IsInf(m.ProfitFactor, 0) && !math.IsNaN(m.ProfitFactor) {
		pf := m.ProfitFactor
		out.ProfitFactor = &pf
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null profit factor as +Inf.
func (m *PerformanceMetrics) UnmarshalJSON(data []byte) error {
	type plain PerformanceMetrics
	in := struct {
		*plain
		ProfitFactor *float64 `json:"profitFactor"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.ProfitFactor == nil {
		if m.TradeCount > 0 {
			m.ProfitFactor = math.Inf(1)
		}
		return nil
	}
	m.ProfitFactor = *in.ProfitFactor
	return nil
}
