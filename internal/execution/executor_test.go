package execution_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/execution"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeVenue struct {
	mu        sync.Mutex
	quote     types.Quote
	fillShift float64 // added to the order price on fill
	rejectNth int     // 1-based, 0 never
	sent      []types.Order
	closed    []string
}

func (f *fakeVenue) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	return f.quote, nil
}

func (f *fakeVenue) Send(ctx context.Context, order types.Order) (types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, order)
	n := len(f.sent)
	if n == f.rejectNth {
		return types.OrderResult{Status: types.OrderStatusRejected, Message: "no liquidity"}, nil
	}
	return types.OrderResult{
		OrderID:       order.ClientOrderID,
		ClientOrderID: order.ClientOrderID,
		Status:        types.OrderStatusFilled,
		ExecutedPrice: order.Price.Add(decimal.NewFromFloat(f.fillShift)),
		ExecutedQty:   order.Quantity,
	}, nil
}

func (f *fakeVenue) Close(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, orderID)
	return nil
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func quoteWithSpread(pips float64) types.Quote {
	return types.Quote{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1 + pips*0.0001}
}

func tradeParams(lots float64) *types.TradeParameters {
	return &types.TradeParameters{
		ID:         "trd-1",
		Symbol:     "EURUSD",
		Signal:     types.Signal{Direction: types.Long},
		LotSize:    lots,
		EntryPrice: 1.1,
		StopLoss:   1.09,
		TakeProfit: 1.12,
	}
}

func newExecutor(venue execution.Venue) (*execution.Executor, *sleepRecorder) {
	sleeps := &sleepRecorder{}
	e := execution.NewExecutor(zap.NewNop(), execution.DefaultExecutorConfig(), venue).
		WithClock(time.Now, sleeps.Sleep)
	return e, sleeps
}

func TestSpreadRejection(t *testing.T) {
	venue := &fakeVenue{quote: quoteWithSpread(3)}
	e, _ := newExecutor(venue)

	result, err := e.Execute(context.Background(), tradeParams(0.1))
	var rejection *execution.Rejection
	if !errors.As(err, &rejection) {
		t.Fatalf("Expected rejection, got %v", err)
	}
	if result != nil {
		t.Error("Expected no result on rejection")
	}
	if len(venue.sent) != 0 {
		t.Errorf("Expected no orders sent, got %d", len(venue.sent))
	}
}

func TestOrderTypeSelection(t *testing.T) {
	tests := []struct {
		name      string
		spread    float64
		wantType  types.OrderType
		wantPrice float64
	}{
		{"tight spread uses market", 1.0, types.OrderTypeMarket, 1.1001},
		{"wide spread uses limit", 1.5, types.OrderTypeLimit, 1.10015 - 0.0003},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := &fakeVenue{quote: quoteWithSpread(tt.spread)}
			e, _ := newExecutor(venue)

			result, err := e.Execute(context.Background(), tradeParams(0.1))
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if !result.Filled || result.OrderType != tt.wantType {
				t.Errorf("Expected filled %s order, got %+v", tt.wantType, result)
			}
			if got := venue.sent[0].Price.InexactFloat64(); math.Abs(got-tt.wantPrice) > 1e-9 {
				t.Errorf("Expected price %.5f, got %.5f", tt.wantPrice, got)
			}
		})
	}
}

func TestLargeOrdersAreSplit(t *testing.T) {
	venue := &fakeVenue{quote: quoteWithSpread(1)}
	e, sleeps := newExecutor(venue)

	result, err := e.Execute(context.Background(), tradeParams(1.6))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Filled || result.Suborders != 3 || len(result.OrderIDs) != 3 {
		t.Fatalf("Expected 3 filled suborders, got %+v", result)
	}

	total := decimal.Zero
	for _, o := range venue.sent {
		total = total.Add(o.Quantity)
	}
	if !total.Equal(decimal.NewFromFloat(1.6)) {
		t.Errorf("Expected suborders to sum to 1.6, got %s", total)
	}
	if venue.sent[0].Quantity.String() != "0.53" || venue.sent[2].Quantity.String() != "0.54" {
		t.Errorf("Unexpected split %s/%s/%s", venue.sent[0].Quantity, venue.sent[1].Quantity, venue.sent[2].Quantity)
	}
	if len(sleeps.calls) != 2 || sleeps.calls[0] != 500*time.Millisecond {
		t.Errorf("Expected two 500ms pauses, got %v", sleeps.calls)
	}
}

func TestPartialSplitIsUnwound(t *testing.T) {
	venue := &fakeVenue{quote: quoteWithSpread(1), rejectNth: 2}
	e, _ := newExecutor(venue)

	result, err := e.Execute(context.Background(), tradeParams(1.5))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Filled {
		t.Error("Expected split with a rejected suborder to be unfilled")
	}
	if len(venue.sent) != 2 {
		t.Errorf("Expected sending to stop after the rejection, got %d orders", len(venue.sent))
	}
	if len(venue.closed) != 1 || venue.closed[0] != venue.sent[0].ClientOrderID {
		t.Errorf("Expected first suborder closed, got %v", venue.closed)
	}
}

func TestSlippageBreachDoesNotFail(t *testing.T) {
	venue := &fakeVenue{quote: quoteWithSpread(1), fillShift: 0.0005}
	e, _ := newExecutor(venue)

	result, err := e.Execute(context.Background(), tradeParams(0.1))
	if err != nil {
		t.Fatalf("Expected slippage breach to be observational, got %v", err)
	}
	if !result.Filled {
		t.Fatal("Expected trade filled despite slippage")
	}
	if math.Abs(result.SlippagePips-5) > 1e-6 {
		t.Errorf("Expected 5 pips slippage, got %.2f", result.SlippagePips)
	}
	records := e.Slippage().Recent(10)
	if len(records) != 1 || !records[0].Breach {
		t.Errorf("Expected one breach record, got %+v", records)
	}
}

func TestKillSwitch(t *testing.T) {
	venue := &fakeVenue{quote: quoteWithSpread(1)}
	e, _ := newExecutor(venue)

	e.ActivateKillSwitch()
	if _, err := e.Execute(context.Background(), tradeParams(0.1)); err == nil {
		t.Fatal("Expected kill switch to block execution")
	}
	e.DeactivateKillSwitch()
	if _, err := e.Execute(context.Background(), tradeParams(0.1)); err != nil {
		t.Fatalf("Expected execution after kill switch off, got %v", err)
	}
	if m := e.GetMetrics(); m.SuccessfulOrders != 1 || m.Rejections != 1 {
		t.Errorf("Unexpected metrics %+v", m)
	}
}

func TestInvalidParamsAreValidationErrors(t *testing.T) {
	e, _ := newExecutor(&fakeVenue{quote: quoteWithSpread(1)})
	params := tradeParams(0.1)
	params.StopLoss = 1.2

	_, err := e.Execute(context.Background(), params)
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
