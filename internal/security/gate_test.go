package security_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/security"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

type fakeVenue struct {
	quote    types.Quote
	failures int
	calls    int
}

func (f *fakeVenue) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	f.calls++
	if f.calls <= f.failures {
		return types.Quote{}, errors.New("connection reset")
	}
	return f.quote, nil
}

type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func calmWindow(n int) []types.Candle {
	start := time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Symbol: "EURUSD",
			Open:   1.1,
			High:   1.1005,
			Low:    1.0995,
			Close:  1.1,
			Volume: 1000,
		}
	}
	return out
}

func tightQuote() types.Quote {
	return types.Quote{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1001}
}

func testConfig() security.GateConfig {
	cfg := security.DefaultGateConfig()
	cfg.ProbeBackoff = 0
	return cfg
}

func params() *types.TradeParameters {
	return &types.TradeParameters{ID: "trd-1", Symbol: "EURUSD", Signal: types.Signal{Direction: types.Long}}
}

func TestApproveCleanTrade(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := security.NewGate(zap.NewNop(), testConfig(), &fakeVenue{quote: tightQuote()}, "EURUSD").WithClock(clock.Now)

	ok, reason := g.Approve(context.Background(), params(), calmWindow(30))
	if !ok {
		t.Fatalf("Expected approval, got %q", reason)
	}
}

func TestThrottle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 13, 10, 30, 0, 0, time.UTC)}
	g := security.NewGate(zap.NewNop(), testConfig(), &fakeVenue{quote: tightQuote()}, "EURUSD").WithClock(clock.Now)
	window := calmWindow(30)

	if ok, reason := g.Approve(context.Background(), params(), window); !ok {
		t.Fatalf("Expected first trade approved, got %q", reason)
	}

	clock.t = clock.t.Add(3 * time.Second)
	ok, reason := g.Approve(context.Background(), params(), window)
	if ok {
		t.Fatal("Expected second trade within 5s to be rejected")
	}
	if !strings.HasPrefix(reason, "throttle") {
		t.Errorf("Expected throttle reason, got %q", reason)
	}

	clock.t = clock.t.Add(3 * time.Second)
	if ok, reason := g.Approve(context.Background(), params(), window); !ok {
		t.Errorf("Expected trade after interval approved, got %q", reason)
	}
}

func TestProbeRetries(t *testing.T) {
	venue := &fakeVenue{quote: tightQuote(), failures: 2}
	g := security.NewGate(zap.NewNop(), testConfig(), venue, "EURUSD")

	if ok, reason := g.Approve(context.Background(), params(), calmWindow(30)); !ok {
		t.Fatalf("Expected approval after retries, got %q", reason)
	}
	if venue.calls != 3 {
		t.Errorf("Expected 3 probes, got %d", venue.calls)
	}

	venue = &fakeVenue{failures: 10}
	g = security.NewGate(zap.NewNop(), testConfig(), venue, "EURUSD")
	ok, reason := g.Approve(context.Background(), params(), calmWindow(30))
	if ok || !strings.HasPrefix(reason, "connection") {
		t.Errorf("Expected connection rejection, got %v %q", ok, reason)
	}
	if venue.calls != 3 {
		t.Errorf("Expected probing to stop after 3 attempts, got %d", venue.calls)
	}
}

func TestRejections(t *testing.T) {
	volumeSpike := calmWindow(30)
	volumeSpike[29].Volume = 10000

	priceJump := calmWindow(30)
	for i := range priceJump {
		priceJump[i].High, priceJump[i].Low = 1.12, 1.08
	}
	priceJump[29].Close = 1.1 * 1.02
	priceJump[29].High = priceJump[29].Close + 0.0005
	priceJump[29].Low = priceJump[29].Close - 0.0005

	rangeJump := calmWindow(30)
	rangeJump[29].High = 1.105
	rangeJump[29].Low = 1.095

	tests := []struct {
		name   string
		window []types.Candle
		quote  types.Quote
		step   time.Duration
		check  string
	}{
		{"volume spike", volumeSpike, tightQuote(), 0, "volume spike"},
		{"price change", priceJump, tightQuote(), 0, "price change"},
		{"volatility spike", rangeJump, tightQuote(), 0, "volatility spike"},
		{"wide spread", calmWindow(30), types.Quote{Bid: 1.1, Ask: 1.1006}, 0, "spread"},
		{"slow venue", calmWindow(30), tightQuote(), 300 * time.Millisecond, "latency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Now(), step: tt.step}
			g := security.NewGate(zap.NewNop(), testConfig(), &fakeVenue{quote: tt.quote}, "EURUSD").WithClock(clock.Now)

			ok, reason := g.Approve(context.Background(), params(), tt.window)
			if ok {
				t.Fatal("Expected rejection")
			}
			if !strings.HasPrefix(reason, tt.check) {
				t.Errorf("Expected %q check, got %q", tt.check, reason)
			}
		})
	}
}

func TestRangeJumpThreshold(t *testing.T) {
	tests := []struct {
		name     string
		halfSpan float64 // of the last candle; calm candles span 0.001
		wantOK   bool
	}{
		{"range doubles", 0.001, true},
		{"range triples", 0.0015, true},
		{"range five times", 0.0025, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window := calmWindow(30)
			window[29].High = 1.1 + tt.halfSpan
			window[29].Low = 1.1 - tt.halfSpan

			clock := &fakeClock{t: time.Now()}
			g := security.NewGate(zap.NewNop(), testConfig(), &fakeVenue{quote: tightQuote()}, "EURUSD").WithClock(clock.Now)
			ok, reason := g.Approve(context.Background(), params(), window)
			if ok != tt.wantOK {
				t.Errorf("Expected approved=%v, got %v (%s)", tt.wantOK, ok, reason)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	g := security.NewGate(zap.NewNop(), testConfig(), &fakeVenue{quote: tightQuote()}, "EURUSD")
	st, err := g.Status(context.Background(), calmWindow(30))
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if st.SpreadPips < 0.99 || st.SpreadPips > 1.01 {
		t.Errorf("Expected 1 pip spread, got %.2f", st.SpreadPips)
	}
	if st.VolumeSpike != 1 {
		t.Errorf("Expected volume multiple 1, got %.2f", st.VolumeSpike)
	}
}
