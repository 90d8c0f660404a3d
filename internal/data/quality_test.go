package data_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/data"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

func bar(t time.Time, o, h, l, c float64) types.Candle {
	return types.Candle{Time: t, Symbol: "EURUSD", Open: o, High: h, Low: l, Close: c, Volume: 100}
}

func TestQualityCheckerClean(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	minute := func(i int) time.Time { return t0.Add(time.Duration(i) * time.Minute) }

	tests := []struct {
		name      string
		bars      []types.Candle
		wantKept  int
		wantIssue string
	}{
		{
			name:     "clean",
			bars:     []types.Candle{bar(minute(0), 1.1, 1.101, 1.099, 1.1005), bar(minute(1), 1.1005, 1.102, 1.1, 1.101)},
			wantKept: 2,
		},
		{
			name:      "non-finite price",
			bars:      []types.Candle{bar(minute(0), math.NaN(), 1.101, 1.099, 1.1)},
			wantKept:  0,
			wantIssue: "BAD_PRICE",
		},
		{
			name:      "high below close",
			bars:      []types.Candle{bar(minute(0), 1.1, 1.1, 1.099, 1.105)},
			wantKept:  0,
			wantIssue: "OHLC_INCONSISTENT",
		},
		{
			name:      "duplicate timestamp",
			bars:      []types.Candle{bar(minute(0), 1.1, 1.101, 1.099, 1.1), bar(minute(0), 1.1, 1.102, 1.099, 1.101)},
			wantKept:  1,
			wantIssue: "DUPLICATE_TIMESTAMP",
		},
		{
			name:      "gap move",
			bars:      []types.Candle{bar(minute(0), 1.1, 1.101, 1.099, 1.1), bar(minute(1), 1.3, 1.31, 1.29, 1.3)},
			wantKept:  1,
			wantIssue: "GAP_MOVE",
		},
	}

	q := data.NewQualityChecker(zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean, issues := q.Clean(tt.bars)
			if len(clean) != tt.wantKept {
				t.Errorf("Expected %d kept, got %d", tt.wantKept, len(clean))
			}
			if tt.wantIssue == "" {
				if len(issues) != 0 {
					t.Errorf("Expected no issues, got %+v", issues)
				}
				return
			}
			if len(issues) != 1 || issues[0].Type != tt.wantIssue {
				t.Errorf("Expected one %s issue, got %+v", tt.wantIssue, issues)
			}
		})
	}
}

func TestQualityCheckerSortsAndKeepsLatestDuplicate(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	bars := []types.Candle{
		bar(t0.Add(2*time.Minute), 1.1, 1.101, 1.099, 1.1),
		bar(t0, 1.1, 1.101, 1.099, 1.1),
		bar(t0.Add(time.Minute), 1.1, 1.101, 1.099, 1.1),
		bar(t0.Add(time.Minute), 1.1, 1.101, 1.099, 1.1008),
	}

	clean, _ := data.NewQualityChecker(zap.NewNop()).Clean(bars)
	if len(clean) != 3 {
		t.Fatalf("Expected 3 candles, got %d", len(clean))
	}
	for i := 1; i < len(clean); i++ {
		if !clean[i].Time.After(clean[i-1].Time) {
			t.Errorf("Expected strictly increasing times at %d", i)
		}
	}
	if clean[1].Close != 1.1008 {
		t.Errorf("Expected later duplicate to win, got close %f", clean[1].Close)
	}
}
