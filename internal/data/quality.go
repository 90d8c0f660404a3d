package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// CandleIssue describes one rejected or suspicious candle.
type CandleIssue struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// QualityChecker screens incoming candles before they enter a window.
type QualityChecker struct {
	logger *zap.Logger

	// MaxGapMove is the largest accepted close-to-open jump between
	// consecutive candles, as a fraction of price.
	MaxGapMove float64
}

// NewQualityChecker creates a checker with FX defaults.
func NewQualityChecker(logger *zap.Logger) *QualityChecker {
	return &QualityChecker{
		logger:     logger.Named("quality"),
		MaxGapMove: 0.05,
	}
}

// Clean returns candles sorted by time with one candle per timestamp and
// without inconsistent bars. Dropped candles are reported as issues.
func (q *QualityChecker) Clean(bars []types.Candle) ([]types.Candle, []CandleIssue) {
	sorted := make([]types.Candle, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	var issues []CandleIssue
	clean := make([]types.Candle, 0, len(sorted))
	for _, bar := range sorted {
		if issue, ok := q.check(bar); !ok {
			issues = append(issues, issue)
			continue
		}
		if n := len(clean); n > 0 && clean[n-1].Time.Equal(bar.Time) {
			issues = append(issues, CandleIssue{Type: "DUPLICATE_TIMESTAMP", Timestamp: bar.Time, Message: "later candle replaces earlier"})
			clean[n-1] = bar
			continue
		}
		if n := len(clean); n > 0 && q.MaxGapMove > 0 {
			prev := clean[n-1].Close
			if prev > 0 && math.Abs(bar.Open-prev)/prev > q.MaxGapMove {
				issues = append(issues, CandleIssue{
					Type:      "GAP_MOVE",
					Timestamp: bar.Time,
					Message:   fmt.Sprintf("open %.5f jumps from close %.5f", bar.Open, prev),
				})
				continue
			}
		}
		clean = append(clean, bar)
	}

	if len(issues) > 0 {
		q.logger.Debug("Candles dropped", zap.Int("issues", len(issues)), zap.Int("kept", len(clean)))
	}
	return clean, issues
}

func (q *QualityChecker) check(bar types.Candle) (CandleIssue, bool) {
	for _, v := range []float64{bar.Open, bar.High, bar.Low, bar.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return CandleIssue{Type: "BAD_PRICE", Timestamp: bar.Time, Message: "non-positive or non-finite price"}, false
		}
	}
	if bar.High < math.Max(bar.Open, bar.Close) || bar.Low > math.Min(bar.Open, bar.Close) || bar.High < bar.Low {
		return CandleIssue{
			Type:      "OHLC_INCONSISTENT",
			Timestamp: bar.Time,
			Message:   fmt.Sprintf("O:%.5f H:%.5f L:%.5f C:%.5f", bar.Open, bar.High, bar.Low, bar.Close),
		}, false
	}
	if bar.Volume < 0 {
		return CandleIssue{Type: "NEGATIVE_VOLUME", Timestamp: bar.Time, Message: "negative volume"}, false
	}
	return CandleIssue{}, true
}
