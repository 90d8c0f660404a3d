// Package market maintains the rolling candle window the pipeline evaluates.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/data"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// Source supplies recent candles.
type Source interface {
	Recent(ctx context.Context, symbol string, n int) ([]types.Candle, error)
}

// RangeSource supplies historical candles for backfill.
type RangeSource interface {
	Range(ctx context.Context, symbol string, start, end time.Time) ([]types.Candle, error)
}

// History persists candles and serves the tail of stored history.
type History interface {
	AppendCandles(ctx context.Context, candles []types.Candle) error
	LatestCandles(ctx context.Context, symbol string, n int) ([]types.Candle, error)
}

// WindowConfig configures the rolling window.
type WindowConfig struct {
	Size       int `json:"size" validate:"gte=60"`
	FetchCount int `json:"fetchCount" validate:"gt=0"`
}

// DefaultWindowConfig returns defaults sized for the slowest indicator.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Size:       200,
		FetchCount: 10,
	}
}

// Window holds the most recent candles for one symbol.
type Window struct {
	logger  *zap.Logger
	config  WindowConfig
	symbol  string
	source  Source
	history History
	quality *data.QualityChecker

	mu      sync.RWMutex
	candles []types.Candle
	updated time.Time
}

// NewWindow creates an empty window.
func NewWindow(logger *zap.Logger, config WindowConfig, symbol string, source Source, history History) *Window {
	return &Window{
		logger:  logger.Named("market-window"),
		config:  config,
		symbol:  symbol,
		source:  source,
		history: history,
		quality: data.NewQualityChecker(logger),
	}
}

// Backfill pulls [start, end] from src into history and seeds the window
// from it.
func (w *Window) Backfill(ctx context.Context, src RangeSource, start, end time.Time) (int, error) {
	candles, err := src.Range(ctx, w.symbol, start, end)
	if err != nil {
		return 0, types.NewTransientError("backfill", err)
	}
	candles, _ = w.quality.Clean(candles)
	if w.history != nil {
		if err := w.history.AppendCandles(ctx, candles); err != nil {
			return 0, types.NewTransientError("persist backfill", err)
		}
	}
	w.merge(candles, time.Now())
	w.logger.Info("Backfill complete",
		zap.Int("candles", len(candles)),
		zap.Time("start", start),
		zap.Time("end", end))
	return len(candles), nil
}

// Load seeds the window from persisted history.
func (w *Window) Load(ctx context.Context) error {
	if w.history == nil {
		return nil
	}
	stored, err := w.history.LatestCandles(ctx, w.symbol, w.config.Size)
	if err != nil {
		return types.NewTransientError("load history", err)
	}
	w.merge(stored, time.Now())
	return nil
}

// Refresh pulls new candles, persists them and returns the updated window.
func (w *Window) Refresh(ctx context.Context) ([]types.Candle, error) {
	fetched, err := w.source.Recent(ctx, w.symbol, w.config.FetchCount)
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = types.NewTransientError("fetch candles", err)
		}
		return nil, err
	}

	clean, issues := w.quality.Clean(fetched)
	if len(issues) > 0 {
		w.logger.Warn("Dropped malformed candles", zap.Int("count", len(issues)), zap.String("first", issues[0].Type))
	}

	if w.history != nil && len(clean) > 0 {
		if err := w.history.AppendCandles(ctx, clean); err != nil {
			w.logger.Warn("Failed to persist candles", zap.Error(err))
		}
	}

	w.merge(clean, time.Now())
	return w.Snapshot(), nil
}

func (w *Window) merge(incoming []types.Candle, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	merged := data.MergeCandles(w.candles, incoming)
	if len(merged) > w.config.Size {
		merged = merged[len(merged)-w.config.Size:]
	}
	w.candles = merged
	w.updated = at
}

// Snapshot returns a copy of the current window.
func (w *Window) Snapshot() []types.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.Candle, len(w.candles))
	copy(out, w.candles)
	return out
}

// Len returns the number of candles held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.candles)
}

// UpdatedAt returns the time of the last merge.
func (w *Window) UpdatedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.updated
}
