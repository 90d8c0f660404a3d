package market_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/data"
	"github.com/atlas-desktop/fx-trader/internal/market"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

type failingSource struct{}

func (failingSource) Recent(ctx context.Context, symbol string, n int) ([]types.Candle, error) {
	return nil, errors.New("connection reset")
}

func TestWindowRefreshKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	origin := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	now := origin.Add(2 * time.Hour)
	src := data.NewSynthetic("EURUSD", origin, time.Minute, 3, data.DefaultWalkParams()).
		WithClock(func() time.Time { return now })
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	w := market.NewWindow(zap.NewNop(), market.WindowConfig{Size: 60, FetchCount: 100}, "EURUSD", src, store)
	candles, err := w.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(candles) != 60 {
		t.Fatalf("Expected window of 60, got %d", len(candles))
	}
	if !candles[59].Time.Equal(now) {
		t.Errorf("Expected newest candle at %v, got %v", now, candles[59].Time)
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Time.After(candles[i-1].Time) {
			t.Fatalf("Window not strictly ordered at %d", i)
		}
	}

	stored, _ := store.LatestCandles(ctx, "EURUSD", 1000)
	if len(stored) != 100 {
		t.Errorf("Expected all fetched candles persisted, got %d", len(stored))
	}
}

func TestWindowRefreshFailureIsTransient(t *testing.T) {
	w := market.NewWindow(zap.NewNop(), market.DefaultWindowConfig(), "EURUSD", failingSource{}, nil)
	_, err := w.Refresh(context.Background())
	if !types.IsKind(err, types.KindTransientIO) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestWindowBackfillSeedsFromHistory(t *testing.T) {
	ctx := context.Background()
	origin := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	now := origin.Add(24 * time.Hour)
	src := data.NewSynthetic("EURUSD", origin, time.Minute, 5, data.DefaultWalkParams()).
		WithClock(func() time.Time { return now })
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	w := market.NewWindow(zap.NewNop(), market.WindowConfig{Size: 120, FetchCount: 10}, "EURUSD", src, store)
	n, err := w.Backfill(ctx, src, origin, now)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if n != 24*60+1 {
		t.Errorf("Expected %d backfilled candles, got %d", 24*60+1, n)
	}
	if w.Len() != 120 {
		t.Errorf("Expected window trimmed to 120, got %d", w.Len())
	}

	fresh := market.NewWindow(zap.NewNop(), market.WindowConfig{Size: 120, FetchCount: 10}, "EURUSD", src, store)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if fresh.Len() != 120 {
		t.Errorf("Expected window loaded from history, got %d", fresh.Len())
	}
}
