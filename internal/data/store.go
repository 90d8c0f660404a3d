// Package data provides candle and trade-outcome persistence and market
// data sources.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// Store persists candles and trade outcomes as JSON files under dataDir.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	candles  map[string][]types.Candle
	outcomes []types.TradeOutcome
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about stored candles for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// NewStore creates a file-backed store, creating dataDir if needed.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger.Named("store"),
		dataDir:  dataDir,
		candles:  make(map[string][]types.Candle),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}
	if err := store.loadOutcomes(); err != nil {
		store.logger.Warn("Failed to load trade outcomes", zap.Error(err))
	}

	return store, nil
}

// AppendCandles merges candles into the stored history, keeping one candle
// per timestamp.
func (s *Store) AppendCandles(ctx context.Context, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	bySymbol := make(map[string][]types.Candle)
	for _, c := range candles {
		bySymbol[c.Symbol] = append(bySymbol[c.Symbol], c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol, incoming := range bySymbol {
		existing, err := s.loadCandlesLocked(symbol)
		if err != nil {
			return err
		}
		merged := MergeCandles(existing, incoming)
		if err := s.writeJSON(candleFile(symbol), merged); err != nil {
			return err
		}
		s.candles[symbol] = merged
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: merged[0].Time,
			EndDate:   merged[len(merged)-1].Time,
			BarCount:  len(merged),
		}
	}
	return s.saveMetadata()
}

// QueryCandles returns stored candles in [start, end].
func (s *Store) QueryCandles(ctx context.Context, symbol string, start, end time.Time) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars, err := s.loadCandlesLocked(symbol)
	if err != nil {
		return nil, err
	}
	return filterByTimeRange(bars, start, end), nil
}

// LatestCandles returns up to n most recent stored candles.
func (s *Store) LatestCandles(ctx context.Context, symbol string, n int) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars, err := s.loadCandlesLocked(symbol)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]types.Candle, len(bars))
	copy(out, bars)
	return out, nil
}

// AppendOutcomes records closed trades.
func (s *Store) AppendOutcomes(ctx context.Context, outcomes []types.TradeOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.outcomes))
	for _, o := range s.outcomes {
		seen[o.ID] = true
	}
	for _, o := range outcomes {
		if !seen[o.ID] {
			s.outcomes = append(s.outcomes, o)
			seen[o.ID] = true
		}
	}
	sort.SliceStable(s.outcomes, func(i, j int) bool {
		return s.outcomes[i].ClosedAt.Before(s.outcomes[j].ClosedAt)
	})
	return s.writeJSON("outcomes.json", s.outcomes)
}

// QueryOutcomes returns trades closed at or after since.
func (s *Store) QueryOutcomes(ctx context.Context, since time.Time) ([]types.TradeOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.TradeOutcome
	for _, o := range s.outcomes {
		if !o.ClosedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetDataRange returns the stored range for a symbol
func (s *Store) GetDataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// MergeCandles combines two candle slices ordered by time. On a timestamp
// collision the incoming candle wins.
func MergeCandles(existing, incoming []types.Candle) []types.Candle {
	byTime := make(map[int64]types.Candle, len(existing)+len(incoming))
	for _, c := range existing {
		byTime[c.Time.UnixNano()] = c
	}
	for _, c := range incoming {
		byTime[c.Time.UnixNano()] = c
	}
	merged := make([]types.Candle, 0, len(byTime))
	for _, c := range byTime {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Time.Before(merged[j].Time)
	})
	return merged
}

func candleFile(symbol string) string {
	return fmt.Sprintf("%s_candles.json", symbol)
}

func (s *Store) loadCandlesLocked(symbol string) ([]types.Candle, error) {
	if cached, ok := s.candles[symbol]; ok {
		return cached, nil
	}

	raw, err := os.ReadFile(filepath.Join(s.dataDir, candleFile(symbol)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Candle
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Time.Before(bars[j].Time)
	})
	s.candles[symbol] = bars
	return bars, nil
}

func filterByTimeRange(bars []types.Candle, start, end time.Time) []types.Candle {
	var filtered []types.Candle
	for _, bar := range bars {
		if !bar.Time.Before(start) && !bar.Time.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func (s *Store) writeJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, name), raw, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *Store) loadOutcomes() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "outcomes.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.outcomes)
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.metadata)
}

func (s *Store) saveMetadata() error {
	return s.writeJSON("metadata.json", s.metadata)
}
