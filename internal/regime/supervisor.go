package regime

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// PositionVenue is the part of the venue the supervisor needs.
type PositionVenue interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	Positions(ctx context.Context, symbol string) ([]types.Position, error)
	Close(ctx context.Context, orderID string) error
}

// SupervisorConfig configures early exits for open positions.
type SupervisorConfig struct {
	// NearStopFraction closes a position once price has covered this
	// fraction of the distance from entry to stop.
	NearStopFraction float64      `json:"nearStopFraction" validate:"gt=0,lte=1"`
	ExitRegimes      []RegimeType `json:"exitRegimes"`
}

// DefaultSupervisorConfig exits at 90% of the way to the stop and when the
// market turns volatile or ranging.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		NearStopFraction: 0.9,
		ExitRegimes:      []RegimeType{RegimeVolatile, RegimeRange},
	}
}

// Supervisor closes open positions early when the market turns against
// them.
type Supervisor struct {
	logger *zap.Logger
	config SupervisorConfig
	gate   *Gate
	venue  PositionVenue
	symbol string
}

// NewSupervisor creates a supervisor reading the gate's current regime.
func NewSupervisor(logger *zap.Logger, config SupervisorConfig, gate *Gate, venue PositionVenue, symbol string) *Supervisor {
	return &Supervisor{
		logger: logger.Named("supervisor"),
		config: config,
		gate:   gate,
		venue:  venue,
		symbol: symbol,
	}
}

// ExitReason reports why a position should be closed at the given quote
// and regime, or "" to keep it.
func (s *Supervisor) ExitReason(pos types.Position, q types.Quote, regime RegimeType) string {
	entry := pos.EntryPrice.InexactFloat64()
	stop := pos.StopLoss.InexactFloat64()
	if stop > 0 && entry != stop {
		mark := q.Bid
		if pos.Direction == types.Short {
			mark = q.Ask
		}
		covered := (entry - mark) / (entry - stop)
		if covered >= s.config.NearStopFraction {
			return fmt.Sprintf("price %.5f near stop %.5f", mark, stop)
		}
	}
	for _, r := range s.config.ExitRegimes {
		if r == regime {
			return fmt.Sprintf("regime %s", regime)
		}
	}
	return ""
}

// Review checks every open position and closes those that should exit.
// It returns the IDs of closed positions.
func (s *Supervisor) Review(ctx context.Context) ([]string, error) {
	positions, err := s.venue.Positions(ctx, s.symbol)
	if err != nil {
		return nil, types.NewTransientError("list positions", err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	q, err := s.venue.Quote(ctx, s.symbol)
	if err != nil {
		return nil, types.NewTransientError("quote", err)
	}

	regime := s.gate.Current().Regime
	var closed []string
	for _, pos := range positions {
		reason := s.ExitReason(pos, q, regime)
		if reason == "" {
			continue
		}
		if err := s.venue.Close(ctx, pos.OrderID); err != nil {
			s.logger.Error("Failed to close position", zap.String("order", pos.OrderID), zap.Error(err))
			continue
		}
		s.logger.Warn("Closed position early", zap.String("order", pos.OrderID), zap.String("reason", reason))
		closed = append(closed, pos.OrderID)
	}
	return closed, nil
}
