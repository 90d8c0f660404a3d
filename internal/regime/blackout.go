package regime

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"go.uber.org/zap"
)

// Calendar lists high-impact economic releases around a time range.
type Calendar interface {
	Events(ctx context.Context, from, to time.Time) ([]types.EconomicEvent, error)
}

// BlackoutConfig configures no-trade windows. All times are UTC.
type BlackoutConfig struct {
	FridayCutoffHour int           `json:"fridayCutoffHour" validate:"gte=0,lte=24"`
	EdgeMinutes      int           `json:"edgeMinutes" validate:"gte=0,lt=30"` // first/last minutes of each hour
	NewsMargin       time.Duration `json:"newsMargin" validate:"gte=0"`
	MinImportance    int           `json:"minImportance" validate:"gte=0"`
}

// DefaultBlackoutConfig returns Friday >= 20:00, the first and last five
// minutes of each hour and ±30 minutes around high-impact news.
func DefaultBlackoutConfig() BlackoutConfig {
	return BlackoutConfig{
		FridayCutoffHour: 20,
		EdgeMinutes:      5,
		NewsMargin:       30 * time.Minute,
		MinImportance:    3,
	}
}

// Blackouts decides whether a time falls in a no-trade window.
type Blackouts struct {
	logger   *zap.Logger
	config   BlackoutConfig
	calendar Calendar
}

// NewBlackouts creates the checker. calendar may be nil.
func NewBlackouts(logger *zap.Logger, config BlackoutConfig, calendar Calendar) *Blackouts {
	return &Blackouts{
		logger:   logger.Named("blackouts"),
		config:   config,
		calendar: calendar,
	}
}

// Check returns a reason when t is inside a blackout. A calendar failure
// does not block trading.
func (b *Blackouts) Check(ctx context.Context, t time.Time) (string, bool) {
	if reason, blocked := b.CheckClock(t); blocked {
		return reason, true
	}
	if b.calendar == nil || b.config.NewsMargin <= 0 {
		return "", false
	}

	t = t.UTC()
	events, err := b.calendar.Events(ctx, t.Add(-b.config.NewsMargin), t.Add(b.config.NewsMargin))
	if err != nil {
		b.logger.Warn("Economic calendar unavailable, continuing without news filter", zap.Error(err))
		return "", false
	}
	for _, ev := range events {
		if ev.Importance < b.config.MinImportance {
			continue
		}
		delta := t.Sub(ev.Time)
		if delta < 0 {
			delta = -delta
		}
		if delta < b.config.NewsMargin {
			return fmt.Sprintf("news: %s (%s) at %s", ev.Event, ev.Country, ev.Time.Format("15:04")), true
		}
	}
	return "", false
}

// CheckClock applies the calendar-independent windows.
func (b *Blackouts) CheckClock(t time.Time) (string, bool) {
	t = t.UTC()
	if t.Weekday() == time.Friday && t.Hour() >= b.config.FridayCutoffHour {
		return "friday close", true
	}
	if edge := b.config.EdgeMinutes; edge > 0 {
		if m := t.Minute(); m < edge || m > 60-edge {
			return "hour boundary", true
		}
	}
	return "", false
}
