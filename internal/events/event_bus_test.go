package events_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"go.uber.org/zap"
)

func TestPublishRoutesByType(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	bus.Start(context.Background())
	defer bus.Stop()

	var regimes, all atomic.Int64
	bus.Subscribe(events.EventTypeRegime, func(e events.Event) error {
		regimes.Add(1)
		return nil
	})
	bus.SubscribeAll(func(e events.Event) error {
		all.Add(1)
		return nil
	})

	bus.Publish(events.New(events.EventTypeRegime, "test", "trend"))
	bus.Publish(events.New(events.EventTypeVeto, "test", "spread"))

	deadline := time.Now().Add(2 * time.Second)
	for all.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if regimes.Load() != 1 {
		t.Errorf("Expected 1 regime event, got %d", regimes.Load())
	}
	if all.Load() != 2 {
		t.Errorf("Expected 2 events on catch-all, got %d", all.Load())
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.EventBusConfig{NumWorkers: 1, BufferSize: 2})

	for i := 0; i < 5; i++ {
		bus.Publish(events.New(events.EventTypeSignal, "test", i))
	}
	stats := bus.GetStats()
	if stats.EventsPublished != 2 || stats.EventsDropped != 3 {
		t.Errorf("Expected 2 published and 3 dropped, got %+v", stats)
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())

	var delivered atomic.Int64
	bus.SubscribeAll(func(e events.Event) error { panic("boom") })
	bus.SubscribeAll(func(e events.Event) error { return errors.New("rejected") })
	bus.SubscribeAll(func(e events.Event) error {
		delivered.Add(1)
		return nil
	})

	bus.PublishSync(events.New(events.EventTypeError, "test", nil))

	if delivered.Load() != 1 {
		t.Error("Expected healthy subscriber to receive the event")
	}
	if got := bus.GetStats().ProcessingErrors; got != 2 {
		t.Errorf("Expected 2 processing errors, got %d", got)
	}
}
