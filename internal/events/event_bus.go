// Package events routes pipeline notifications (regime changes, vetoes,
// executions, feedback actions) to observers such as the websocket hub
// and the execution journal.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeRegime    EventType = "regime"
	EventTypeVeto      EventType = "veto"
	EventTypeSignal    EventType = "signal"
	EventTypeExecution EventType = "execution"
	EventTypeOutcome   EventType = "outcome"
	EventTypeFeedback  EventType = "feedback"
	EventTypeError     EventType = "error"
)

// Event is a single notification. Payload is JSON-serializable.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// New creates an event stamped with an ID and the current time.
func New(t EventType, source string, payload any) Event {
	return Event{
		ID:        utils.GenerateID("evt"),
		Type:      t,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Publisher accepts events. Publishing never blocks the caller.
type Publisher interface {
	Publish(Event)
}

// Publish sends e to p when p is non-nil.
func Publish(p Publisher, e Event) {
	if p != nil {
		p.Publish(e)
	}
}

// EventHandler processes an event
type EventHandler func(event Event) error

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus throughput
type EventBusStats struct {
	EventsPublished   int64 `json:"eventsPublished"`
	EventsProcessed   int64 `json:"eventsProcessed"`
	EventsDropped     int64 `json:"eventsDropped"`
	ProcessingErrors  int64 `json:"processingErrors"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers" validate:"gt=0"`
	BufferSize int `json:"bufferSize" validate:"gt=0"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 2,
		BufferSize: 1024,
	}
}

// EventBus fans events out to subscribers on a small worker pool.
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewEventBus creates an event bus. Workers start with Start.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	return &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		logger:      logger.Named("event-bus"),
	}
}

// Start launches the workers.
func (eb *EventBus) Start(ctx context.Context) {
	eb.startOnce.Do(func() {
		ctx, eb.cancel = context.WithCancel(ctx)
		for i := 0; i < eb.workerCount; i++ {
			eb.wg.Add(1)
			go eb.worker(ctx)
		}
		eb.logger.Info("EventBus started", zap.Int("workers", eb.workerCount))
	})
}

// Stop shuts down the workers and waits up to five seconds for them.
func (eb *EventBus) Stop() {
	if eb.cancel == nil {
		return
	}
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("EventBus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()))
	case <-time.After(5 * time.Second):
		eb.logger.Warn("EventBus shutdown timed out")
	}
}

func (eb *EventBus) worker(ctx context.Context) {
	defer eb.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.eventChan:
			eb.processEvent(event)
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := append([]*Subscription(nil), eb.subscribers[event.Type]...)
	subs = append(subs, eb.allSubscribers...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if sub.active.Load() {
			eb.executeHandler(sub, event)
		}
	}
	eb.eventsProcessed.Add(1)
}

// executeHandler runs a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	sub := eb.newSubscription(eventType, handler)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()
	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler) *Subscription {
	sub := eb.newSubscription("*", handler)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	return sub
}

func (eb *EventBus) newSubscription(eventType EventType, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        utils.GenerateID("sub"),
		EventType: eventType,
		Handler:   handler,
	}
	sub.active.Store(true)
	eb.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish queues an event. When the buffer is full the event is dropped
// and counted.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full", zap.String("event_type", string(event.Type)))
	}
}

// PublishSync delivers an event on the caller's goroutine.
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}
