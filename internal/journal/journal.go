// Package journal appends trading events to a Kafka topic so executions,
// outcomes and risk changes can be audited and replayed downstream.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Journaled lists the event types written to the journal.
var Journaled = []events.EventType{
	events.EventTypeExecution,
	events.EventTypeOutcome,
	events.EventTypeFeedback,
	events.EventTypeVeto,
	events.EventTypeRegime,
}

// Writer is the subset of *kafka.Writer the journal needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Journal writes events as JSON messages keyed by event type.
type Journal struct {
	logger  *zap.Logger
	writer  Writer
	topic   string
	timeout time.Duration
}

// New creates a journal backed by a Kafka writer on cfg.Brokers.
func New(logger *zap.Logger, cfg types.KafkaConfig) (*Journal, error) {
	if len(cfg.Brokers) == 0 {
		return nil, types.NewFatalInitError("journal", fmt.Errorf("brokers are required"))
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 100 * time.Millisecond,
	}
	return NewWithWriter(logger, w, cfg.Topic), nil
}

// NewWithWriter creates a journal on an existing writer. The writer must
// already target topic.
func NewWithWriter(logger *zap.Logger, w Writer, topic string) *Journal {
	return &Journal{
		logger:  logger.Named("journal"),
		writer:  w,
		topic:   topic,
		timeout: 5 * time.Second,
	}
}

// Attach subscribes the journal to the journaled event types on bus.
func (j *Journal) Attach(bus *events.EventBus) []*events.Subscription {
	subs := make([]*events.Subscription, 0, len(Journaled))
	for _, t := range Journaled {
		subs = append(subs, bus.Subscribe(t, j.Handle))
	}
	j.logger.Info("Journal attached", zap.String("topic", j.topic), zap.Int("eventTypes", len(subs)))
	return subs
}

// Handle writes one event. It satisfies events.EventHandler.
func (j *Journal) Handle(e events.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.Type),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(e.Source)},
			{Key: "id", Value: []byte(e.ID)},
		},
	}
	if err := j.writer.WriteMessages(ctx, msg); err != nil {
		return types.NewTransientError("journal write", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (j *Journal) Close() error {
	return j.writer.Close()
}
