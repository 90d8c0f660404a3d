package journal_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/journal"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestHandleWritesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	j := journal.NewWithWriter(zap.NewNop(), w, "fx-trader.journal")

	outcome := types.TradeOutcome{ID: "t1", Symbol: "EURUSD", Direction: types.Long, Profit: 12.5}
	if err := j.Handle(events.New(events.EventTypeOutcome, "paper", outcome)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "outcome" {
		t.Errorf("Expected key outcome, got %s", msg.Key)
	}

	var decoded struct {
		Type    string             `json:"type"`
		Source  string             `json:"source"`
		Payload types.TradeOutcome `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	if decoded.Source != "paper" || decoded.Payload.ID != "t1" || decoded.Payload.Profit != 12.5 {
		t.Errorf("Unexpected payload %+v", decoded)
	}
}

func TestHandleWriteFailureIsTransient(t *testing.T) {
	j := journal.NewWithWriter(zap.NewNop(), &fakeWriter{err: errors.New("broker down")}, "t")
	err := j.Handle(events.New(events.EventTypeExecution, "executor", nil))
	if !types.IsKind(err, types.KindTransientIO) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestAttachFiltersEventTypes(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())

	w := &fakeWriter{}
	j := journal.NewWithWriter(zap.NewNop(), w, "t")
	j.Attach(bus)

	bus.PublishSync(events.New(events.EventTypeExecution, "executor", nil))
	bus.PublishSync(events.New(events.EventTypeSignal, "signal-aggregator", nil))
	bus.PublishSync(events.New(events.EventTypeFeedback, "feedback", nil))

	if n := w.count(); n != 2 {
		t.Errorf("Expected 2 journaled events, got %d", n)
	}

	if err := j.Close(); err != nil || !w.closed {
		t.Errorf("Expected writer closed, got %v", err)
	}
}
