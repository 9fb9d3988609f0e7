package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
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

func TestKafkaNotifierPublishesKeyedEvent(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaNotifier{writer: w}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := k.Notify(t.Context(), Notice{
		Record: &Record{
			ID:             "h1",
			ConversationID: "telegram:7",
			Reason:         Reason{Type: ReasonNegativeEmotion, Severity: SeverityHigh},
			Status:         StatusPending,
			Priority:       3,
			InitiatedAt:    at,
		},
		Brief: []string{"user: awful"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "telegram:7" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "handoff.initiated" || ev.HandoffID != "h1" || ev.Reason.Type != ReasonNegativeEmotion || ev.Priority != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Brief) != 1 {
		t.Fatalf("brief not carried: %+v", ev.Brief)
	}

	if err := k.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v closed=%v", err, w.closed)
	}
}

func TestKafkaNotifierWrapsWriteError(t *testing.T) {
	boom := errors.New("broker unavailable")
	k := &KafkaNotifier{writer: &fakeWriter{err: boom}}
	err := k.Notify(t.Context(), Notice{Record: &Record{ID: "h", ConversationID: "c"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestNewKafkaNotifierValidates(t *testing.T) {
	if _, err := NewKafkaNotifier(" , ", "t"); err == nil {
		t.Fatal("expected no-brokers error")
	}
	if _, err := NewKafkaNotifier("localhost:9092", ""); err == nil {
		t.Fatal("expected missing topic error")
	}
	k, err := NewKafkaNotifier("a:9092, b:9092", "handoffs")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if k.Name() != "kafka" {
		t.Fatalf("unexpected name %q", k.Name())
	}
	w, ok := k.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("unexpected writer %T", k.writer)
	}
	if w.BatchSize != 1 || w.BatchTimeout > 50*time.Millisecond {
		t.Fatalf("writer should flush each event immediately: size=%d timeout=%v", w.BatchSize, w.BatchTimeout)
	}
}
