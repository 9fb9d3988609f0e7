package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the notifier needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the JSON payload published for each hand-off notice.
type Event struct {
	Type           string    `json:"type"`
	HandoffID      string    `json:"handoff_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Reason         Reason    `json:"reason"`
	Priority       int       `json:"priority"`
	Status         Status    `json:"status"`
	InitiatedAt    time.Time `json:"initiated_at"`
	Brief          []string  `json:"brief,omitempty"`
}

// KafkaNotifier publishes hand-off events keyed by conversation id, so one
// conversation's events stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaNotifier creates a notifier writing to topic on brokers
// (comma separated).
func NewKafkaNotifier(brokers, topic string) (*KafkaNotifier, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka notifier: no brokers configured")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka notifier: missing topic")
	}
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  strings.TrimSpace(topic),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
	}}, nil
}

func (k *KafkaNotifier) Name() string { return "kafka" }

func (k *KafkaNotifier) Notify(ctx context.Context, n Notice) error {
	r := n.Record
	payload, err := json.Marshal(Event{
		Type:           "handoff.initiated",
		HandoffID:      r.ID,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Reason:         r.Reason,
		Priority:       r.Priority,
		Status:         r.Status,
		InitiatedAt:    r.InitiatedAt,
		Brief:          n.Brief,
	})
	if err != nil {
		return fmt.Errorf("kafka marshal: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.ConversationID),
		Value: payload,
		Time:  r.InitiatedAt,
	}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
