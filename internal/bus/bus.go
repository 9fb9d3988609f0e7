// Package bus provides the async message bus between the channel adapter and
// the orchestrator loop.
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ContentType classifies the payload of an inbound message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentVoice    ContentType = "voice"
	ContentDocument ContentType = "document"
	ContentSticker  ContentType = "sticker"
)

// Media describes an attachment carried by a message. Only platform file
// references are kept; the bytes are never downloaded by this core.
type Media struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
}

// PlatformMeta is the fixed set of platform-specific fields the core reads.
type PlatformMeta struct {
	// ConnectionID is set when the message arrived through a business
	// connection grant.
	ConnectionID string `json:"connection_id,omitempty"`
	IsBusiness   bool   `json:"is_business,omitempty"`
	ChatID       int64  `json:"chat_id"`
	MessageID    int64  `json:"message_id"`
	Edited       bool   `json:"edited,omitempty"`
	// FromOperator marks a message the business account owner wrote in the
	// customer's chat.
	FromOperator bool   `json:"from_operator,omitempty"`
	FromName     string `json:"from_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// InboundMessage is the transport-neutral (normalized) form of a message
// received from the platform.
type InboundMessage struct {
	ID             string       `json:"id"`
	Platform       string       `json:"platform"`
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id"`
	Timestamp      time.Time    `json:"timestamp"`
	Content        string       `json:"content"`
	ContentType    ContentType  `json:"content_type"`
	Media          []Media      `json:"media,omitempty"`
	Meta           PlatformMeta `json:"meta"`
	TraceID        string       `json:"trace_id"`
}

// HasText reports whether the message carries usable text.
func (m *InboundMessage) HasText() bool {
	return strings.TrimSpace(m.Content) != ""
}

// OutboundMessage is a reply the orchestrator asks the channel to deliver.
type OutboundMessage struct {
	Channel        string        `json:"channel"`
	ConversationID string        `json:"conversation_id"`
	ChatID         int64         `json:"chat_id"`
	ConnectionID   string        `json:"connection_id,omitempty"`
	ReplyTo        int64         `json:"reply_to,omitempty"`
	Content        string        `json:"content"`
	TypingDelay    time.Duration `json:"typing_delay"`
	TraceID        string        `json:"trace_id"`
}

// NewMessageID returns a locally generated, unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// MessageBus decouples channels from the orchestrator loop.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	running  bool
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 100),
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound sends a message from a channel to the orchestrator loop.
// It blocks while the inbound queue is full.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	stamp(msg)
	b.inbound <- msg
}

// TryPublishInbound queues msg without blocking. It reports false when the
// inbound queue is full and the message was not queued.
func (b *MessageBus) TryPublishInbound(msg *InboundMessage) bool {
	stamp(msg)
	select {
	case b.inbound <- msg:
		return true
	default:
		return false
	}
}

func stamp(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound sends a message from the orchestrator to channels.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound <- msg
}

// Subscribe registers a callback for outbound messages to a specific channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound runs the outbound message dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Channel]
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// Running reports whether the outbound dispatcher is active.
func (b *MessageBus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
