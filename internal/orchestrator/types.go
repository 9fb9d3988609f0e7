package orchestrator

import (
	"context"
	"time"

	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/situation"
)

// Analyzer judges an inbound message before any reply is generated.
type Analyzer interface {
	Analyze(ctx context.Context, msg *bus.InboundMessage, convCtx *conversation.Context) (*situation.Analysis, error)
}

// KnowledgeItem is one ranked result of a knowledge lookup.
type KnowledgeItem struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Knowledge looks up business content relevant to a query.
type Knowledge interface {
	Search(ctx context.Context, query string, limit int) ([]KnowledgeItem, error)
}

// Personality shapes the voice of generated replies.
type Personality struct {
	Name     string `json:"name"`
	Tone     string `json:"tone"`
	Language string `json:"language"`
}

// Reply is what a responder produced for one message.
type Reply struct {
	Text            string
	Confidence      float64
	Intent          string
	RequiresHandoff bool
	Reason          *handoff.Reason
}

// Responder generates reply text.
type Responder interface {
	Generate(ctx context.Context, text string, convCtx *conversation.Context, knowledge []KnowledgeItem, personality Personality) (*Reply, error)
}

// Directive asks the channel to deliver Text after showing a typing
// indicator for TypingDelay.
type Directive struct {
	Text        string
	TypingDelay time.Duration

	ConversationID string
	ChatID         int64
	ConnectionID   string
	ReplyTo        int64
	TraceID        string

	// Handoff is set when this reply accompanies a hand-off.
	Handoff *handoff.Result
}

// Outbound converts the directive into a bus message for channel.
func (d *Directive) Outbound(channel string) *bus.OutboundMessage {
	return &bus.OutboundMessage{
		Channel:        channel,
		ConversationID: d.ConversationID,
		ChatID:         d.ChatID,
		ConnectionID:   d.ConnectionID,
		ReplyTo:        d.ReplyTo,
		Content:        d.Text,
		TypingDelay:    d.TypingDelay,
		TraceID:        d.TraceID,
	}
}

// Stats are orchestrator counters.
type Stats struct {
	Running   bool `json:"running"`
	Processed int  `json:"processed"`
	Ignored   int  `json:"ignored"`
	Recorded  int  `json:"recorded"`
	Replies   int  `json:"replies"`
	Handoffs  int  `json:"handoffs"`
	Fallbacks int  `json:"fallbacks"`
	Apologies int  `json:"apologies"`
	Resets    int  `json:"resets"`
}
