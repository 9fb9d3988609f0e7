package responder

import (
	"context"
	"strings"

	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/orchestrator"
)

const defaultMinConfidence = 0.34

var greetings = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}

// TemplateResponder answers from the best knowledge hit and asks for a
// hand-off when nothing relevant was found.
type TemplateResponder struct {
	MinConfidence float64
}

// NewTemplateResponder creates a responder with the default threshold.
func NewTemplateResponder() *TemplateResponder {
	return &TemplateResponder{MinConfidence: defaultMinConfidence}
}

// Generate implements orchestrator.Responder.
func (r *TemplateResponder) Generate(_ context.Context, text string, convCtx *conversation.Context, knowledge []orchestrator.KnowledgeItem, p orchestrator.Personality) (*orchestrator.Reply, error) {
	if len(knowledge) > 0 && knowledge[0].Score >= r.MinConfidence {
		best := knowledge[0]
		return &orchestrator.Reply{
			Text:       strings.TrimSpace(best.Content),
			Confidence: best.Score,
			Intent:     "knowledge:" + best.ID,
		}, nil
	}
	if isGreeting(text) {
		return &orchestrator.Reply{Text: greeting(p, convCtx), Confidence: 0.9, Intent: "greeting"}, nil
	}
	return &orchestrator.Reply{
		RequiresHandoff: true,
		Confidence:      0,
		Reason: &handoff.Reason{
			Type:        handoff.ReasonLowConfidence,
			Severity:    handoff.SeverityMedium,
			Description: "No matching answer in the knowledge base",
			Originator:  "template_responder",
		},
	}, nil
}

func isGreeting(text string) bool {
	t := strings.Trim(strings.ToLower(strings.TrimSpace(text)), "!.?, ")
	for _, g := range greetings {
		if t == g || strings.HasPrefix(t, g+" ") {
			return true
		}
	}
	return false
}

func greeting(p orchestrator.Personality, convCtx *conversation.Context) string {
	returning := convCtx != nil && len(convCtx.History) > 1
	switch {
	case returning:
		return "Welcome back! What else can I help you with?"
	case p.Name != "":
		return "Hi! I'm " + p.Name + ". How can I help you today?"
	default:
		return "Hi! How can I help you today?"
	}
}
