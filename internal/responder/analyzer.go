// Package responder holds the built-in collaborators the orchestrator runs
// with when no external analysis or generation service is configured.
package responder

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/situation"
)

var defaultSuspectPhrases = []string{
	"are you a bot",
	"are you a robot",
	"are you human",
	"are you real",
	"is this ai",
	"am i talking to a machine",
}

const (
	complexQueryRunes     = 400
	complexQueryQuestions = 3
)

// KeywordAnalyzer flags hand-off situations from keyword lists.
type KeywordAnalyzer struct {
	human     []string
	complaint []string
	suspect   []string
}

// NewKeywordAnalyzer creates an analyzer. Keywords are matched case-insensitively.
func NewKeywordAnalyzer(humanRequest, complaint []string) *KeywordAnalyzer {
	return &KeywordAnalyzer{
		human:     lowerAll(humanRequest),
		complaint: lowerAll(complaint),
		suspect:   defaultSuspectPhrases,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(text string, needles []string) (string, bool) {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return n, true
		}
	}
	return "", false
}

// Analyze implements orchestrator.Analyzer.
func (a *KeywordAnalyzer) Analyze(_ context.Context, msg *bus.InboundMessage, convCtx *conversation.Context) (*situation.Analysis, error) {
	text := strings.ToLower(msg.Content)
	out := &situation.Analysis{Confidence: 0.7, EmotionalState: "neutral"}

	if kw, ok := containsAny(text, a.human); ok {
		out.RequiresHandoff = true
		out.Intent = "human_request"
		out.Reason = &handoff.Reason{
			Type:        handoff.ReasonExplicitRequest,
			Severity:    handoff.SeverityHigh,
			Description: "Customer asked for a person (" + kw + ")",
			Originator:  "keyword_analyzer",
		}
		return out, nil
	}
	if kw, ok := containsAny(text, a.complaint); ok {
		out.RequiresHandoff = true
		out.Intent = "complaint"
		out.EmotionalState = "frustrated"
		out.Reason = &handoff.Reason{
			Type:        handoff.ReasonComplaint,
			Severity:    handoff.SeverityHigh,
			Description: "Complaint keyword (" + kw + ")",
			Originator:  "keyword_analyzer",
		}
		return out, nil
	}
	if shouting(msg.Content) {
		out.EmotionalState = "upset"
		out.Reason = &handoff.Reason{
			Type:        handoff.ReasonNegativeEmotion,
			Severity:    handoff.SeverityMedium,
			Description: "Message written in capitals",
			Originator:  "keyword_analyzer",
		}
	}
	if _, ok := containsAny(text, a.suspect); ok {
		out.SuspectAI = true
		out.Reason = &handoff.Reason{
			Type:        handoff.ReasonSuspectAI,
			Severity:    handoff.SeverityMedium,
			Description: "Customer questions whether they are talking to a person",
			Originator:  "keyword_analyzer",
		}
	}
	if utf8.RuneCountInString(msg.Content) > complexQueryRunes || strings.Count(msg.Content, "?") >= complexQueryQuestions {
		out.ComplexQuery = true
		out.Confidence = 0.4
		if out.Reason == nil {
			out.Reason = &handoff.Reason{
				Type:        handoff.ReasonComplexQuery,
				Severity:    handoff.SeverityMedium,
				Description: "Long or multi-part question",
				Originator:  "keyword_analyzer",
			}
		}
	}
	// A customer who already doubted the bot once and asks again is handed off.
	if out.SuspectAI && convCtx != nil && convCtx.SuspectAI {
		out.RequiresHandoff = true
	}
	return out, nil
}

// shouting reports whether text is mostly capital letters.
func shouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		switch {
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		case r >= 'a' && r <= 'z':
			letters++
		}
	}
	return letters >= 8 && upper*10 >= letters*8
}
