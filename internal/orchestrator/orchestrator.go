// Package orchestrator routes each inbound message between the automated
// responder and human operators.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/situation"
)

const (
	perRuneDelay     = 35 * time.Millisecond
	minTypingDelay   = 800 * time.Millisecond
	maxTypingDelay   = 6 * time.Second
	apologyDelay     = time.Second
	defaultKnowledge = 3
	briefLines       = 6
	briefLineRunes   = 200

	defaultApology = "Sorry, something went wrong on our side. Please give us a moment."
)

// Options wires the orchestrator to its stores and collaborators.
type Options struct {
	Store       *conversation.Store
	Gate        *situation.Gate
	Handoffs    *handoff.Coordinator
	Analyzer    Analyzer
	Responder   Responder
	Knowledge   Knowledge
	Personality Personality

	// FallbackMessage is sent when processing fails.
	FallbackMessage string
	KnowledgeLimit  int
	Now             func() time.Time
}

// Orchestrator holds no conversation state of its own; it sequences calls
// across the context store, the situation gate and the hand-off coordinator.
type Orchestrator struct {
	store    *conversation.Store
	gate     *situation.Gate
	handoffs *handoff.Coordinator

	analyzer    Analyzer
	responder   Responder
	knowledge   Knowledge
	personality Personality

	apology        string
	knowledgeLimit int
	now            func() time.Time

	mu      sync.RWMutex
	running bool
	stats   Stats
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gate == nil {
		opts.Gate = situation.NewGate(nil)
	}
	if opts.KnowledgeLimit <= 0 {
		opts.KnowledgeLimit = defaultKnowledge
	}
	apology := strings.TrimSpace(opts.FallbackMessage)
	if apology == "" {
		apology = defaultApology
	}
	return &Orchestrator{
		store:          opts.Store,
		gate:           opts.Gate,
		handoffs:       opts.Handoffs,
		analyzer:       opts.Analyzer,
		responder:      opts.Responder,
		knowledge:      opts.Knowledge,
		personality:    opts.Personality,
		apology:        apology,
		knowledgeLimit: opts.KnowledgeLimit,
		now:            opts.Now,
	}
}

// Start enables message handling. Calling it again has no effect.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	slog.Info("Orchestrator: started")
}

// Stop disables message handling. Calling it again has no effect.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	slog.Info("Orchestrator: stopped")
}

// Running reports whether messages are being handled.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.stats
	s.Running = o.running
	return s
}

func (o *Orchestrator) count(fn func(s *Stats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

// HandleIncomingMessage processes one normalized message and returns the
// reply to deliver, or nil when nothing should be sent. Collaborator
// failures never escape: they become a fallback hand-off, and if that fails
// too, a fixed apology.
func (o *Orchestrator) HandleIncomingMessage(ctx context.Context, msg *bus.InboundMessage) *Directive {
	if !o.Running() {
		return nil
	}
	o.count(func(s *Stats) { s.Processed++ })

	var d *Directive
	_, err := o.store.WithConversation(ctx, msg.ConversationID, msg.UserID, msg.Platform, func(c *conversation.Context) error {
		d = o.process(ctx, msg, c)
		return nil
	})
	if err != nil {
		slog.Error("Orchestrator: conversation store failed", "conversation_id", msg.ConversationID, "error", err)
		// A hand-off already started keeps its stalling reply.
		if d == nil || d.Handoff == nil {
			d = o.storeFailure(ctx, msg, err)
		}
	}
	if d != nil {
		d.ConversationID = msg.ConversationID
		d.ChatID = msg.Meta.ChatID
		d.ConnectionID = msg.Meta.ConnectionID
		d.TraceID = msg.TraceID
	}
	return d
}

// process runs under the conversation lock and mutates c in place.
func (o *Orchestrator) process(ctx context.Context, msg *bus.InboundMessage, c *conversation.Context) (d *Directive) {
	defer func() {
		if r := recover(); r != nil {
			d = o.fallback(ctx, c, fmt.Errorf("panic: %v", r))
		}
	}()

	o.reconcile(c)

	if msg.Meta.FromOperator {
		if msg.HasText() {
			o.record(c, conversation.Entry{
				MessageID: msg.ID,
				Role:      conversation.RoleOperator,
				Content:   msg.Content,
				Handler:   conversation.HandlerHuman,
				Timestamp: msg.Timestamp,
			})
		}
		return nil
	}

	if !msg.HasText() {
		if c.Mode == conversation.ModeHuman {
			o.recordUser(c, msg, conversation.HandlerHuman)
			return nil
		}
		o.count(func(s *Stats) { s.Ignored++ })
		return nil
	}
	o.store.Touch(c)

	if c.Mode == conversation.ModeHuman {
		o.recordUser(c, msg, conversation.HandlerHuman)
		return nil
	}

	o.recordUser(c, msg, conversation.HandlerAI)
	if msg.Meta.Edited {
		return nil
	}
	return o.respond(ctx, msg, c)
}

// reconcile brings the context mode in line with the coordinator, which is
// the authority on whether a hand-off is active.
func (o *Orchestrator) reconcile(c *conversation.Context) {
	if o.handoffs == nil {
		return
	}
	switch {
	case c.Mode == conversation.ModeTransitioning:
		// Left over from an interrupted hand-off.
		_ = c.SetMode(conversation.ModeAI)
		if o.handoffs.IsHumanMode(c.ID) {
			_ = c.SetMode(conversation.ModeHuman)
		}
	case c.Mode == conversation.ModeAI && o.handoffs.IsHumanMode(c.ID):
		_ = c.SetMode(conversation.ModeHuman)
	}
}

func (o *Orchestrator) respond(ctx context.Context, msg *bus.InboundMessage, c *conversation.Context) *Directive {
	if o.analyzer == nil || o.responder == nil {
		return o.fallback(ctx, c, errors.New("no analyzer or responder configured"))
	}

	analysis, err := o.analyzer.Analyze(ctx, msg, c.Clone())
	if err != nil {
		return o.fallback(ctx, c, fmt.Errorf("analyze: %w", err))
	}
	if analysis != nil {
		if analysis.EmotionalState != "" {
			c.EmotionalState = analysis.EmotionalState
		}
		c.SuspectAI = c.SuspectAI || analysis.SuspectAI
		c.ComplexQuery = c.ComplexQuery || analysis.ComplexQuery
	}

	if decision := o.gate.Decide(analysis, c); decision.Handoff {
		d, err := o.handoff(ctx, c, *decision.Reason)
		if err != nil {
			return o.fallback(ctx, c, err)
		}
		return d
	}

	var items []KnowledgeItem
	if o.knowledge != nil {
		items, err = o.knowledge.Search(ctx, msg.Content, o.knowledgeLimit)
		if err != nil {
			return o.fallback(ctx, c, fmt.Errorf("knowledge search: %w", err))
		}
	}

	reply, err := o.responder.Generate(ctx, msg.Content, c.Clone(), items, o.personality)
	if err != nil {
		return o.fallback(ctx, c, fmt.Errorf("generate: %w", err))
	}
	if reply == nil {
		return o.fallback(ctx, c, errors.New("generate: no reply"))
	}
	if reply.RequiresHandoff {
		decision := o.gate.Decide(&situation.Analysis{RequiresHandoff: true, Reason: reply.Reason}, c)
		d, err := o.handoff(ctx, c, *decision.Reason)
		if err != nil {
			return o.fallback(ctx, c, err)
		}
		return d
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return o.fallback(ctx, c, errors.New("generate: empty reply"))
	}

	confidence := reply.Confidence
	o.record(c, conversation.Entry{
		Role:       conversation.RoleAssistant,
		Content:    text,
		Handler:    conversation.HandlerAI,
		Timestamp:  o.now(),
		Confidence: &confidence,
		Intent:     reply.Intent,
	})
	o.count(func(s *Stats) { s.Replies++ })
	return &Directive{Text: text, TypingDelay: TypingDelay(text)}
}

// handoff moves c through TRANSITIONING to HUMAN. If the coordinator fails
// the mode is rolled back to AI.
func (o *Orchestrator) handoff(ctx context.Context, c *conversation.Context, reason handoff.Reason) (*Directive, error) {
	res, err := o.beginHandoff(ctx, c, reason)
	if err != nil {
		return nil, err
	}
	stalling := res.StallingMessage
	o.record(c, conversation.Entry{
		Role:      conversation.RoleAssistant,
		Content:   stalling,
		Handler:   conversation.HandlerSystem,
		Timestamp: o.now(),
		Intent:    "handoff",
	})
	return &Directive{Text: stalling, TypingDelay: TypingDelay(stalling), Handoff: res}, nil
}

func (o *Orchestrator) beginHandoff(ctx context.Context, c *conversation.Context, reason handoff.Reason) (*handoff.Result, error) {
	if o.handoffs == nil {
		return nil, errors.New("no hand-off coordinator configured")
	}
	if err := c.SetMode(conversation.ModeTransitioning); err != nil {
		return nil, err
	}
	res, err := o.handoffs.InitiateHandoff(ctx, c.ID, c.UserID, reason, brief(c))
	if err != nil {
		_ = c.SetMode(conversation.ModeAI)
		return nil, fmt.Errorf("initiate handoff: %w", err)
	}
	if err := c.SetMode(conversation.ModeHuman); err != nil {
		return nil, err
	}
	o.count(func(s *Stats) { s.Handoffs++ })
	slog.Info("Orchestrator: conversation handed off",
		"conversation_id", c.ID,
		"handoff_id", res.Record.ID,
		"reason", res.Record.Reason.Type,
		"existing", res.Existing)
	return res, nil
}

// fallback hands the conversation to a human with a technical_issue reason
// and always answers with the fixed apology.
func (o *Orchestrator) fallback(ctx context.Context, c *conversation.Context, cause error) *Directive {
	slog.Error("Orchestrator: processing failed, falling back to hand-off", "conversation_id", c.ID, "error", cause)
	o.count(func(s *Stats) { s.Fallbacks++ })

	d := &Directive{Text: o.apology, TypingDelay: apologyDelay}
	if c.Mode == conversation.ModeTransitioning {
		_ = c.SetMode(conversation.ModeAI)
	}
	if c.Mode != conversation.ModeHuman {
		res, err := o.beginHandoff(ctx, c, handoff.Reason{
			Type:        handoff.ReasonTechnicalIssue,
			Severity:    handoff.SeverityHigh,
			Description: "Automated processing failed: " + cause.Error(),
			Originator:  "orchestrator",
		})
		if err != nil {
			slog.Error("Orchestrator: fallback hand-off failed", "conversation_id", c.ID, "error", err)
			o.count(func(s *Stats) { s.Apologies++ })
		} else {
			d.Handoff = res
		}
	}
	o.record(c, conversation.Entry{
		Role:      conversation.RoleAssistant,
		Content:   o.apology,
		Handler:   conversation.HandlerSystem,
		Timestamp: o.now(),
		Intent:    "fallback",
	})
	return d
}

// storeFailure answers when the context itself could not be loaded or saved.
func (o *Orchestrator) storeFailure(ctx context.Context, msg *bus.InboundMessage, cause error) *Directive {
	if !msg.HasText() || msg.Meta.FromOperator || msg.Meta.Edited {
		return nil
	}
	if o.handoffs != nil && o.handoffs.IsHumanMode(msg.ConversationID) {
		return nil
	}
	o.count(func(s *Stats) { s.Fallbacks++ })
	d := &Directive{Text: o.apology, TypingDelay: apologyDelay}
	if o.handoffs != nil {
		res, err := o.handoffs.InitiateHandoff(ctx, msg.ConversationID, msg.UserID, handoff.Reason{
			Type:        handoff.ReasonTechnicalIssue,
			Severity:    handoff.SeverityHigh,
			Description: "Conversation store failed: " + cause.Error(),
			Originator:  "orchestrator",
		}, nil)
		if err == nil {
			d.Handoff = res
			return d
		}
	}
	o.count(func(s *Stats) { s.Apologies++ })
	return d
}

func (o *Orchestrator) recordUser(c *conversation.Context, msg *bus.InboundMessage, h conversation.Handler) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	o.record(c, conversation.Entry{
		MessageID: msg.ID,
		Role:      conversation.RoleUser,
		Content:   msg.Content,
		Handler:   h,
		Timestamp: ts,
		Edited:    msg.Meta.Edited,
	})
}

func (o *Orchestrator) record(c *conversation.Context, e conversation.Entry) {
	c.Append(e, o.store.HistoryLimit())
	o.count(func(s *Stats) { s.Recorded++ })
}

// SwitchToAI returns a conversation to automated handling. It reports
// whether an active hand-off was resolved.
func (o *Orchestrator) SwitchToAI(ctx context.Context, conversationID string) (bool, error) {
	resolved := false
	_, err := o.store.Update(ctx, conversationID, func(c *conversation.Context) error {
		if c.Mode == conversation.ModeTransitioning {
			return fmt.Errorf("%w: conversation %s is mid hand-off", conversation.ErrInvalidTransition, conversationID)
		}
		if err := c.SetMode(conversation.ModeAI); err != nil {
			return err
		}
		if o.handoffs != nil {
			_, resolved = o.handoffs.SetAIMode(ctx, conversationID)
		}
		o.store.Touch(c)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("switch to ai: %w", err)
	}
	slog.Info("Orchestrator: conversation returned to AI", "conversation_id", conversationID, "resolved_handoff", resolved)
	return resolved, nil
}

// ResetConversation handles the user clearing their chat: any active
// hand-off is resolved and the context starts over in AI mode.
func (o *Orchestrator) ResetConversation(ctx context.Context, conversationID string) {
	if o.handoffs != nil {
		o.handoffs.ResetConversation(ctx, conversationID)
	}
	if _, err := o.store.Reset(ctx, conversationID); err != nil {
		slog.Warn("Orchestrator: reset failed", "conversation_id", conversationID, "error", err)
		return
	}
	o.count(func(s *Stats) { s.Resets++ })
	slog.Info("Orchestrator: conversation reset", "conversation_id", conversationID)
}

// TypingDelay scales with reply length: 35ms per rune, clamped to
// [800ms, 6s].
func TypingDelay(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * perRuneDelay
	if d < minTypingDelay {
		return minTypingDelay
	}
	if d > maxTypingDelay {
		return maxTypingDelay
	}
	return d
}

// brief renders the tail of the history for operator notifications.
func brief(c *conversation.Context) []string {
	recent := c.Recent(briefLines)
	out := make([]string, 0, len(recent))
	for _, e := range recent {
		text := e.Content
		if utf8.RuneCountInString(text) > briefLineRunes {
			text = string([]rune(text)[:briefLineRunes]) + "…"
		}
		out = append(out, string(e.Role)+": "+text)
	}
	return out
}
