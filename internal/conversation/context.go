// Package conversation owns per-conversation state: handling mode, message
// history, and the flags the orchestrator consults while routing.
package conversation

import (
	"errors"
	"fmt"
	"time"
)

// Mode is the handler currently owning a conversation.
type Mode string

const (
	ModeAI            Mode = "ai"
	ModeHuman         Mode = "human"
	ModeTransitioning Mode = "transitioning"
)

// Role is the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleOperator  Role = "operator"
	RoleSystem    Role = "system"
)

// Handler identifies which side produced or received a history entry.
type Handler string

const (
	HandlerAI     Handler = "ai"
	HandlerHuman  Handler = "human"
	HandlerSystem Handler = "system"
)

// ErrInvalidTransition is returned when a mode change violates the
// AI → TRANSITIONING → HUMAN → AI cycle.
var ErrInvalidTransition = errors.New("invalid conversation mode transition")

// Entry is one message in a conversation's history.
type Entry struct {
	MessageID  string    `json:"message_id,omitempty"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Handler    Handler   `json:"handler"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
	Intent     string    `json:"intent,omitempty"`
	Edited     bool      `json:"edited,omitempty"`
}

// Context is the state of one conversation.
type Context struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`

	Mode         Mode      `json:"mode"`
	SessionStart time.Time `json:"session_start"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`

	History        []Entry `json:"history"`
	EmotionalState string  `json:"emotional_state,omitempty"`

	SuspectAI       bool `json:"suspect_ai"`
	ComplexQuery    bool `json:"complex_query"`
	RequiresHandoff bool `json:"requires_handoff"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// New returns a fresh AI-mode context.
func New(id, userID, platform string, now time.Time, ttl time.Duration) *Context {
	return &Context{
		ID:           id,
		UserID:       userID,
		Platform:     platform,
		Mode:         ModeAI,
		SessionStart: now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		History:      []Entry{},
		Metadata:     map[string]string{},
	}
}

var allowedTransitions = map[Mode][]Mode{
	ModeAI:            {ModeTransitioning, ModeHuman},
	ModeTransitioning: {ModeHuman, ModeAI},
	ModeHuman:         {ModeAI},
}

// CanTransition reports whether from → to is a legal mode change.
func CanTransition(from, to Mode) bool {
	for _, m := range allowedTransitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// SetMode moves the conversation to next, keeping requiresHandoff in step:
// HUMAN sets it, AI clears it. Setting the current mode again is a no-op.
func (c *Context) SetMode(next Mode) error {
	if c.Mode == next {
		return nil
	}
	if !CanTransition(c.Mode, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Mode, next)
	}
	c.Mode = next
	switch next {
	case ModeHuman:
		c.RequiresHandoff = true
	case ModeAI:
		c.RequiresHandoff = false
	}
	return nil
}

// Append adds an entry at the end of the history and drops the oldest
// entries beyond limit. A limit <= 0 keeps everything.
func (c *Context) Append(e Entry, limit int) {
	c.History = append(c.History, e)
	if limit > 0 && len(c.History) > limit {
		pruned := make([]Entry, limit)
		copy(pruned, c.History[len(c.History)-limit:])
		c.History = pruned
	}
	if e.Timestamp.After(c.LastActivity) {
		c.LastActivity = e.Timestamp
	}
}

// Recent returns up to n of the most recent entries.
func (c *Context) Recent(n int) []Entry {
	if n <= 0 || n >= len(c.History) {
		out := make([]Entry, len(c.History))
		copy(out, c.History)
		return out
	}
	out := make([]Entry, n)
	copy(out, c.History[len(c.History)-n:])
	return out
}

// Touch extends the session window after activity.
func (c *Context) Touch(now time.Time, ttl time.Duration) {
	c.LastActivity = now
	c.ExpiresAt = now.Add(ttl)
}

// Clone returns a deep copy safe to hand outside the store.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.History = make([]Entry, len(c.History))
	for i, e := range c.History {
		if e.Confidence != nil {
			v := *e.Confidence
			e.Confidence = &v
		}
		out.History[i] = e
	}
	out.Metadata = make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
