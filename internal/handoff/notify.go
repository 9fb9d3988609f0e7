package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Notice is what operators are told about a new hand-off.
type Notice struct {
	Record *Record
	// Brief holds the last few lines of the conversation, oldest first.
	Brief []string
}

// Notifier alerts operators about a hand-off.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the process log.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(_ context.Context, n Notice) error {
	slog.Info("Handoff: operator attention needed",
		"handoff_id", n.Record.ID,
		"conversation_id", n.Record.ConversationID,
		"reason", n.Record.Reason.Type,
		"priority", n.Record.Priority)
	return nil
}

// summary renders a notice as plain text for chat-style notifiers.
func summary(n Notice) string {
	r := n.Record
	var b strings.Builder
	fmt.Fprintf(&b, "Hand-off requested (%s, %s)\n", r.Reason.Type, r.Reason.Severity)
	fmt.Fprintf(&b, "Conversation: %s\n", r.ConversationID)
	if r.UserID != "" {
		fmt.Fprintf(&b, "User: %s\n", r.UserID)
	}
	if r.Reason.Description != "" {
		fmt.Fprintf(&b, "Reason: %s\n", r.Reason.Description)
	}
	fmt.Fprintf(&b, "Handoff ID: %s", r.ID)
	return b.String()
}
