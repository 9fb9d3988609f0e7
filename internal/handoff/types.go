// Package handoff coordinates transfers of a conversation from automated to
// human handling and back.
package handoff

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a hand-off record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusNotified   Status = "notified"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether a record in this status still owns its conversation.
func (s Status) Active() bool {
	return s != StatusResolved && s != StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusNotified, StatusAccepted, StatusResolved, StatusCancelled},
	StatusNotified:   {StatusAccepted, StatusResolved, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusResolved, StatusCancelled},
	StatusInProgress: {StatusResolved, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReasonType classifies why a hand-off was requested.
type ReasonType string

const (
	ReasonLowConfidence   ReasonType = "low_confidence"
	ReasonTechnicalIssue  ReasonType = "technical_issue"
	ReasonExplicitRequest ReasonType = "explicit_request"
	ReasonNegativeEmotion ReasonType = "negative_emotion"
	ReasonComplexQuery    ReasonType = "complex_query"
	ReasonSuspectAI       ReasonType = "suspect_ai"
	ReasonComplaint       ReasonType = "complaint"
	ReasonHighValue       ReasonType = "high_value"
)

// Severity ranks how urgently an operator should respond.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Priority maps a severity onto a sortable number (higher is more urgent).
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// Reason explains a hand-off.
type Reason struct {
	Type        ReasonType `json:"type"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	Originator  string     `json:"originator,omitempty"`
}

// Outcomes recorded when a hand-off ends.
const (
	OutcomeReturnedToAI      = "returned_to_ai"
	OutcomeConversationReset = "conversation_reset"
	OutcomeResolvedByHuman   = "resolved_by_operator"
)

// Record is one hand-off of one conversation.
type Record struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Reason         Reason     `json:"reason"`
	Status         Status     `json:"status"`
	Priority       int        `json:"priority"`
	InitiatedAt    time.Time  `json:"initiated_at"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
}

func (r *Record) clone() *Record {
	out := *r
	for _, p := range []**time.Time{&out.NotifiedAt, &out.AcceptedAt, &out.ResolvedAt, &out.AssignedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &out
}

// Result is returned by InitiateHandoff.
type Result struct {
	Record          *Record       `json:"record"`
	StallingMessage string        `json:"stalling_message"`
	EstimatedWait   time.Duration `json:"estimated_wait"`
	// Existing is true when an already active hand-off was returned.
	Existing bool `json:"existing"`
}

// Stats are counters over the coordinator's lifetime.
type Stats struct {
	Initiated            int `json:"initiated"`
	Reused               int `json:"reused"`
	Resolved             int `json:"resolved"`
	Cancelled            int `json:"cancelled"`
	Active               int `json:"active"`
	NotificationAttempts int `json:"notification_attempts"`
	NotificationFailures int `json:"notification_failures"`
}

var (
	ErrNotFound          = errors.New("handoff not found")
	ErrInvalidTransition = errors.New("invalid handoff status transition")
)
