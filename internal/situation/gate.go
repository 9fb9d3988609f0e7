// Package situation turns an upstream analysis of a message into a hand-off
// decision. It performs no scoring and no I/O.
package situation

import (
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
)

// Originator is recorded on reasons the gate fills in itself.
const Originator = "situation_gate"

// Analysis is what an analyzer reports about one inbound message.
type Analysis struct {
	RequiresHandoff bool            `json:"requires_handoff"`
	Reason          *handoff.Reason `json:"reason,omitempty"`
	Confidence      float64         `json:"confidence"`
	EmotionalState  string          `json:"emotional_state,omitempty"`
	SuspectAI       bool            `json:"suspect_ai,omitempty"`
	ComplexQuery    bool            `json:"complex_query,omitempty"`
	Intent          string          `json:"intent,omitempty"`
}

// Decision is the gate's verdict. Reason is set whenever Handoff is true.
type Decision struct {
	Handoff bool
	Reason  *handoff.Reason
}

// Gate is the situation gate. The zero value passes analyses through.
type Gate struct {
	autoTrigger map[handoff.ReasonType]bool
}

// NewGate returns a gate that additionally forces a hand-off whenever the
// analyzer attached a reason of one of the listed types.
func NewGate(autoTrigger []string) *Gate {
	g := &Gate{}
	if len(autoTrigger) > 0 {
		g.autoTrigger = make(map[handoff.ReasonType]bool, len(autoTrigger))
		for _, t := range autoTrigger {
			if t != "" {
				g.autoTrigger[handoff.ReasonType(t)] = true
			}
		}
	}
	return g
}

// Decide applies the gate to a.
func (g *Gate) Decide(a *Analysis, _ *conversation.Context) Decision {
	if a == nil {
		return Decision{}
	}
	want := a.RequiresHandoff
	if !want && a.Reason != nil && g != nil && g.autoTrigger[a.Reason.Type] {
		want = true
	}
	if !want {
		return Decision{}
	}
	return Decision{Handoff: true, Reason: normalizeReason(a.Reason)}
}

// normalizeReason copies r and fills in anything missing.
func normalizeReason(r *handoff.Reason) *handoff.Reason {
	if r == nil {
		return DefaultReason()
	}
	out := *r
	if out.Type == "" {
		out.Type = handoff.ReasonLowConfidence
	}
	if out.Severity == "" {
		out.Severity = handoff.SeverityMedium
	}
	if out.Originator == "" {
		out.Originator = Originator
	}
	return &out
}

// DefaultReason is used when an analyzer asks for a hand-off without saying why.
func DefaultReason() *handoff.Reason {
	return &handoff.Reason{
		Type:        handoff.ReasonLowConfidence,
		Severity:    handoff.SeverityMedium,
		Description: "Analysis requested a human without a specific reason",
		Originator:  Originator,
	}
}
