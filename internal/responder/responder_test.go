package responder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/orchestrator"
)

func analyze(t *testing.T, a *KeywordAnalyzer, text string, c *conversation.Context) *handoffView {
	t.Helper()
	out, err := a.Analyze(t.Context(), &bus.InboundMessage{Content: text}, c)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	v := &handoffView{requires: out.RequiresHandoff, suspect: out.SuspectAI, complex: out.ComplexQuery}
	if out.Reason != nil {
		v.reason = out.Reason.Type
	}
	return v
}

type handoffView struct {
	requires bool
	suspect  bool
	complex  bool
	reason   handoff.ReasonType
}

func TestKeywordAnalyzer(t *testing.T) {
	a := NewKeywordAnalyzer([]string{"Human", "operator"}, []string{"refund"})

	if v := analyze(t, a, "Can I talk to a HUMAN please", nil); !v.requires || v.reason != handoff.ReasonExplicitRequest {
		t.Fatalf("explicit request not detected: %+v", v)
	}
	if v := analyze(t, a, "I want a refund now", nil); !v.requires || v.reason != handoff.ReasonComplaint {
		t.Fatalf("complaint not detected: %+v", v)
	}
	if v := analyze(t, a, "when do you open", nil); v.requires || v.reason != "" {
		t.Fatalf("plain question flagged: %+v", v)
	}
	if v := analyze(t, a, "THIS IS RIDICULOUS", nil); v.requires || v.reason != handoff.ReasonNegativeEmotion {
		t.Fatalf("shouting should attach a reason without forcing: %+v", v)
	}
	if v := analyze(t, a, "what? why? how? when?", nil); !v.complex || v.reason != handoff.ReasonComplexQuery {
		t.Fatalf("multi-part question not flagged: %+v", v)
	}

	first := analyze(t, a, "are you a bot?", &conversation.Context{})
	if !first.suspect || first.requires {
		t.Fatalf("first doubt should only flag: %+v", first)
	}
	second := analyze(t, a, "seriously, are you a bot", &conversation.Context{SuspectAI: true})
	if !second.requires || second.reason != handoff.ReasonSuspectAI {
		t.Fatalf("repeated doubt should hand off: %+v", second)
	}
}

func TestKnowledgeBaseSearchRanksByOverlap(t *testing.T) {
	kb := NewKnowledgeBase([]Entry{
		{ID: "hours", Title: "Opening hours", Content: "We are open Monday to Friday, 9:00 to 17:00.", Keywords: []string{"open", "closing"}},
		{ID: "shipping", Title: "Shipping", Content: "Orders ship within two business days."},
	})
	items, err := kb.Search(t.Context(), "What are your opening hours on Friday?", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0].ID != "hours" {
		t.Fatalf("unexpected results: %+v", items)
	}
	if items[0].Score <= 0 || items[0].Score > 1 {
		t.Fatalf("score out of range: %v", items[0].Score)
	}
	if none, _ := kb.Search(t.Context(), "??", 5); len(none) != 0 {
		t.Fatalf("expected no results, got %+v", none)
	}
}

func TestLoadKnowledgeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	if err := os.WriteFile(path, []byte(`[{"id":"returns","title":"Returns","content":"Returns are free within 30 days."}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	kb, err := LoadKnowledgeFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kb.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", kb.Len())
	}
	empty, err := LoadKnowledgeFile("")
	if err != nil || empty.Len() != 0 {
		t.Fatalf("empty path: %v %d", err, empty.Len())
	}
	if _, err := LoadKnowledgeFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTemplateResponder(t *testing.T) {
	r := NewTemplateResponder()
	ctx := t.Context()

	reply, err := r.Generate(ctx, "hours?", nil, []orchestrator.KnowledgeItem{{ID: "hours", Content: " Open 9-5. ", Score: 0.5}}, orchestrator.Personality{})
	if err != nil || reply.Text != "Open 9-5." || reply.Intent != "knowledge:hours" || reply.RequiresHandoff {
		t.Fatalf("unexpected knowledge reply: %+v %v", reply, err)
	}

	reply, _ = r.Generate(ctx, "Hello!", &conversation.Context{History: []conversation.Entry{{}}}, nil, orchestrator.Personality{Name: "Mia"})
	if reply.Text != "Hi! I'm Mia. How can I help you today?" {
		t.Fatalf("unexpected greeting: %q", reply.Text)
	}

	reply, _ = r.Generate(ctx, "can I pay with crypto", nil, []orchestrator.KnowledgeItem{{ID: "x", Content: "y", Score: 0.1}}, orchestrator.Personality{})
	if !reply.RequiresHandoff || reply.Reason == nil || reply.Reason.Type != handoff.ReasonLowConfidence {
		t.Fatalf("expected low-confidence hand-off, got %+v", reply)
	}
}
