package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/KafClaw/relaydesk/internal/channels"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/orchestrator"
)

type fakeAdapter struct {
	m     channels.Metrics
	table *channels.ConnectionTable
}

func (f fakeAdapter) Metrics() channels.Metrics                { return f.m }
func (f fakeAdapter) Connections() *channels.ConnectionTable { return f.table }

type fakeHandoffs handoff.Stats

func (f fakeHandoffs) Stats() handoff.Stats { return handoff.Stats(f) }

type fakeOrchestrator orchestrator.Stats

func (f fakeOrchestrator) Stats() orchestrator.Stats { return orchestrator.Stats(f) }

func value(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestCollectorReportsComponentCounters(t *testing.T) {
	table := channels.NewConnectionTable(time.Now)
	table.Upsert(channels.Connection{ID: "a", CanReply: true})
	table.Upsert(channels.Connection{ID: "b", CanReply: true})
	table.Delete("b")

	repo := conversation.NewMemoryRepository()
	now := time.Now()
	_ = repo.Save(t.Context(), conversation.New("c1", "1", "telegram", now, time.Hour))
	human := conversation.New("c2", "2", "telegram", now, time.Hour)
	human.Mode = conversation.ModeHuman
	_ = repo.Save(t.Context(), human)

	reg := NewRegistry(NewCollector(Sources{
		Adapter:       fakeAdapter{m: channels.Metrics{InboundAccepted: 4, InboundAuthRejected: 2, SendDenied: 1}, table: table},
		Handoffs:      fakeHandoffs{Initiated: 3, Active: 1, NotificationAttempts: 5, NotificationFailures: 2},
		Orchestrator:  fakeOrchestrator{Running: true, Processed: 7, Fallbacks: 1},
		Conversations: repo,
	}))
	g := reg.Gatherer()

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"relaydesk_inbound_updates_total", map[string]string{"result": "accepted"}, 4},
		{"relaydesk_inbound_updates_total", map[string]string{"result": "auth_rejected"}, 2},
		{"relaydesk_sends_total", map[string]string{"result": "denied"}, 1},
		{"relaydesk_business_connections", nil, 1},
		{"relaydesk_handoffs_total", map[string]string{"outcome": "initiated"}, 3},
		{"relaydesk_handoffs_active", nil, 1},
		{"relaydesk_handoff_notifications_total", map[string]string{"result": "success"}, 3},
		{"relaydesk_messages_total", map[string]string{"outcome": "processed"}, 7},
		{"relaydesk_messages_total", map[string]string{"outcome": "fallback"}, 1},
		{"relaydesk_orchestrator_running", nil, 1},
		{"relaydesk_conversations", map[string]string{"mode": "human"}, 1},
		{"relaydesk_conversations", map[string]string{"mode": "ai"}, 1},
		{"relaydesk_conversations", map[string]string{"mode": "transitioning"}, 0},
	}
	for _, c := range checks {
		if got := value(t, g, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestCollectorSkipsMissingSources(t *testing.T) {
	c := NewCollector(Sources{})
	if n := testutil.CollectAndCount(c); n != 0 {
		t.Fatalf("expected no metrics without sources, got %d", n)
	}
}

func TestRegistryServesInstrumentedHandlers(t *testing.T) {
	reg := NewRegistry(NewCollector(Sources{Handoffs: fakeHandoffs{Initiated: 1}}))
	h := reg.Instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`relaydesk_handoffs_total{outcome="initiated"} 1`,
		`relaydesk_http_requests_total{code="200",handler="healthz",method="get"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
