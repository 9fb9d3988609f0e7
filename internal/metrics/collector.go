// Package metrics exposes relaydesk counters in Prometheus format.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KafClaw/relaydesk/internal/channels"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/orchestrator"
)

const namespace = "relaydesk"

// AdapterSource is the channel adapter view the collector reads.
type AdapterSource interface {
	Metrics() channels.Metrics
	Connections() *channels.ConnectionTable
}

// HandoffSource reports coordinator counters.
type HandoffSource interface {
	Stats() handoff.Stats
}

// OrchestratorSource reports orchestrator counters.
type OrchestratorSource interface {
	Stats() orchestrator.Stats
}

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Adapter       AdapterSource
	Handoffs      HandoffSource
	Orchestrator  OrchestratorSource
	Conversations conversation.Lister
}

// Collector converts component snapshots into metrics at scrape time.
type Collector struct {
	src Sources

	inbound          *prometheus.Desc
	sends            *prometheus.Desc
	webhookAttempts  *prometheus.Desc
	resets           *prometheus.Desc
	connectionsSwept *prometheus.Desc
	connections      *prometheus.Desc

	handoffs         *prometheus.Desc
	handoffsActive   *prometheus.Desc
	notifications    *prometheus.Desc
	messages         *prometheus.Desc
	orchestratorUp   *prometheus.Desc
	conversationMode *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Sources) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:              src,
		inbound:          d("inbound_updates_total", "Inbound webhook updates by result.", "result"),
		sends:            d("sends_total", "Outbound platform sends by result.", "result"),
		webhookAttempts:  d("webhook_setup_attempts_total", "Webhook registration attempts."),
		resets:           d("conversation_resets_total", "Conversations reset after the user deleted messages."),
		connectionsSwept: d("connections_swept_total", "Business connections removed by the sweeper."),
		connections:      d("business_connections", "Known business connections that are not deleted."),
		handoffs:         d("handoffs_total", "Hand-off records by outcome.", "outcome"),
		handoffsActive:   d("handoffs_active", "Hand-offs currently owning a conversation."),
		notifications:    d("handoff_notifications_total", "Operator notification attempts by result.", "result"),
		messages:         d("messages_total", "Inbound messages by orchestrator outcome.", "outcome"),
		orchestratorUp:   d("orchestrator_running", "1 when the orchestrator accepts messages."),
		conversationMode: d("conversations", "Stored conversations by mode.", "mode"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.inbound, c.sends, c.webhookAttempts, c.resets, c.connectionsSwept, c.connections,
		c.handoffs, c.handoffsActive, c.notifications, c.messages, c.orchestratorUp, c.conversationMode,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	if a := c.src.Adapter; a != nil {
		m := a.Metrics()
		counter(c.inbound, m.InboundAccepted, "accepted")
		counter(c.inbound, m.InboundAuthRejected, "auth_rejected")
		counter(c.inbound, m.InboundMalformed, "malformed")
		counter(c.inbound, m.InboundDropped, "dropped")
		counter(c.sends, m.SendSuccess, "success")
		counter(c.sends, m.SendFailure, "failure")
		counter(c.sends, m.SendDenied, "denied")
		counter(c.webhookAttempts, m.WebhookSetupAttempts)
		counter(c.resets, m.ConversationResets)
		counter(c.connectionsSwept, m.ConnectionsSwept)
		if t := a.Connections(); t != nil {
			gauge(c.connections, t.ActiveCount())
		}
	}

	if h := c.src.Handoffs; h != nil {
		s := h.Stats()
		counter(c.handoffs, s.Initiated, "initiated")
		counter(c.handoffs, s.Reused, "reused")
		counter(c.handoffs, s.Resolved, "resolved")
		counter(c.handoffs, s.Cancelled, "cancelled")
		gauge(c.handoffsActive, s.Active)
		counter(c.notifications, s.NotificationAttempts-s.NotificationFailures, "success")
		counter(c.notifications, s.NotificationFailures, "failure")
	}

	if o := c.src.Orchestrator; o != nil {
		s := o.Stats()
		for outcome, v := range map[string]int{
			"processed": s.Processed,
			"ignored":   s.Ignored,
			"recorded":  s.Recorded,
			"replied":   s.Replies,
			"handoff":   s.Handoffs,
			"fallback":  s.Fallbacks,
			"apology":   s.Apologies,
			"reset":     s.Resets,
		} {
			counter(c.messages, v, outcome)
		}
		up := 0
		if s.Running {
			up = 1
		}
		gauge(c.orchestratorUp, up)
	}

	if l := c.src.Conversations; l != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		counts, err := conversation.CountByMode(ctx, l)
		if err != nil {
			slog.Warn("Metrics: conversation count failed", "error", err)
			return
		}
		for _, mode := range []conversation.Mode{conversation.ModeAI, conversation.ModeTransitioning, conversation.ModeHuman} {
			gauge(c.conversationMode, counts[mode], string(mode))
		}
	}
}

// Registry bundles the collector with HTTP and process metrics.
type Registry struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRegistry registers c alongside Go runtime and process collectors.
func NewRegistry(c *Collector) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the gateway.",
		}, []string{"handler", "code", "method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(
		c,
		r.requests,
		r.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Instrument counts and times requests to h under the given handler label.
func (r *Registry) Instrument(name string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerDuration(r.duration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(r.requests.MustCurryWith(labels), h))
}
