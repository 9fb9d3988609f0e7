package channels

import (
	"sync"
	"time"
)

// Metrics are adapter-level counters. They never carry message content.
type Metrics struct {
	StartedAt time.Time `json:"started_at"`

	InboundAccepted     int `json:"inbound_accepted"`
	InboundAuthRejected int `json:"inbound_auth_rejected"`
	InboundMalformed    int `json:"inbound_malformed"`
	InboundDropped      int `json:"inbound_dropped"`

	SendSuccess int `json:"send_success"`
	SendFailure int `json:"send_failure"`
	SendDenied  int `json:"send_denied"`

	WebhookSetupAttempts int `json:"webhook_setup_attempts"`
	ConversationResets   int `json:"conversation_resets"`
	ConnectionsSwept     int `json:"connections_swept"`

	LastError   string `json:"last_error,omitempty"`
	LastErrorAt string `json:"last_error_at,omitempty"`
}

type adapterMetrics struct {
	mu sync.RWMutex
	m  Metrics
}

func (a *adapterMetrics) snapshot() Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.m
}

func (a *adapterMetrics) update(fn func(m *Metrics)) {
	a.mu.Lock()
	fn(&a.m)
	a.mu.Unlock()
}

func (a *adapterMetrics) noteSend(r SendResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case r.Success:
		a.m.SendSuccess++
	case r.Denied:
		a.m.SendDenied++
	default:
		a.m.SendFailure++
		if r.Err != nil {
			a.m.LastError = r.Err.Error()
			a.m.LastErrorAt = time.Now().UTC().Format(time.RFC3339)
		}
	}
}
