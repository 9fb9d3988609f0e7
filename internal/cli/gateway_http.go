package cli

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
)

// routes builds the gateway HTTP surface.
func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	r := g.registry

	mux.Handle(g.cfg.Channel.WebhookPath, r.Instrument("webhook", g.channel))
	mux.Handle("GET /healthz", r.Instrument("healthz", http.HandlerFunc(g.handleHealth)))
	mux.Handle("GET /status", r.Instrument("status", http.HandlerFunc(g.handleStatus)))
	mux.Handle("GET /metrics", r.Handler())

	if strings.TrimSpace(g.cfg.Gateway.OperatorToken) == "" {
		slog.Warn("Gateway: operator API disabled, no operator token configured")
		return mux
	}
	mux.Handle("GET /operator/handoffs", g.operator("handoffs_list", g.handleListHandoffs))
	mux.Handle("POST /operator/handoffs/{id}/accept", g.operator("handoff_accept", g.handleAccept))
	mux.Handle("POST /operator/handoffs/{id}/resolve", g.operator("handoff_resolve", g.handleResolve))
	mux.Handle("POST /operator/conversations/{id}/release", g.operator("conversation_release", g.handleRelease))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// operator guards h with the bearer operator token.
func (g *gateway) operator(name string, h http.HandlerFunc) http.Handler {
	want := []byte(g.cfg.Gateway.OperatorToken)
	return g.registry.Instrument(name, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}))
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !g.orch.Running() {
		status, code = "stopped", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (g *gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	modes, err := conversation.CountByMode(ctx, g.lister)
	if err != nil {
		slog.Warn("Gateway: counting conversations failed", "error", err)
	}
	uptime := 0
	if !g.startedAt.IsZero() {
		uptime = int(time.Since(g.startedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        version,
		"mode":           g.cfg.Channel.Mode,
		"storage":        g.cfg.Storage.Driver,
		"uptime_seconds": uptime,
		"orchestrator":   g.orch.Stats(),
		"handoffs":       g.handoffs.Stats(),
		"channel":        g.channel.Metrics(),
		"connections":    g.channel.Connections().ActiveCount(),
		"conversations":  modes,
		"loop": map[string]any{
			"running":   g.loop.Running(),
			"processed": g.loop.Processed(),
			"published": g.loop.Published(),
		},
	})
}

func (g *gateway) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	records := g.handoffs.List()
	if r.URL.Query().Get("active") == "true" {
		active := records[:0]
		for _, rec := range records {
			if rec.Status.Active() {
				active = append(active, rec)
			}
		}
		records = active
	}
	writeJSON(w, http.StatusOK, map[string]any{"handoffs": records})
}

type operatorRequest struct {
	Operator string `json:"operator"`
	Outcome  string `json:"outcome"`
}

func decodeOperatorRequest(r *http.Request) (operatorRequest, error) {
	var req operatorRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return req, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, nil
	}
	return req, json.Unmarshal(body, &req)
}

func (g *gateway) handleAccept(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOperatorRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Operator) == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	rec, err := g.handoffs.Accept(r.Context(), r.PathValue("id"), req.Operator)
	if err != nil {
		writeHandoffError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResolve closes the hand-off and returns its conversation to the
// automated responder.
func (g *gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOperatorRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := g.handoffs.Resolve(r.Context(), r.PathValue("id"), req.Outcome)
	if err != nil {
		writeHandoffError(w, err)
		return
	}
	if _, err := g.orch.SwitchToAI(r.Context(), rec.ConversationID); err != nil {
		slog.Warn("Gateway: returning conversation to AI failed", "conversation_id", rec.ConversationID, "error", err)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok, err := g.store.Peek(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "conversation lookup failed")
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	resolved, err := g.orch.SwitchToAI(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "release failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "mode": conversation.ModeAI, "resolved_handoff": resolved})
}

func writeHandoffError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, handoff.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, handoff.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
