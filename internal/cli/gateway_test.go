package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/relaydesk/internal/channels"
	"github.com/KafClaw/relaydesk/internal/config"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
)

// botAPI is a minimal Bot API double that records sent texts.
type botAPI struct {
	mu      sync.Mutex
	sent    []string
	calls   map[string]int
	webhook string
	srv     *httptest.Server
}

func newBotAPI(t *testing.T) *botAPI {
	t.Helper()
	b := &botAPI{calls: map[string]int{}}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		b.mu.Lock()
		b.calls[method]++
		if method == "sendMessage" {
			text, _ := p["text"].(string)
			b.sent = append(b.sent, text)
		}
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "sendMessage":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Desk","username":"desk_bot"}}`))
		case "getWebhookInfo":
			b.mu.Lock()
			info := b.webhook
			b.mu.Unlock()
			if info == "" {
				info = `{"url":"","pending_update_count":0}`
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":` + info + `}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *botAPI) sentTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func testGatewayConfig(apiBase string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = config.StorageMemory
	cfg.Channel.Mode = config.ModeWebhook
	cfg.Channel.APIBase = apiBase
	cfg.Channel.BotToken = "1:test"
	cfg.Channel.WebhookURL = "https://desk.example.test/webhook/telegram"
	cfg.Channel.WebhookSecret = "sec"
	cfg.Channel.WebhookRetryBase = time.Millisecond
	cfg.Channel.SendRatePerSecond = 0
	cfg.Gateway.Port = 0
	cfg.Gateway.OperatorToken = "tok"
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) *gateway {
	t.Helper()
	gw, err := newGateway(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(gw.Close)
	return gw
}

func operatorRequestTo(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOperatorAPIRequiresToken(t *testing.T) {
	gw := newTestGateway(t, testGatewayConfig("http://unused.invalid"))
	h := gw.routes()

	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/operator/handoffs", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/operator/handoffs", nil)
	req.Header.Set("Authorization", "Bearer nope")
	if rec := serve(h, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := serve(h, operatorRequestTo(http.MethodGet, "/operator/handoffs", "")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestOperatorAPIDisabledWithoutToken(t *testing.T) {
	cfg := testGatewayConfig("http://unused.invalid")
	cfg.Gateway.OperatorToken = ""
	h := newTestGateway(t, cfg).routes()
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/operator/handoffs", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when operator API is off, got %d", rec.Code)
	}
}

func TestOperatorErrors(t *testing.T) {
	gw := newTestGateway(t, testGatewayConfig("http://unused.invalid"))
	h := gw.routes()

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"accept unknown", operatorRequestTo(http.MethodPost, "/operator/handoffs/nope/accept", `{"operator":"alice"}`), http.StatusNotFound},
		{"accept without operator", operatorRequestTo(http.MethodPost, "/operator/handoffs/nope/accept", `{}`), http.StatusBadRequest},
		{"accept bad json", operatorRequestTo(http.MethodPost, "/operator/handoffs/nope/accept", `{`), http.StatusBadRequest},
		{"resolve unknown", operatorRequestTo(http.MethodPost, "/operator/handoffs/nope/resolve", ``), http.StatusNotFound},
		{"release unknown", operatorRequestTo(http.MethodPost, "/operator/conversations/telegram:1/release", ``), http.StatusNotFound},
	}
	for _, c := range cases {
		if rec := serve(h, c.req); rec.Code != c.want {
			t.Errorf("%s: expected %d, got %d (%s)", c.name, c.want, rec.Code, rec.Body.String())
		}
	}

	// Resolving twice conflicts.
	res, err := gw.handoffs.InitiateHandoff(t.Context(), "telegram:5", "5", handoff.Reason{Type: handoff.ReasonComplaint}, nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	path := "/operator/handoffs/" + res.Record.ID + "/resolve"
	if rec := serve(h, operatorRequestTo(http.MethodPost, path, ``)); rec.Code != http.StatusOK {
		t.Fatalf("first resolve: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(h, operatorRequestTo(http.MethodPost, path, ``)); rec.Code != http.StatusConflict {
		t.Fatalf("second resolve: expected 409, got %d", rec.Code)
	}
}

func TestHealthzFollowsOrchestrator(t *testing.T) {
	gw := newTestGateway(t, testGatewayConfig("http://unused.invalid"))
	h := gw.routes()
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	gw.orch.Start()
	defer gw.orch.Stop()
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after start, got %d", rec.Code)
	}
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if status["version"] != version || status["mode"] != config.ModeWebhook {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestGatewayHandsOffAndOperatorReleases(t *testing.T) {
	api := newBotAPI(t)
	cfg := testGatewayConfig(api.srv.URL)
	gw := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	select {
	case <-gw.listening:
	case err := <-done:
		t.Fatalf("gateway exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not start listening")
	}
	base := "http://" + gw.boundAddr

	update := `{"update_id":1,"message":{"message_id":3,"date":1700000000,"chat":{"id":77,"type":"private"},"from":{"id":77,"first_name":"Ada"},"text":"I need a human please"}}`
	req, _ := http.NewRequest(http.MethodPost, base+cfg.Channel.WebhookPath, strings.NewReader(update))
	req.Header.Set(channels.SecretHeader, "sec")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post update: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook returned %d", resp.StatusCode)
	}

	stalling := cfg.Handoff.StallingMessages[string(handoff.ReasonExplicitRequest)]
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if texts := api.sentTexts(); len(texts) > 0 {
			if texts[0] != stalling {
				t.Fatalf("expected stalling message, got %q", texts[0])
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(api.sentTexts()) == 0 {
		t.Fatal("no reply delivered")
	}

	c, ok, err := gw.store.Peek(t.Context(), "telegram:77")
	if err != nil || !ok || c.Mode != conversation.ModeHuman {
		t.Fatalf("expected human mode, got %+v ok=%v err=%v", c, ok, err)
	}
	active, ok := gw.handoffs.Active("telegram:77")
	if !ok {
		t.Fatal("no active hand-off")
	}

	h := gw.routes()
	if rec := serve(h, operatorRequestTo(http.MethodPost, "/operator/handoffs/"+active.ID+"/accept", `{"operator":"alice"}`)); rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(h, operatorRequestTo(http.MethodPost, "/operator/conversations/telegram:77/release", ``)); rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}
	c, _, _ = gw.store.Peek(t.Context(), "telegram:77")
	if c.Mode != conversation.ModeAI {
		t.Fatalf("expected AI mode after release, got %s", c.Mode)
	}
	if gw.handoffs.IsHumanMode("telegram:77") {
		t.Fatal("hand-off still active after release")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not stop")
	}
	if gw.orch.Running() {
		t.Fatal("orchestrator still running after shutdown")
	}
}

func TestGatewayFailsWhenWebhookCannotBeSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
	}))
	defer srv.Close()
	cfg := testGatewayConfig(srv.URL)
	cfg.Channel.WebhookMaxAttempts = 2
	gw := newTestGateway(t, cfg)
	if err := gw.Run(t.Context()); err == nil {
		t.Fatal("expected start failure")
	}
	if gw.orch.Running() {
		t.Fatal("orchestrator left running after failed start")
	}
}
