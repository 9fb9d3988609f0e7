package handoff

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSlackNotifierPostsToChannel(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"channel":"C1","ts":"1"}`)
	}))
	defer srv.Close()

	n, err := NewSlackNotifier("xoxb-test", "C1", srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = n.Notify(t.Context(), Notice{
		Record: &Record{
			ID:             "h1",
			ConversationID: "telegram:42",
			Reason:         Reason{Type: ReasonComplaint, Severity: SeverityHigh, Description: "angry customer"},
			InitiatedAt:    time.Now(),
		},
		Brief: []string{"user: nothing works"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if form.Get("channel") != "C1" {
		t.Fatalf("unexpected channel %q", form.Get("channel"))
	}
	if !strings.Contains(form.Get("text"), "telegram:42") {
		t.Fatalf("summary missing conversation id: %q", form.Get("text"))
	}
	if !strings.Contains(form.Get("blocks"), "nothing works") {
		t.Fatalf("brief missing from blocks: %q", form.Get("blocks"))
	}
}

func TestSlackNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":false,"error":"channel_not_found"}`)
	}))
	defer srv.Close()

	n, _ := NewSlackNotifier("xoxb-test", "C404", srv.URL, srv.Client())
	err := n.Notify(t.Context(), Notice{Record: &Record{ID: "h1", ConversationID: "c"}})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected channel_not_found, got %v", err)
	}
}

func TestNewSlackNotifierValidates(t *testing.T) {
	if _, err := NewSlackNotifier("", "C1", "", nil); err == nil {
		t.Fatal("expected missing token error")
	}
	if _, err := NewSlackNotifier("xoxb", " ", "", nil); err == nil {
		t.Fatal("expected missing channel error")
	}
}
