package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Channel.Mode != ModePolling {
		t.Errorf("expected default mode polling, got %s", cfg.Channel.Mode)
	}
	if cfg.Channel.WebhookMaxAttempts != 3 {
		t.Errorf("expected 3 webhook attempts, got %d", cfg.Channel.WebhookMaxAttempts)
	}
	if cfg.Channel.ConnectionMaxAge != 24*time.Hour {
		t.Errorf("expected connection max age 24h, got %v", cfg.Channel.ConnectionMaxAge)
	}
	if cfg.Channel.ConnectionSweepInterval != time.Hour {
		t.Errorf("expected sweep interval 1h, got %v", cfg.Channel.ConnectionSweepInterval)
	}
	if cfg.Gateway.Port != 18800 {
		t.Errorf("expected gateway port 18800, got %d", cfg.Gateway.Port)
	}
	if cfg.Handoff.DefaultStallingMessage == "" {
		t.Error("expected a default stalling message")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RELAYDESK_CONFIG", "")
	t.Setenv("RELAYDESK_HOME", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Context.HistoryLimit != 100 {
		t.Errorf("expected history limit 100, got %d", cfg.Context.HistoryLimit)
	}
	if !strings.HasSuffix(cfg.Storage.Path, filepath.Join(ConfigDir, DatabaseFile)) {
		t.Errorf("expected sqlite path under %s, got %q", ConfigDir, cfg.Storage.Path)
	}
}

func TestLoadFromFileWithDurationsAndEnvRefs(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")
	content := `{
		"channel": {
			"mode": "webhook",
			"botToken": "${RD_TEST_TOKEN}",
			"webhookUrl": "https://example.com/hook",
			"webhookRetryBase": "250ms",
			"connectionMaxAge": "2h"
		},
		"handoff": {
			"stallingMessages": {"complaint": "We hear you."}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", tmp)
	t.Setenv("RELAYDESK_CONFIG", path)
	t.Setenv("RD_TEST_TOKEN", "123:abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Channel.Mode != ModeWebhook {
		t.Errorf("expected webhook mode, got %s", cfg.Channel.Mode)
	}
	if cfg.Channel.BotToken != "123:abc" {
		t.Errorf("expected env substitution, got %q", cfg.Channel.BotToken)
	}
	if cfg.Channel.WebhookRetryBase != 250*time.Millisecond {
		t.Errorf("expected 250ms retry base, got %v", cfg.Channel.WebhookRetryBase)
	}
	if cfg.Channel.ConnectionMaxAge != 2*time.Hour {
		t.Errorf("expected 2h max age, got %v", cfg.Channel.ConnectionMaxAge)
	}
	// Unset fields keep their defaults.
	if cfg.Channel.WebhookMaxAttempts != 3 {
		t.Errorf("expected default attempts to survive, got %d", cfg.Channel.WebhookMaxAttempts)
	}
	if cfg.Handoff.StallingMessages["complaint"] != "We hear you." {
		t.Errorf("expected complaint override, got %#v", cfg.Handoff.StallingMessages)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")
	if err := os.WriteFile(path, []byte(`{"gateway": {"port": 9000}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", tmp)
	t.Setenv("RELAYDESK_CONFIG", path)
	t.Setenv("RELAYDESK_GATEWAY_PORT", "9100")
	t.Setenv("RELAYDESK_CHANNEL_WEBHOOK_MAX_ATTEMPTS", "5")
	t.Setenv("RELAYDESK_HANDOFF_AUTO_TRIGGER_REASONS", "complaint,explicit_request")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Gateway.Port)
	}
	if cfg.Channel.WebhookMaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Channel.WebhookMaxAttempts)
	}
	if len(cfg.Handoff.AutoTriggerReasons) != 2 || cfg.Handoff.AutoTriggerReasons[0] != "complaint" {
		t.Errorf("unexpected auto trigger reasons: %#v", cfg.Handoff.AutoTriggerReasons)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing bot token to fail validation")
	}

	cfg.Channel.BotToken = "123:abc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected polling config to validate, got %v", err)
	}

	cfg.Channel.Mode = ModeWebhook
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "webhookUrl") {
		t.Fatalf("expected webhookUrl error, got %v", err)
	}

	cfg.Channel.WebhookURL = "https://example.com/hook"
	cfg.Notify.Kafka.Enabled = true
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "notify.kafka") {
		t.Fatalf("expected kafka error, got %v", err)
	}
}
