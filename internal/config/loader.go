package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".relaydesk"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// DatabaseFile is the default SQLite file name inside ConfigDir.
	DatabaseFile = "relaydesk.db"

	envPrefix = "RELAYDESK"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("RELAYDESK_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// DataDir returns the directory holding relaydesk state (database, env file).
func DataDir() (string, error) {
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("RELAYDESK_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFiles()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}
	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == StorageSQLite && strings.TrimSpace(cfg.Storage.Path) == "" {
		if dir, err := DataDir(); err == nil {
			cfg.Storage.Path = filepath.Join(dir, DatabaseFile)
		}
	}
	return cfg, nil
}

// applyEnv overrides each group from RELAYDESK_<GROUP>_* variables.
func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		target any
	}{
		{envPrefix + "_CHANNEL", &cfg.Channel},
		{envPrefix + "_CONTEXT", &cfg.Context},
		{envPrefix + "_HANDOFF", &cfg.Handoff},
		{envPrefix + "_NOTIFY_SLACK", &cfg.Notify.Slack},
		{envPrefix + "_NOTIFY_KAFKA", &cfg.Notify.Kafka},
		{envPrefix + "_STORAGE", &cfg.Storage},
		{envPrefix + "_GATEWAY", &cfg.Gateway},
		{envPrefix + "_WORKER", &cfg.Worker},
		{envPrefix + "_ANALYZER", &cfg.Analyzer},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}
	return nil
}

// Validate checks the settings the gateway cannot start without.
func (c *Config) Validate() error {
	var errs []error
	switch c.Channel.Mode {
	case ModeWebhook:
		if strings.TrimSpace(c.Channel.WebhookURL) == "" {
			errs = append(errs, errors.New("channel.webhookUrl is required in webhook mode"))
		}
	case ModePolling:
	default:
		errs = append(errs, fmt.Errorf("channel.mode must be %q or %q, got %q", ModeWebhook, ModePolling, c.Channel.Mode))
	}
	if strings.TrimSpace(c.Channel.BotToken) == "" {
		errs = append(errs, errors.New("channel.botToken is required"))
	}
	if c.Channel.WebhookMaxAttempts <= 0 {
		errs = append(errs, errors.New("channel.webhookMaxAttempts must be positive"))
	}
	if c.Channel.ConnectionMaxAge <= 0 || c.Channel.ConnectionSweepInterval <= 0 {
		errs = append(errs, errors.New("channel connection sweep settings must be positive"))
	}
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q", StorageMemory, StorageSQLite))
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.BotToken == "" || c.Notify.Slack.ChannelID == "") {
		errs = append(errs, errors.New("notify.slack requires botToken and channelId"))
	}
	if c.Notify.Kafka.Enabled && (c.Notify.Kafka.Brokers == "" || c.Notify.Kafka.Topic == "") {
		errs = append(errs, errors.New("notify.kafka requires brokers and topic"))
	}
	return errors.Join(errs...)
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Durations in the JSON file may be written as Go duration strings
// ("30s", "24h") as well as nanosecond integers.
var durationKeys = map[string]struct{}{
	"webhookRetryBase":        {},
	"webhookRetryCap":         {},
	"pollTimeout":             {},
	"connectionMaxAge":        {},
	"connectionSweepInterval": {},
	"sessionTtl":              {},
	"estimatedWait":           {},
	"notifyTimeout":           {},
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := normalizeValues(raw); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

// normalizeValues substitutes ${ENV} references and converts duration strings.
func normalizeValues(node map[string]any) error {
	for k, v := range node {
		switch t := v.(type) {
		case map[string]any:
			if err := normalizeValues(t); err != nil {
				return err
			}
		case []any:
			for i, item := range t {
				if s, ok := item.(string); ok {
					t[i] = substituteEnv(s)
				}
			}
		case string:
			s := substituteEnv(t)
			if _, ok := durationKeys[k]; ok {
				d, err := time.ParseDuration(s)
				if err != nil {
					return fmt.Errorf("config key %s: %w", k, err)
				}
				node[k] = int64(d)
				continue
			}
			node[k] = s
		}
	}
	return nil
}

func substituteEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		if value, ok := os.LookupEnv(parts[1]); ok {
			return value
		}
		return match
	})
}
