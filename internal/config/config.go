// Package config provides configuration types and loading for relaydesk.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Channel, Context, Handoff, Notify, Storage, Gateway, Worker.
type Config struct {
	Channel  ChannelConfig  `json:"channel"`
	Context  ContextConfig  `json:"context"`
	Handoff  HandoffConfig  `json:"handoff"`
	Notify   NotifyConfig   `json:"notify"`
	Storage  StorageConfig  `json:"storage"`
	Gateway  GatewayConfig  `json:"gateway"`
	Worker   WorkerConfig   `json:"worker"`
	Analyzer AnalyzerConfig `json:"analyzer"`
}

// ---------------------------------------------------------------------------
// Channel – business messaging platform
// ---------------------------------------------------------------------------

// Ingestion modes.
const (
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

// ChannelConfig configures the business messaging channel adapter.
type ChannelConfig struct {
	Mode          string `json:"mode" envconfig:"MODE"`
	BotToken      string `json:"botToken" envconfig:"BOT_TOKEN"`
	BotUsername   string `json:"botUsername" envconfig:"BOT_USERNAME"`
	APIBase       string `json:"apiBase" envconfig:"API_BASE"`
	WebhookURL    string `json:"webhookUrl" envconfig:"WEBHOOK_URL"`
	WebhookPath   string `json:"webhookPath" envconfig:"WEBHOOK_PATH"`
	WebhookSecret string `json:"webhookSecret" envconfig:"WEBHOOK_SECRET"`

	WebhookMaxAttempts int           `json:"webhookMaxAttempts" envconfig:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookRetryBase   time.Duration `json:"webhookRetryBase" envconfig:"WEBHOOK_RETRY_BASE"`
	WebhookRetryCap    time.Duration `json:"webhookRetryCap" envconfig:"WEBHOOK_RETRY_CAP"`

	PollTimeout time.Duration `json:"pollTimeout" envconfig:"POLL_TIMEOUT"`

	ConnectionMaxAge        time.Duration `json:"connectionMaxAge" envconfig:"CONNECTION_MAX_AGE"`
	ConnectionSweepInterval time.Duration `json:"connectionSweepInterval" envconfig:"CONNECTION_SWEEP_INTERVAL"`

	// SendRatePerSecond bounds outbound API calls; 0 disables limiting.
	SendRatePerSecond float64 `json:"sendRatePerSecond" envconfig:"SEND_RATE_PER_SECOND"`
}

// ---------------------------------------------------------------------------
// Context – conversation state
// ---------------------------------------------------------------------------

// ContextConfig bounds conversation context retention.
type ContextConfig struct {
	HistoryLimit int           `json:"historyLimit" envconfig:"HISTORY_LIMIT"`
	SessionTTL   time.Duration `json:"sessionTtl" envconfig:"SESSION_TTL"`
}

// ---------------------------------------------------------------------------
// Handoff – human takeover
// ---------------------------------------------------------------------------

// HandoffConfig configures stalling messages and auto-trigger reasons.
type HandoffConfig struct {
	DefaultStallingMessage string `json:"defaultStallingMessage" envconfig:"DEFAULT_STALLING_MESSAGE"`
	// StallingMessages overrides the stalling message per reason type.
	StallingMessages   map[string]string `json:"stallingMessages"`
	EstimatedWait      time.Duration     `json:"estimatedWait" envconfig:"ESTIMATED_WAIT"`
	AutoTriggerReasons []string          `json:"autoTriggerReasons" envconfig:"AUTO_TRIGGER_REASONS"`
	FallbackMessage    string            `json:"fallbackMessage" envconfig:"FALLBACK_MESSAGE"`
	// NotifyTimeout bounds each operator notification attempt.
	NotifyTimeout time.Duration `json:"notifyTimeout" envconfig:"NOTIFY_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Notify – operator notification channels
// ---------------------------------------------------------------------------

// NotifyConfig groups hand-off notification channels.
type NotifyConfig struct {
	Slack SlackNotifyConfig `json:"slack"`
	Kafka KafkaNotifyConfig `json:"kafka"`
}

// SlackNotifyConfig posts hand-off notices into an operator Slack channel.
type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken  string `json:"botToken" envconfig:"BOT_TOKEN"`
	ChannelID string `json:"channelId" envconfig:"CHANNEL_ID"`
	APIBase   string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// KafkaNotifyConfig publishes hand-off events to a Kafka topic.
type KafkaNotifyConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// ---------------------------------------------------------------------------
// Storage – persistence backend
// ---------------------------------------------------------------------------

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// StorageConfig selects the persistence backend behind the repositories.
type StorageConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER"`
	Path   string `json:"path" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host          string `json:"host" envconfig:"HOST"`
	Port          int    `json:"port" envconfig:"PORT"`
	OperatorToken string `json:"operatorToken" envconfig:"OPERATOR_TOKEN"`
	LogLevel      string `json:"logLevel" envconfig:"LOG_LEVEL"`
}

// ---------------------------------------------------------------------------
// Worker – inbound processing concurrency
// ---------------------------------------------------------------------------

// WorkerConfig bounds the number of inbound messages processed at once.
type WorkerConfig struct {
	MaxConcurrent int `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
}

// ---------------------------------------------------------------------------
// Analyzer – default situation analysis collaborator
// ---------------------------------------------------------------------------

// AnalyzerConfig configures the built-in keyword analyzer.
type AnalyzerConfig struct {
	HumanRequestKeywords []string `json:"humanRequestKeywords"`
	ComplaintKeywords    []string `json:"complaintKeywords"`
	KnowledgeFile        string   `json:"knowledgeFile" envconfig:"KNOWLEDGE_FILE"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Channel: ChannelConfig{
			Mode:                    ModePolling,
			APIBase:                 "https://api.telegram.org",
			WebhookPath:             "/webhook/telegram",
			WebhookMaxAttempts:      3,
			WebhookRetryBase:        time.Second,
			WebhookRetryCap:         30 * time.Second,
			PollTimeout:             30 * time.Second,
			ConnectionMaxAge:        24 * time.Hour,
			ConnectionSweepInterval: time.Hour,
			SendRatePerSecond:       25,
		},
		Context: ContextConfig{
			HistoryLimit: 100,
			SessionTTL:   24 * time.Hour,
		},
		Handoff: HandoffConfig{
			DefaultStallingMessage: "Thanks for your patience, let me check this with a colleague. I'll be right back with you.",
			StallingMessages: map[string]string{
				"explicit_request": "Of course, I'm bringing in a colleague from our team. One moment please.",
				"technical_issue":  "Sorry, something went wrong on our side. A colleague will pick this up shortly.",
			},
			EstimatedWait:   5 * time.Minute,
			FallbackMessage: "Sorry, we're having a technical hiccup. Please give us a moment.",
			NotifyTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageSQLite,
		},
		Gateway: GatewayConfig{
			Host:     "127.0.0.1",
			Port:     18800,
			LogLevel: "info",
		},
		Worker: WorkerConfig{
			MaxConcurrent: 16,
		},
		Analyzer: AnalyzerConfig{
			HumanRequestKeywords: []string{"human", "operator", "real person", "manager", "agent please"},
			ComplaintKeywords:    []string{"refund", "complaint", "unacceptable", "lawyer"},
		},
	}
}
