package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/relaydesk/internal/channels"
	"github.com/KafClaw/relaydesk/internal/config"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/timeline"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ relaydesk Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and storage status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 relaydesk Status")
		fmt.Printf("Version: %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (run 'relaydesk config init' first)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ? Unable to load (%v)\n", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			fmt.Printf("Checks:  ✗ %v\n", err)
		} else {
			fmt.Println("Checks:  ✓ Config valid")
		}
		fmt.Printf("Channel: %s mode", cfg.Channel.Mode)
		if cfg.Channel.BotUsername != "" {
			fmt.Printf(" (@%s)", cfg.Channel.BotUsername)
		}
		fmt.Println()
		fmt.Printf("Notify:  slack=%v kafka=%v\n", cfg.Notify.Slack.Enabled, cfg.Notify.Kafka.Enabled)
		if strings.TrimSpace(cfg.Channel.BotToken) != "" {
			if desc, err := describeWebhook(context.Background(), cfg); err != nil {
				fmt.Printf("Webhook: ? %v\n", err)
			} else {
				fmt.Println("Webhook: " + desc)
			}
		}

		if cfg.Storage.Driver != config.StorageSQLite {
			fmt.Println("Storage: memory (nothing persisted)")
			return
		}
		path, err := databasePath(cfg)
		if err != nil {
			fmt.Printf("Storage: ? %v\n", err)
			return
		}
		if _, err := os.Stat(path); err != nil {
			fmt.Println("Storage: ✗ No database yet (" + path + ")")
			return
		}
		tl, err := timeline.NewTimelineService(path)
		if err != nil {
			fmt.Printf("Storage: ✗ %v\n", err)
			return
		}
		defer tl.Close()
		fmt.Println("Storage: ✓ " + path)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if modes, err := conversation.CountByMode(ctx, tl); err == nil {
			fmt.Printf("Conversations: ai=%d transitioning=%d human=%d\n",
				modes[conversation.ModeAI], modes[conversation.ModeTransitioning], modes[conversation.ModeHuman])
		}
		if active, err := tl.LoadActiveHandoffs(ctx); err == nil {
			fmt.Printf("Active hand-offs: %d\n", len(active))
		}
		if started, _ := tl.GetSetting(settingStartedAt); started != "" {
			fmt.Println("Last gateway start: " + started)
		}
	},
}

// describeWebhook summarizes the webhook registration the platform holds
// for the bot.
func describeWebhook(ctx context.Context, cfg *config.Config) (string, error) {
	if strings.TrimSpace(cfg.Channel.BotToken) == "" {
		return "", errors.New("channel.botToken is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client := channels.NewClient(cfg.Channel.APIBase, cfg.Channel.BotToken, nil, 0)
	info, err := client.GetWebhookInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("get webhook info: %w", err)
	}
	if info.URL == "" {
		return "none registered", nil
	}
	desc := fmt.Sprintf("%s (pending=%d)", info.URL, info.PendingUpdateCount)
	if info.LastErrorMessage != "" {
		desc += "; last error: " + info.LastErrorMessage
		if info.LastErrorDate > 0 {
			desc += " at " + time.Unix(info.LastErrorDate, 0).UTC().Format(time.RFC3339)
		}
	}
	return desc, nil
}
