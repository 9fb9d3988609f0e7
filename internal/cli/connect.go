package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/KafClaw/relaydesk/internal/channels"
	"github.com/KafClaw/relaydesk/internal/config"
)

var (
	connectLinkOut     string
	connectLinkPayload string
)

var connectLinkCmd = &cobra.Command{
	Use:   "connect-link",
	Short: "Print a QR code business owners scan to reach the bot",
	Long: "Prints the bot's deep link and a QR code for it. Business account owners open the\n" +
		"link on their phone and then add the bot under Settings > Business > Chatbots.",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("🔗 relaydesk Connect Link")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		username := strings.TrimPrefix(strings.TrimSpace(cfg.Channel.BotUsername), "@")
		if username == "" {
			username, err = lookupBotUsername(cmd.Context(), cfg)
			if err != nil {
				return err
			}
		}
		link := deepLink(username, connectLinkPayload)
		fmt.Fprintln(cmd.OutOrStdout(), "Link:", link)

		if connectLinkOut != "" {
			if err := qrcode.WriteFile(link, qrcode.Medium, 512, connectLinkOut); err != nil {
				return fmt.Errorf("write qr code: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n🖼️  QR code saved to: %s\n", connectLinkOut)
			return nil
		}
		art, err := renderQR(link)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), art)
		return nil
	},
}

// deepLink returns the t.me link for username with an optional start
// payload.
func deepLink(username, payload string) string {
	u := url.URL{Scheme: "https", Host: "t.me", Path: "/" + username}
	if payload = strings.TrimSpace(payload); payload != "" {
		u.RawQuery = url.Values{"start": {payload}}.Encode()
	}
	return u.String()
}

func renderQR(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return q.ToSmallString(false), nil
}

func lookupBotUsername(ctx context.Context, cfg *config.Config) (string, error) {
	if strings.TrimSpace(cfg.Channel.BotToken) == "" {
		return "", errors.New("channel.botUsername or channel.botToken is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client := channels.NewClient(cfg.Channel.APIBase, cfg.Channel.BotToken, nil, 0)
	me, err := client.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("look up bot: %w", err)
	}
	if me.Username == "" {
		return "", errors.New("bot has no username")
	}
	return me.Username, nil
}

func init() {
	connectLinkCmd.Flags().StringVar(&connectLinkOut, "out", "", "write a PNG to this path instead of printing")
	connectLinkCmd.Flags().StringVar(&connectLinkPayload, "payload", "", "optional start payload appended to the link")
}
