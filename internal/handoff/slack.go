package handoff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackNotifier posts hand-off notices into an operator channel.
type SlackNotifier struct {
	api       *slack.Client
	channelID string
}

const slackHTTPTimeout = 20 * time.Second

// NewSlackNotifier builds a notifier from a bot token. apiBase and client
// may be empty; the default client times out after 20s.
func NewSlackNotifier(token, channelID, apiBase string, client *http.Client) (*SlackNotifier, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("slack notifier: missing bot token")
	}
	if strings.TrimSpace(channelID) == "" {
		return nil, errors.New("slack notifier: missing channel id")
	}
	base := strings.TrimSpace(apiBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	if client == nil {
		client = &http.Client{Timeout: slackHTTPTimeout}
	}
	return &SlackNotifier{
		api:       slack.New(token, slack.OptionHTTPClient(client), slack.OptionAPIURL(base)),
		channelID: strings.TrimSpace(channelID),
	}, nil
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, n Notice) error {
	text := summary(n)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	if len(n.Brief) > 0 {
		quoted := make([]string, 0, len(n.Brief))
		for _, line := range n.Brief {
			quoted = append(quoted, "> "+line)
		}
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(quoted, "\n"), false, false)))
	}
	_, _, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
