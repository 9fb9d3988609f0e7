package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// APIError is a non-ok response from the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("bot api %s: %d %s (retry after %s)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("bot api %s: %d %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// Client calls the Bot API over HTTPS. Outbound sends share one rate limiter;
// long-poll calls bypass it.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Bot API client. ratePerSecond <= 0 disables limiting.
func NewClient(apiBase, token string, httpClient *http.Client, ratePerSecond float64) *Client {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	c := &Client{base: base, token: strings.TrimSpace(token), http: httpClient}
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return c
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if method != "getUpdates" && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("bot api %s: rate limit wait: %w", method, err)
		}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("bot api %s: encode: %w", method, err)
	}
	endpoint := c.base + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		// The request URL carries the token; never surface it.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("bot api %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("bot api %s: read: %w", method, err)
	}
	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("bot api %s: status %d: invalid response", method, resp.StatusCode)
	}
	if !ar.OK {
		apiErr := &APIError{Method: method, Code: ar.ErrorCode, Description: ar.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("bot api %s: decode result: %w", method, err)
		}
	}
	return nil
}

// AllowedUpdates lists the update kinds the adapter subscribes to.
var AllowedUpdates = []string{
	"message",
	"edited_message",
	"business_connection",
	"business_message",
	"edited_business_message",
	"deleted_business_messages",
}

// SetWebhook registers webhookURL as the delivery endpoint.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	params := map[string]any{
		"url":             webhookURL,
		"allowed_updates": AllowedUpdates,
	}
	if secret != "" {
		params["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook removes the webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, nil)
}

// GetWebhookInfo reports the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, "getWebhookInfo", map[string]any{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", map[string]any{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": AllowedUpdates,
	}, &updates)
	return updates, err
}

// GetBusinessConnection fetches the current state of a connection grant.
func (c *Client) GetBusinessConnection(ctx context.Context, id string) (*BusinessConnection, error) {
	var bc BusinessConnection
	if err := c.call(ctx, "getBusinessConnection", map[string]any{"business_connection_id": id}, &bc); err != nil {
		return nil, err
	}
	return &bc, nil
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// SendMessage sends text to chatID and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, connectionID string, replyTo int64) (int64, error) {
	params := map[string]any{"chat_id": chatID, "text": text}
	if connectionID != "" {
		params["business_connection_id"] = connectionID
	}
	if replyTo != 0 {
		params["reply_parameters"] = map[string]any{"message_id": replyTo, "allow_sending_without_reply": true}
	}
	var m sentMessage
	if err := c.call(ctx, "sendMessage", params, &m); err != nil {
		return 0, err
	}
	return m.MessageID, nil
}

// SendChatAction shows a transient status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action, connectionID string) error {
	params := map[string]any{"chat_id": chatID, "action": action}
	if connectionID != "" {
		params["business_connection_id"] = connectionID
	}
	return c.call(ctx, "sendChatAction", params, nil)
}

// sendFile sends a file by platform file id or URL through method, whose
// file field is named field.
func (c *Client) sendFile(ctx context.Context, method, field string, chatID int64, file, caption, connectionID string) (int64, error) {
	params := map[string]any{"chat_id": chatID, field: file}
	if caption != "" {
		params["caption"] = caption
	}
	if connectionID != "" {
		params["business_connection_id"] = connectionID
	}
	var m sentMessage
	if err := c.call(ctx, method, params, &m); err != nil {
		return 0, err
	}
	return m.MessageID, nil
}
