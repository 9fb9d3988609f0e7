package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/config"
)

// SecretHeader carries the webhook secret configured through setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxWebhookBody = 1 << 20

// ResetFunc is called when the user cleared their chat.
type ResetFunc func(ctx context.Context, conversationID string)

// TelegramChannel is the adapter for the Bot API business messaging platform.
type TelegramChannel struct {
	bus    *bus.MessageBus
	cfg    config.ChannelConfig
	client *Client
	conns  *ConnectionTable

	metrics adapterMetrics
	onReset ResetFunc

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup
	subscribe sync.Once
}

// NewTelegramChannel creates the adapter. client may be nil, in which case
// one is built from cfg.
func NewTelegramChannel(cfg config.ChannelConfig, messageBus *bus.MessageBus, client *Client) *TelegramChannel {
	if client == nil {
		httpClient := &http.Client{Timeout: cfg.PollTimeout + 20*time.Second}
		client = NewClient(cfg.APIBase, cfg.BotToken, httpClient, cfg.SendRatePerSecond)
	}
	c := &TelegramChannel{
		bus:    messageBus,
		cfg:    cfg,
		client: client,
		conns:  NewConnectionTable(nil),
	}
	c.metrics.m.StartedAt = time.Now().UTC()
	return c
}

func (c *TelegramChannel) Name() string { return "telegram" }

// OnReset registers the conversation-reset callback. Call before Start.
func (c *TelegramChannel) OnReset(fn ResetFunc) {
	c.mu.Lock()
	c.onReset = fn
	c.mu.Unlock()
}

// Connections exposes the connection table for status reporting.
func (c *TelegramChannel) Connections() *ConnectionTable { return c.conns }

// Metrics returns a snapshot of the adapter counters.
func (c *TelegramChannel) Metrics() Metrics { return c.metrics.snapshot() }

// Start initializes the configured ingestion mode. In webhook mode a failure
// to register the webhook after the configured number of attempts is fatal.
func (c *TelegramChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("telegram channel already started")
	}
	mode := c.cfg.Mode
	if mode != config.ModeWebhook && mode != config.ModePolling {
		c.mu.Unlock()
		return fmt.Errorf("telegram channel: unknown mode %q", mode)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx, c.cancel = runCtx, cancel
	c.started = true
	c.mu.Unlock()

	if mode == config.ModeWebhook {
		if err := c.setupWebhook(ctx); err != nil {
			_ = c.Stop()
			return err
		}
	} else {
		if err := c.client.DeleteWebhook(ctx); err != nil {
			slog.Warn("Channel: deleteWebhook before polling failed", "error", err)
		}
		c.goTask(func() { c.pollLoop(runCtx) })
	}

	c.subscribe.Do(func() {
		c.bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
			if !c.goTask(func() { c.Deliver(c.lifecycleCtx(), msg) }) {
				slog.Warn("Channel: dropped outbound message after stop", "conversation_id", msg.ConversationID)
			}
		})
	})
	c.goTask(func() { c.sweepLoop(runCtx) })

	slog.Info("Channel: started", "channel", c.Name(), "mode", mode)
	return nil
}

// Stop cancels the poller, the sweeper and in-flight deliveries and waits
// for them to exit. It is safe to call more than once.
func (c *TelegramChannel) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	slog.Info("Channel: stopped", "channel", c.Name())
	return nil
}

// goTask runs fn as a tracked background task. Once the channel is stopped
// no new task starts and goTask reports false.
func (c *TelegramChannel) goTask(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *TelegramChannel) lifecycleCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *TelegramChannel) setupWebhook(ctx context.Context) error {
	url := strings.TrimSpace(c.cfg.WebhookURL)
	if url == "" {
		return errors.New("telegram channel: webhook mode requires a webhook url")
	}
	err := withBackoff(ctx, c.cfg.WebhookMaxAttempts, c.cfg.WebhookRetryBase, c.cfg.WebhookRetryCap, func(attempt int) error {
		c.metrics.update(func(m *Metrics) { m.WebhookSetupAttempts++ })
		err := c.client.SetWebhook(ctx, url, c.cfg.WebhookSecret)
		if err != nil {
			slog.Warn("Channel: setWebhook failed", "attempt", attempt, "max_attempts", c.cfg.WebhookMaxAttempts, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("telegram channel: set webhook: %w", err)
	}
	slog.Info("Channel: webhook set", "url", url, "secret", c.cfg.WebhookSecret != "")
	return nil
}

// ServeHTTP receives webhook deliveries. Once the envelope decodes the
// response is 200 whatever happens downstream, so the platform never
// redelivers.
func (c *TelegramChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if secret := c.cfg.WebhookSecret; secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.metrics.update(func(m *Metrics) { m.InboundAuthRejected++ })
			slog.Warn("Channel: webhook secret mismatch", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		c.metrics.update(func(m *Metrics) { m.InboundMalformed++ })
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		c.metrics.update(func(m *Metrics) { m.InboundMalformed++ })
		slog.Warn("Channel: dropped malformed update", "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	c.metrics.update(func(m *Metrics) { m.InboundAccepted++ })
	c.Dispatch(c.lifecycleCtx(), &u)
	w.WriteHeader(http.StatusOK)
}

func (c *TelegramChannel) pollLoop(ctx context.Context) {
	var offset int64
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := c.client.GetUpdates(ctx, offset, c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := backoffDelay(failures, time.Second, 30*time.Second)
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			slog.Warn("Channel: getUpdates failed", "error", err, "retry_in", delay)
			if sleepCtx(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0
		for i := range updates {
			u := &updates[i]
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			c.metrics.update(func(m *Metrics) { m.InboundAccepted++ })
			c.Dispatch(ctx, u)
		}
	}
}

// Dispatch routes an update to the handler of its kind.
func (c *TelegramChannel) Dispatch(ctx context.Context, u *Update) {
	switch kind := u.Kind(); kind {
	case KindMessage:
		c.handleMessage(u.Message, false, false)
	case KindEditedMessage:
		c.handleMessage(u.EditedMessage, false, true)
	case KindBusinessMessage:
		c.handleMessage(u.BusinessMessage, true, false)
	case KindEditedBusinessMessage:
		c.handleMessage(u.EditedBusinessMessage, true, true)
	case KindBusinessConnection:
		c.handleConnection(u.BusinessConnection)
	case KindDeletedBusinessMessages:
		c.handleDeleted(ctx, u.DeletedBusinessMessages)
	case KindUnknown:
		slog.Debug("Channel: ignored update", "update_id", u.UpdateID)
	}
}

func (c *TelegramChannel) handleMessage(raw *Message, isBusiness, edited bool) {
	msg := ConvertToNormalized(c.Name(), raw, isBusiness)
	msg.Meta.Edited = msg.Meta.Edited || edited
	if isBusiness && raw.From != nil && raw.BusinessConnectionID != "" {
		conn, known := c.conns.Get(raw.BusinessConnectionID)
		if known && conn.UserID == raw.From.ID {
			// Written by the business account owner in their own chat.
			msg.Meta.FromOperator = true
			msg.UserID = strconv.FormatInt(raw.Chat.ID, 10)
		}
		if !known {
			c.goTask(func() { c.learnConnection(c.lifecycleCtx(), raw.BusinessConnectionID) })
		}
	}
	if !c.bus.TryPublishInbound(msg) {
		c.metrics.update(func(m *Metrics) { m.InboundDropped++ })
		slog.Warn("Channel: inbound queue full, dropped message", "conversation_id", msg.ConversationID, "message_id", msg.ID)
	}
}

func (c *TelegramChannel) handleConnection(bc *BusinessConnection) {
	if !bc.IsEnabled {
		c.conns.Delete(bc.ID)
		slog.Info("Channel: business connection removed", "connection_id", bc.ID)
		return
	}
	c.conns.Upsert(connectionFromWire(bc))
	slog.Info("Channel: business connection updated", "connection_id", bc.ID, "can_reply", bc.Replies())
}

func connectionFromWire(bc *BusinessConnection) Connection {
	return Connection{
		ID:         bc.ID,
		UserID:     bc.User.ID,
		UserChatID: bc.UserChatID,
		CanReply:   bc.Replies(),
	}
}

func (c *TelegramChannel) learnConnection(ctx context.Context, id string) {
	bc, err := c.client.GetBusinessConnection(ctx, id)
	if err != nil {
		slog.Debug("Channel: getBusinessConnection failed", "connection_id", id, "error", err)
		return
	}
	if _, known := c.conns.Get(id); known {
		return
	}
	c.handleConnection(bc)
}

// handleDeleted treats any deletion as the user clearing the chat.
func (c *TelegramChannel) handleDeleted(ctx context.Context, d *BusinessMessagesDeleted) {
	if len(d.MessageIDs) == 0 {
		return
	}
	c.mu.Lock()
	fn := c.onReset
	c.mu.Unlock()
	conversationID := ConversationID(c.Name(), d.Chat.ID)
	c.metrics.update(func(m *Metrics) { m.ConversationResets++ })
	slog.Info("Channel: messages deleted, resetting conversation", "conversation_id", conversationID, "count", len(d.MessageIDs))
	if fn != nil {
		fn(ctx, conversationID)
	}
}

func (c *TelegramChannel) sweepLoop(ctx context.Context) {
	interval := c.cfg.ConnectionSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	maxAge := c.cfg.ConnectionMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepConnections(maxAge)
		}
	}
}

// SweepConnections drops stale connection records.
func (c *TelegramChannel) SweepConnections(maxAge time.Duration) int {
	n := c.conns.Sweep(maxAge)
	if n > 0 {
		c.metrics.update(func(m *Metrics) { m.ConnectionsSwept += n })
		slog.Info("Channel: swept stale connections", "removed", n, "active", c.conns.ActiveCount())
	}
	return n
}

// CanReply reports whether replies through connectionID are allowed.
func (c *TelegramChannel) CanReply(connectionID string) bool {
	return c.conns.CanReply(connectionID)
}

func (c *TelegramChannel) permitted(connectionID string) bool {
	return connectionID == "" || c.conns.CanReply(connectionID)
}

func (c *TelegramChannel) record(r SendResult) SendResult {
	c.metrics.noteSend(r)
	return r
}

// Send sends text to chatID.
func (c *TelegramChannel) Send(ctx context.Context, chatID int64, text, connectionID string) SendResult {
	return c.sendText(ctx, chatID, text, connectionID, 0)
}

func (c *TelegramChannel) sendText(ctx context.Context, chatID int64, text, connectionID string, replyTo int64) SendResult {
	if !c.permitted(connectionID) {
		return c.record(denied())
	}
	id, err := c.client.SendMessage(ctx, chatID, text, connectionID, replyTo)
	if err != nil {
		return c.record(failed(err))
	}
	return c.record(SendResult{Success: true, MessageID: id})
}

// SendTypingIndicator shows the typing status in chatID.
func (c *TelegramChannel) SendTypingIndicator(ctx context.Context, chatID int64, connectionID string) SendResult {
	if !c.permitted(connectionID) {
		return c.record(denied())
	}
	if err := c.client.SendChatAction(ctx, chatID, "typing", connectionID); err != nil {
		return c.record(failed(err))
	}
	return c.record(SendResult{Success: true})
}

// SendDocument sends a file by platform file id or URL.
func (c *TelegramChannel) SendDocument(ctx context.Context, chatID int64, file, caption, connectionID string) SendResult {
	return c.sendFile(ctx, "sendDocument", "document", chatID, file, caption, connectionID)
}

// SendPhoto sends an image by platform file id or URL.
func (c *TelegramChannel) SendPhoto(ctx context.Context, chatID int64, file, caption, connectionID string) SendResult {
	return c.sendFile(ctx, "sendPhoto", "photo", chatID, file, caption, connectionID)
}

// SendVideo sends a video by platform file id or URL.
func (c *TelegramChannel) SendVideo(ctx context.Context, chatID int64, file, caption, connectionID string) SendResult {
	return c.sendFile(ctx, "sendVideo", "video", chatID, file, caption, connectionID)
}

func (c *TelegramChannel) sendFile(ctx context.Context, method, field string, chatID int64, file, caption, connectionID string) SendResult {
	if !c.permitted(connectionID) {
		return c.record(denied())
	}
	id, err := c.client.sendFile(ctx, method, field, chatID, file, caption, connectionID)
	if err != nil {
		return c.record(failed(err))
	}
	return c.record(SendResult{Success: true, MessageID: id})
}

// Deliver shows the typing indicator, waits the requested typing delay and
// sends the text.
func (c *TelegramChannel) Deliver(ctx context.Context, msg *bus.OutboundMessage) SendResult {
	chatID := msg.ChatID
	if chatID == 0 {
		id, ok := ChatIDFromConversation(msg.ConversationID)
		if !ok {
			r := c.record(failed(fmt.Errorf("no chat id for conversation %q", msg.ConversationID)))
			slog.Warn("Channel: delivery dropped", "conversation_id", msg.ConversationID, "error", r.Err)
			return r
		}
		chatID = id
	}
	if msg.TypingDelay > 0 {
		if r := c.SendTypingIndicator(ctx, chatID, msg.ConnectionID); r.Denied {
			slog.Warn("Channel: reply not permitted", "conversation_id", msg.ConversationID, "connection_id", msg.ConnectionID)
			return r
		}
		if err := sleepCtx(ctx, msg.TypingDelay); err != nil {
			return c.record(failed(err))
		}
	}
	r := c.sendText(ctx, chatID, msg.Content, msg.ConnectionID, msg.ReplyTo)
	if !r.Success {
		slog.Warn("Channel: delivery failed", "conversation_id", msg.ConversationID, "denied", r.Denied, "error", r.Err, "trace_id", msg.TraceID)
	}
	return r
}
