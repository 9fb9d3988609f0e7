// Package agent runs the orchestrator against the inbound message bus.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/orchestrator"
)

// Handler processes one normalized message and returns what to send back.
// *orchestrator.Orchestrator satisfies it.
type Handler interface {
	HandleIncomingMessage(ctx context.Context, msg *bus.InboundMessage) *orchestrator.Directive
}

// LoopOptions contains configuration for the agent loop.
type LoopOptions struct {
	Bus     *bus.MessageBus
	Handler Handler
	// Channel names the outbound subscriber replies are addressed to. When
	// empty the inbound message's platform is used.
	Channel string
	// MaxConcurrent bounds how many conversations are worked on at once.
	// Messages of one conversation are handled one at a time in arrival
	// order.
	MaxConcurrent int
}

// Loop consumes inbound messages and publishes the resulting replies.
type Loop struct {
	bus     *bus.MessageBus
	handler Handler
	channel string
	limit   int

	mu      sync.Mutex
	pending map[string][]*bus.InboundMessage // conversation id -> queued messages

	running   atomic.Bool
	processed atomic.Int64
	published atomic.Int64
}

// NewLoop creates an agent loop.
func NewLoop(opts LoopOptions) *Loop {
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	return &Loop{
		bus:     opts.Bus,
		handler: opts.Handler,
		channel: opts.Channel,
		limit:   limit,
		pending: make(map[string][]*bus.InboundMessage),
	}
}

// Run processes messages from the bus until ctx is cancelled, then waits
// for in-flight messages to finish.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)
	slog.Info("Agent loop started", "max_concurrent", l.limit)

	var g errgroup.Group
	g.SetLimit(l.limit)
	// In-flight work finishes even when shutdown cancels ctx.
	workCtx := context.WithoutCancel(ctx)

	for {
		msg, err := l.bus.ConsumeInbound(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("Failed to consume message", "error", err)
			continue
		}
		if !l.enqueue(msg) {
			// A worker already owns this conversation and will pick it up.
			continue
		}
		id := msg.ConversationID
		g.Go(func() error {
			l.drain(workCtx, id)
			return nil
		})
	}

	_ = g.Wait()
	slog.Info("Agent loop stopped", "processed", l.processed.Load(), "published", l.published.Load())
	return nil
}

// enqueue appends msg to its conversation queue and reports whether the
// queue was idle, meaning the caller must start a worker for it.
func (l *Loop) enqueue(msg *bus.InboundMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, busy := l.pending[msg.ConversationID]
	l.pending[msg.ConversationID] = append(q, msg)
	return !busy
}

// drain handles the queued messages of one conversation until none are left.
func (l *Loop) drain(ctx context.Context, conversationID string) {
	for {
		l.mu.Lock()
		q := l.pending[conversationID]
		if len(q) == 0 {
			delete(l.pending, conversationID)
			l.mu.Unlock()
			return
		}
		msg := q[0]
		q[0] = nil
		l.pending[conversationID] = q[1:]
		l.mu.Unlock()

		l.handle(ctx, msg)
	}
}

func (l *Loop) handle(ctx context.Context, msg *bus.InboundMessage) {
	defer l.processed.Add(1)
	d := l.handler.HandleIncomingMessage(ctx, msg)
	if d == nil || d.Text == "" {
		return
	}
	channel := l.channel
	if channel == "" {
		channel = msg.Platform
	}
	out := d.Outbound(channel)
	if out.TraceID == "" {
		out.TraceID = msg.TraceID
	}
	l.bus.PublishOutbound(out)
	l.published.Add(1)
}

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.running.Load() }

// Processed returns the number of messages handled so far.
func (l *Loop) Processed() int64 { return l.processed.Load() }

// Published returns the number of replies handed to the bus.
func (l *Loop) Published() int64 { return l.published.Load() }
