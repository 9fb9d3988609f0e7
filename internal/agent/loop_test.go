package agent

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/orchestrator"
)

type handlerFunc func(ctx context.Context, msg *bus.InboundMessage) *orchestrator.Directive

func (f handlerFunc) HandleIncomingMessage(ctx context.Context, msg *bus.InboundMessage) *orchestrator.Directive {
	return f(ctx, msg)
}

func runLoop(t *testing.T, l *Loop) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
			return nil
		}
	}
}

func TestLoopPublishesDirectives(t *testing.T) {
	mb := bus.NewMessageBus()
	l := NewLoop(LoopOptions{
		Bus:     mb,
		Channel: "telegram",
		Handler: handlerFunc(func(_ context.Context, msg *bus.InboundMessage) *orchestrator.Directive {
			if msg.Content == "quiet" {
				return nil
			}
			return &orchestrator.Directive{Text: "re: " + msg.Content, ConversationID: msg.ConversationID, ChatID: 42}
		}),
		MaxConcurrent: 2,
	})
	stop := runLoop(t, l)

	mb.PublishInbound(&bus.InboundMessage{ConversationID: "telegram:42", Content: "quiet", TraceID: "t0"})
	mb.PublishInbound(&bus.InboundMessage{ConversationID: "telegram:42", Content: "hello", TraceID: "t1"})

	deadline := time.Now().Add(2 * time.Second)
	for l.Processed() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if l.Published() != 1 || mb.OutboundSize() != 1 {
		t.Fatalf("expected exactly one reply, published=%d queued=%d", l.Published(), mb.OutboundSize())
	}
	if l.Running() {
		t.Fatal("loop still reports running")
	}
}

func TestLoopBoundsConcurrencyAndDrainsOnStop(t *testing.T) {
	mb := bus.NewMessageBus()
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	l := NewLoop(LoopOptions{
		Bus: mb,
		Handler: handlerFunc(func(ctx context.Context, msg *bus.InboundMessage) *orchestrator.Directive {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if msg.Content != "late" {
				started.Done()
			}
			<-release
			inFlight.Add(-1)
			if ctx.Err() != nil {
				t.Error("in-flight work must not see shutdown cancellation")
			}
			return &orchestrator.Directive{Text: "ok"}
		}),
		MaxConcurrent: 2,
	})
	stop := runLoop(t, l)

	for _, c := range []string{"a", "b", "late"} {
		mb.PublishInbound(&bus.InboundMessage{Platform: "telegram", ConversationID: "telegram:" + c, Content: c})
	}
	started.Wait()

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned before in-flight messages finished")
	default:
	}
	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("concurrency limit exceeded: %d", got)
	}
	// The platform names the outbound channel when none is configured.
	select {
	case msg := <-drainOutbound(mb):
		if msg.Channel != "telegram" {
			t.Fatalf("unexpected channel %q", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply dispatched")
	}
}

func TestLoopKeepsArrivalOrderPerConversation(t *testing.T) {
	mb := bus.NewMessageBus()
	var (
		mu    sync.Mutex
		order = map[string][]int{}
		busy  = map[string]bool{}
	)
	l := NewLoop(LoopOptions{
		Bus: mb,
		Handler: handlerFunc(func(_ context.Context, msg *bus.InboundMessage) *orchestrator.Directive {
			mu.Lock()
			if busy[msg.ConversationID] {
				t.Errorf("two messages of %s handled at once", msg.ConversationID)
			}
			busy[msg.ConversationID] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)
			n, _ := strconv.Atoi(msg.Content)

			mu.Lock()
			busy[msg.ConversationID] = false
			order[msg.ConversationID] = append(order[msg.ConversationID], n)
			mu.Unlock()
			return nil
		}),
		MaxConcurrent: 4,
	})
	stop := runLoop(t, l)

	const perConversation = 20
	for i := 0; i < perConversation; i++ {
		for _, c := range []string{"telegram:1", "telegram:2"} {
			mb.PublishInbound(&bus.InboundMessage{ConversationID: c, Content: strconv.Itoa(i)})
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for l.Processed() < 2*perConversation && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for c, got := range order {
		if len(got) != perConversation {
			t.Fatalf("%s: handled %d of %d", c, len(got), perConversation)
		}
		for i, n := range got {
			if n != i {
				t.Fatalf("%s: arrival order lost: %v", c, got)
			}
		}
	}
	if len(order) != 2 {
		t.Fatalf("expected two conversations, got %d", len(order))
	}
}

func drainOutbound(mb *bus.MessageBus) <-chan *bus.OutboundMessage {
	ch := make(chan *bus.OutboundMessage, 1)
	mb.Subscribe("telegram", func(m *bus.OutboundMessage) {
		select {
		case ch <- m:
		default:
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	go func() {
		defer cancel()
		_ = mb.DispatchOutbound(ctx)
	}()
	return ch
}
