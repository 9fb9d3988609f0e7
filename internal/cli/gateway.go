package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/relaydesk/internal/agent"
	"github.com/KafClaw/relaydesk/internal/bus"
	"github.com/KafClaw/relaydesk/internal/channels"
	"github.com/KafClaw/relaydesk/internal/config"
	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/metrics"
	"github.com/KafClaw/relaydesk/internal/orchestrator"
	"github.com/KafClaw/relaydesk/internal/responder"
	"github.com/KafClaw/relaydesk/internal/situation"
	"github.com/KafClaw/relaydesk/internal/timeline"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channel adapter, orchestrator, operator API)",
	RunE:  runGateway,
}

var gatewaySignalNotify = signal.Notify
var gatewaySignalStop = signal.Stop

const settingStartedAt = "gateway.started_at"

func runGateway(cmd *cobra.Command, args []string) error {
	printHeader("🌐 relaydesk Gateway")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	installLogger(cfg.Gateway.LogLevel)

	gw, err := newGateway(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	gatewaySignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer gatewaySignalStop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Printf("Channel mode: %s\n", cfg.Channel.Mode)
	fmt.Printf("Storage:      %s\n", gw.storageLabel())
	fmt.Printf("Listening on: http://%s\n", gw.addr())
	return gw.Run(ctx)
}

func installLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// gateway owns every long-lived component of one process.
type gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	timeline  *timeline.TimelineService
	lister    conversation.Lister
	store     *conversation.Store
	handoffs  *handoff.Coordinator
	orch      *orchestrator.Orchestrator
	channel   *channels.TelegramChannel
	loop      *agent.Loop
	registry  *metrics.Registry
	closers   []func() error
	startedAt time.Time

	// listening is closed once the HTTP listener is bound.
	listening chan struct{}
	boundAddr string
}

// newGateway wires configuration into components. httpClient is used for
// Bot API calls and may be nil.
func newGateway(ctx context.Context, cfg *config.Config, httpClient *http.Client) (*gateway, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	gw := &gateway{cfg: cfg, bus: bus.NewMessageBus(), listening: make(chan struct{})}

	var (
		repo        conversation.Repository
		handoffRepo handoff.Repository
	)
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		path, err := databasePath(cfg)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		tl, err := timeline.NewTimelineService(path)
		if err != nil {
			return nil, err
		}
		gw.timeline = tl
		gw.closers = append(gw.closers, tl.Close)
		repo, handoffRepo, gw.lister = tl, tl, tl
	default:
		mem := conversation.NewMemoryRepository()
		repo, gw.lister = mem, mem
	}

	gw.store = conversation.NewStore(repo, conversation.StoreOptions{
		HistoryLimit: cfg.Context.HistoryLimit,
		SessionTTL:   cfg.Context.SessionTTL,
	})

	notifiers := []handoff.Notifier{handoff.LogNotifier{}}
	if s := cfg.Notify.Slack; s.Enabled {
		n, err := handoff.NewSlackNotifier(s.BotToken, s.ChannelID, s.APIBase, httpClient)
		if err != nil {
			gw.Close()
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if k := cfg.Notify.Kafka; k.Enabled {
		n, err := handoff.NewKafkaNotifier(k.Brokers, k.Topic)
		if err != nil {
			gw.Close()
			return nil, err
		}
		notifiers = append(notifiers, n)
		gw.closers = append(gw.closers, n.Close)
	}

	stalling := make(map[handoff.ReasonType]string, len(cfg.Handoff.StallingMessages))
	for k, v := range cfg.Handoff.StallingMessages {
		stalling[handoff.ReasonType(k)] = v
	}
	gw.handoffs = handoff.NewCoordinator(handoff.Options{
		DefaultStallingMessage: cfg.Handoff.DefaultStallingMessage,
		StallingMessages:       stalling,
		EstimatedWait:          cfg.Handoff.EstimatedWait,
		Notifiers:              notifiers,
		NotifyTimeout:          cfg.Handoff.NotifyTimeout,
		Repository:             handoffRepo,
	})
	if n, err := gw.handoffs.Restore(ctx); err != nil {
		slog.Warn("Gateway: restoring hand-offs failed", "error", err)
	} else if n > 0 {
		slog.Info("Gateway: restored active hand-offs", "count", n)
	}

	knowledge := responder.NewKnowledgeBase(nil)
	if path := strings.TrimSpace(cfg.Analyzer.KnowledgeFile); path != "" {
		kb, err := responder.LoadKnowledgeFile(path)
		if err != nil {
			gw.Close()
			return nil, err
		}
		knowledge = kb
	}

	gw.orch = orchestrator.New(orchestrator.Options{
		Store:           gw.store,
		Gate:            situation.NewGate(cfg.Handoff.AutoTriggerReasons),
		Handoffs:        gw.handoffs,
		Analyzer:        responder.NewKeywordAnalyzer(cfg.Analyzer.HumanRequestKeywords, cfg.Analyzer.ComplaintKeywords),
		Responder:       responder.NewTemplateResponder(),
		Knowledge:       knowledge,
		Personality:     orchestrator.Personality{Name: cfg.Channel.BotUsername},
		FallbackMessage: cfg.Handoff.FallbackMessage,
	})

	client := channels.NewClient(cfg.Channel.APIBase, cfg.Channel.BotToken, httpClient, cfg.Channel.SendRatePerSecond)
	gw.channel = channels.NewTelegramChannel(cfg.Channel, gw.bus, client)
	gw.channel.OnReset(gw.orch.ResetConversation)

	gw.loop = agent.NewLoop(agent.LoopOptions{
		Bus:           gw.bus,
		Handler:       gw.orch,
		Channel:       gw.channel.Name(),
		MaxConcurrent: cfg.Worker.MaxConcurrent,
	})

	gw.registry = metrics.NewRegistry(metrics.NewCollector(metrics.Sources{
		Adapter:       gw.channel,
		Handoffs:      gw.handoffs,
		Orchestrator:  gw.orch,
		Conversations: gw.lister,
	}))
	return gw, nil
}

func databasePath(cfg *config.Config) (string, error) {
	if p := strings.TrimSpace(cfg.Storage.Path); p != "" {
		return p, nil
	}
	dir, err := config.DataDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(dir, config.DatabaseFile), nil
}

func (g *gateway) addr() string {
	return net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
}

func (g *gateway) storageLabel() string {
	if g.timeline == nil {
		return config.StorageMemory
	}
	path, _ := databasePath(g.cfg)
	return config.StorageSQLite + " (" + path + ")"
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Components stop in order: orchestrator, HTTP server, channel,
// then pending hand-off notifications.
func (g *gateway) Run(ctx context.Context) error {
	g.startedAt = time.Now()
	g.orch.Start()
	if err := g.channel.Start(ctx); err != nil {
		g.orch.Stop()
		return fmt.Errorf("start channel: %w", err)
	}
	if g.timeline != nil {
		_ = g.timeline.SetSetting(settingStartedAt, g.startedAt.UTC().Format(time.RFC3339))
	}

	ln, err := net.Listen("tcp", g.addr())
	if err != nil {
		g.orch.Stop()
		_ = g.channel.Stop()
		return fmt.Errorf("listen %s: %w", g.addr(), err)
	}
	g.boundAddr = ln.Addr().String()
	close(g.listening)
	srv := &http.Server{Handler: g.routes(), ReadHeaderTimeout: 10 * time.Second}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.bus.DispatchOutbound(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	eg.Go(func() error { return g.loop.Run(egCtx) })
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.orch.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if err := g.channel.Stop(); err != nil {
			slog.Warn("Gateway: channel stop failed", "error", err)
		}
		g.handoffs.Wait()
		return err
	})

	slog.Info("Gateway started", "addr", g.boundAddr, "mode", g.cfg.Channel.Mode)
	err = eg.Wait()
	slog.Info("Gateway stopped")
	return err
}

// Close releases storage and notifier resources once pending hand-off
// notifications are done.
func (g *gateway) Close() {
	if g.handoffs != nil {
		g.handoffs.Wait()
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		_ = g.closers[i]()
	}
	g.closers = nil
}
