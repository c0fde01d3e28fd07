// ABOUTME: Node assembles one agent process: identity, store, shared log, transport and runtime
// ABOUTME: A coordinator node runs purposes; a worker node executes tasks from its inbox

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/identity"
	"github.com/2389/coven-swarm/internal/notify"
	"github.com/2389/coven-swarm/internal/orchestrator"
	"github.com/2389/coven-swarm/internal/provider"
	"github.com/2389/coven-swarm/internal/provider/anthropic"
	"github.com/2389/coven-swarm/internal/provider/openai"
	"github.com/2389/coven-swarm/internal/sharedlog"
	"github.com/2389/coven-swarm/internal/store"
	"github.com/2389/coven-swarm/internal/transport"
)

// ErrNotCoordinator is returned by coordinator operations on a worker node.
var ErrNotCoordinator = errors.New("node is not a coordinator")

// EnvDBPath overrides database.path, mainly for tests and throwaway runs.
const EnvDBPath = "COVEN_SWARM_DB_PATH"

// Node is one running agent.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.SQLiteStore
	ids      *identity.Manager
	self     *identity.Identity
	log      *sharedlog.Log
	registry *transport.Registry
	atts     *transport.AttachmentStore
	hub      *notify.Hub
	sink     notify.Sink
	receiver *transport.Receiver
	client   *transport.Client
	server   *transport.Server
	provider provider.Provider

	// Exactly one of these is set, by role.
	coord   *orchestrator.Coordinator
	runtime *agent.Runtime
	inbox   *agent.Inbox
}

// Option configures a Node.
type Option func(*Node)

// WithProvider replaces the configured completion provider.
func WithProvider(p provider.Provider) Option {
	return func(n *Node) { n.provider = p }
}

// NewProvider builds the completion provider named by the config.
func NewProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Kind {
	case config.ProviderAnthropic:
		return anthropic.New(anthropic.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, MaxTokens: cfg.MaxTokens}), nil
	case config.ProviderOpenAI:
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, MaxTokens: cfg.MaxTokens}), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Kind)
	}
}

// New wires every component for cfg. The agent's identity is created and
// published before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{cfg: cfg, logger: logger.With("component", "node", "agent_id", cfg.Agent.ID)}
	for _, opt := range opts {
		opt(n)
	}

	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	var err error
	if n.store, err = initStore(cfg); err != nil {
		return nil, err
	}

	n.ids = identity.NewManager(cfg.Identity.KeyDir, n.store,
		identity.WithLogger(logger),
		identity.WithWindow(cfg.Identity.ReplayWindow),
		identity.WithFutureSkew(cfg.Identity.FutureSkew),
	)
	n.self, err = n.ids.CreateIdentity(ctx, identity.Spec{
		AgentID:       cfg.Agent.ID,
		Role:          cfg.Agent.Role,
		Capabilities:  cfg.Agent.Capabilities,
		TeamID:        cfg.Agent.TeamID,
		WorkspaceHint: cfg.Agent.WorkspaceHint,
	})
	if err != nil {
		return nil, fmt.Errorf("creating identity: %w", err)
	}
	if err := n.ids.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("loading published keys: %w", err)
	}

	if n.log, err = sharedlog.Open(cfg.SharedLog.Dir); err != nil {
		return nil, fmt.Errorf("opening shared log: %w", err)
	}
	n.registry = transport.NewRegistry(n.log, logger)
	if n.atts, err = transport.NewAttachmentStore(cfg.Transport.AttachmentsDir, cfg.Transport.InlineAttachmentLimit); err != nil {
		return nil, err
	}

	n.hub = notify.NewHub(logger)
	n.sink = notify.Multi{n.hub, notify.NewLogSink(logger)}

	if n.provider == nil {
		if n.provider, err = NewProvider(cfg.Provider); err != nil {
			return nil, err
		}
	}

	n.client = transport.NewClient(transport.ClientConfig{
		AgentID:       cfg.Agent.ID,
		Signer:        n.ids,
		Registry:      n.registry,
		Log:           n.log,
		Attachments:   n.atts,
		ProbeTimeout:  cfg.Transport.ProbeTimeout,
		SendTimeout:   cfg.Transport.SendTimeout,
		UploadTimeout: cfg.Transport.UploadTimeout,
		LiveWindow:    3 * cfg.Transport.HeartbeatInterval,
		Logger:        logger,
	})
	n.receiver = transport.NewReceiver(cfg.Agent.ID, n.ids, n.store, nil, n.sink, logger)

	var status func() string
	if cfg.Agent.Role == config.RoleCoordinator {
		if err := n.initCoordinator(); err != nil {
			return nil, err
		}
		n.receiver.SetHandler(n.coord)
		status = func() string { return string(agent.StatusIdle) }
	} else {
		if err := n.initWorker(); err != nil {
			return nil, err
		}
		n.receiver.SetHandler(n.inbox)
		status = func() string { return string(n.runtime.Status()) }
	}

	ports := transport.NewPortAllocator(cfg.Transport.Host, cfg.Transport.PortMin, cfg.Transport.PortMax)
	ports.Reserved = func() map[int]bool {
		return n.registry.TakenPorts(cfg.Transport.Host, 3*cfg.Transport.HeartbeatInterval)
	}
	n.server = transport.NewServer(transport.ServerConfig{
		AgentID:           cfg.Agent.ID,
		Role:              cfg.Agent.Role,
		Host:              cfg.Transport.Host,
		Fingerprint:       n.self.Fingerprint,
		Receiver:          n.receiver,
		Attachments:       n.atts,
		Ports:             ports,
		Registry:          n.registry,
		Events:            n.hub,
		Status:            status,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		Logger:            logger,
	})

	ok = true
	return n, nil
}

func (n *Node) initCoordinator() error {
	ocfg := orchestrator.ConfigFrom(n.cfg)
	deps := orchestrator.Deps{
		Provider:   n.provider,
		Identities: n.ids,
		Store:      n.store,
		Log:        n.log,
		Sender:     n.client,
		Sink:       n.sink,
		Logger:     n.logger,
	}
	if n.cfg.Orchestrator.Remote {
		deps.Delegate = orchestrator.NewRemoteDelegate(n.cfg.Agent.ID, n.client, n.logger)
	}
	coord, err := orchestrator.New(ocfg, deps)
	if err != nil {
		return err
	}
	n.coord = coord
	return nil
}

func (n *Node) initWorker() error {
	reporter := agent.NewTransportReporter(n.cfg.Agent.ID, n.cfg.Agent.Coordinator, n.client)
	asker := agent.NewTransportQuestioner(n.cfg.Agent.ID, n.cfg.Agent.Coordinator, n.client, n.logger)
	rt, err := agent.New(n.self, n.provider, agent.ConfigFrom(n.cfg.Runtime),
		agent.WithLogger(n.logger),
		agent.WithReporter(reporter),
		agent.WithQuestioner(asker),
		agent.WithEventHandler(n.forwardEvent),
	)
	if err != nil {
		return err
	}
	if err := rt.Restore(); err != nil {
		n.logger.Warn("could not restore history, starting fresh", "error", err)
	}
	n.runtime = rt
	n.inbox = agent.NewInbox(rt, reporter)
	n.inbox.RouteAnswers(asker)
	return nil
}

// forwardEvent publishes runtime events. It must not call back into the runtime.
func (n *Node) forwardEvent(ev agent.Event) {
	switch ev.Type {
	case agent.EventCondenseFailed:
		reason := ""
		if ev.Condense != nil {
			reason = ev.Condense.Reason
		}
		n.sink.Notify(notify.Notification{
			Type:    notify.TypeCondenseFailed,
			AgentID: ev.AgentID,
			Summary: "context condensation failed: " + reason,
			Time:    time.Now().UTC(),
		})
	case agent.EventStatusChanged:
		n.sink.Notify(notify.Notification{
			Type:    notify.TypeStatus,
			AgentID: ev.AgentID,
			Summary: string(ev.Status),
			Data:    map[string]any{"status": ev.Status},
			Time:    time.Now().UTC(),
		})
	}
}

// ID returns the agent id.
func (n *Node) ID() string { return n.cfg.Agent.ID }

// Identity returns the node's published identity.
func (n *Node) Identity() *identity.Identity { return n.self }

// Coordinator returns the coordinator, or nil on a worker node.
func (n *Node) Coordinator() *orchestrator.Coordinator { return n.coord }

// Runtime returns the worker runtime, or nil on a coordinator node.
func (n *Node) Runtime() *agent.Runtime { return n.runtime }

// Client returns the outbound transport.
func (n *Node) Client() *transport.Client { return n.client }

// Registry returns the endpoint registry.
func (n *Node) Registry() *transport.Registry { return n.registry }

// Store returns the node's database.
func (n *Node) Store() *store.SQLiteStore { return n.store }

// RunPurpose runs a purpose to completion on a coordinator node.
func (n *Node) RunPurpose(ctx context.Context, p orchestrator.Purpose) (*orchestrator.Report, error) {
	if n.coord == nil {
		return nil, ErrNotCoordinator
	}
	return n.coord.Run(ctx, p)
}

// Run serves the endpoint, polls the shared log and, on a worker, works the
// inbox until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.server.Run(gctx) })
	g.Go(func() error {
		n.poll(gctx)
		return nil
	})
	if n.inbox != nil {
		g.Go(func() error {
			n.inbox.Run(gctx)
			return nil
		})
	}
	err := g.Wait()
	n.saveHistory()
	return err
}

// poll refreshes the authorized keys and reads missed messages from the
// shared log, once at start and then every poll interval.
func (n *Node) poll(ctx context.Context) {
	interval := n.cfg.SharedLog.PollInterval
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	for {
		n.CatchUp(ctx)
		n.saveHistory()
		if ticker == nil {
			<-ctx.Done()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CatchUp runs one pass over the shared log.
func (n *Node) CatchUp(ctx context.Context) (transport.CatchupStats, error) {
	if err := n.ids.Refresh(ctx); err != nil && ctx.Err() == nil {
		n.logger.Warn("refreshing keys", "error", err)
	}
	stats, err := n.receiver.Catchup(ctx, n.log, n.atts)
	if err != nil && ctx.Err() == nil {
		n.logger.Error("catch-up failed", "error", err)
	}
	return stats, err
}

func (n *Node) saveHistory() {
	if n.runtime == nil || n.cfg.Runtime.HistoryDir == "" {
		return
	}
	if err := n.runtime.SaveSnapshot(); err != nil {
		n.logger.Warn("saving history", "error", err)
	}
}

// Close releases the store, the identity manager and the event hub.
func (n *Node) Close() {
	if n.hub != nil {
		n.hub.Close()
	}
	if n.ids != nil {
		n.ids.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("closing store", "error", err)
		}
	}
}

func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(EnvDBPath); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}
