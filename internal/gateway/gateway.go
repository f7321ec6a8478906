// Package gateway is the main orchestrator that ties all gateway components
// together: transports, registries, routing, scheduling, fanout and
// persistence.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wingman-ai/wingman/internal/api"
	"github.com/wingman-ai/wingman/internal/auth"
	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/internal/credentials"
	"github.com/wingman-ai/wingman/internal/fanout"
	"github.com/wingman-ai/wingman/internal/group"
	"github.com/wingman-ai/wingman/internal/hub"
	"github.com/wingman-ai/wingman/internal/registry"
	"github.com/wingman-ai/wingman/internal/routing"
	"github.com/wingman-ai/wingman/internal/runner"
	"github.com/wingman-ai/wingman/internal/scheduler"
	"github.com/wingman-ai/wingman/internal/store"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	store store.Store
	blobs *store.BlobStore
	creds *credentials.Manager

	authn        *auth.Authenticator
	bridgeTokens *auth.BridgeTokens

	nodes  *registry.Registry
	groups *group.Registry
	subs   *fanout.Registry
	fan    *fanout.Fanout
	hub    *hub.Hub
	sched  *scheduler.Scheduler
	api    *api.Server

	// Agent set, mutable via the management API.
	agentsMu sync.RWMutex
	resolver *routing.Resolver
	runners  map[string]runner.Runner

	frames atomic.Int64
}

// New creates a gateway from configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	blobs, err := store.NewBlobStore(filepath.Join(".wingman", "attachments"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	bridgeTokens, err := auth.NewBridgeTokens()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bridge tokens: %w", err)
	}

	g := &Gateway{
		cfg:          cfg,
		logger:       logger.With("component", "gateway"),
		version:      version,
		store:        db,
		blobs:        blobs,
		creds:        credentials.NewManager(filepath.Join(config.HomeDir(), "credentials.json")),
		authn:        auth.New(cfg.Gateway.Auth),
		bridgeTokens: bridgeTokens,
		nodes: registry.New(registry.Options{
			MaxNodes:         cfg.Gateway.MaxNodes,
			MessageRateLimit: cfg.Gateway.MessageRateLimit,
			MessageWindow:    cfg.Gateway.MessageWindow.Duration,
		}, logger),
		groups:   group.New(logger),
		subs:     fanout.NewRegistry(),
		resolver: routing.New(cfg.Agents, cfg.DefaultAgent),
		runners:  make(map[string]runner.Runner),
	}

	for _, agent := range cfg.Agents.List {
		run, err := runner.New(agent.Runner)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
		}
		g.runners[agent.ID] = run
	}

	g.hub = hub.New(logger, hub.Callbacks{
		Authenticate: g.authn.Authenticate,
		Connect:      g.ConnectNode,
		Frame:        g.dispatch,
		Disconnect:   g.nodeGone,
	}, hub.Options{
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		MaxFrameBytes:  cfg.Gateway.MaxFrameBytes,
		MailboxDepth:   cfg.Gateway.MailboxDepth,
	})

	g.fan = fanout.New(logger, g.subs, g.hub.Send)

	g.sched = scheduler.New(logger, g.executeTask, scheduler.Hooks{
		OnQueued: g.onQueued,
		OnStart:  g.onStart,
		OnRetry:  g.onRetry,
		OnDone:   g.onDone,
	}, scheduler.Options{
		MaxConcurrent:    cfg.Gateway.MaxConcurrentRequests,
		MaxDuration:      cfg.Gateway.MaxRequestDuration.Duration,
		GracefulShutdown: cfg.Gateway.GracefulShutdown.Duration,
	})

	g.api = api.NewServer(cfg, g, g.hub, g.nodes, g.groups, db, g.creds,
		g.authn, bridgeTokens, version, logger)

	return g, nil
}

// Run starts the gateway HTTP server and blocks until the context is
// canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    g.cfg.Addr(),
		Handler: g.api.Handler(),
	}

	g.nodes.StartSweeper(ctx,
		g.cfg.Gateway.PingInterval.Duration,
		g.cfg.Gateway.PingTimeout.Duration,
		g.evictNode,
	)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := g.sched.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("scheduler did not drain in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		_ = g.store.Close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = g.store.Close()
		return err
	}
}

// ConnectNode registers a node in the registry. Implements api.Core and the
// hub's Connect callback.
func (g *Gateway) ConnectNode(client *protocol.ClientInfo) (string, error) {
	name := ""
	var capabilities []string
	if client != nil {
		name = client.Name
		capabilities = client.Capabilities
	}
	node, err := g.nodes.Register(name, capabilities)
	if err != nil {
		return "", err
	}
	return node.ID, nil
}

// MessagesProcessed implements api.Core.
func (g *Gateway) MessagesProcessed() int64 {
	return g.frames.Load()
}

// nodeGone cleans up all state owned on behalf of a departed node.
func (g *Gateway) nodeGone(nodeID string) {
	groupIDs := g.nodes.Unregister(nodeID)
	g.groups.RemoveNode(nodeID, groupIDs)
	g.subs.RemoveNode(nodeID)
	g.sched.CancelNode(nodeID)
}

// evictNode is the sweeper callback for heartbeat timeouts.
func (g *Gateway) evictNode(nodeID string) {
	g.hub.CloseNode(nodeID, protocol.E(protocol.CodeNotConnected, "heartbeat timeout"))
}
