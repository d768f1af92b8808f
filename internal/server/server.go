// ABOUTME: Wires the fleetd server: store, sessions, dispatch, ingest, alerting, API
// ABOUTME: Owns startup order, the lifecycle-to-broadcast bridge and graceful shutdown

package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetd-io/fleetd/internal/alert"
	"github.com/fleetd-io/fleetd/internal/api"
	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/dispatch"
	"github.com/fleetd-io/fleetd/internal/ingest"
	"github.com/fleetd-io/fleetd/internal/session"
	"github.com/fleetd-io/fleetd/internal/store"
)

// Core is the assembled fleetd server.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	bus        *broadcast.Broadcaster
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	pipeline   *ingest.Pipeline
	engine     *alert.Engine
	api        *api.Server
	agentLink  *AgentLink
}

// New assembles the server from config. Nothing starts until Run.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Core, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	bus := broadcast.New(logger)

	manager := session.NewManager(st, session.Config{
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		OutboundQueueSize: cfg.Agents.OutboundQueueSize,
		ServerVersion:     version,
	}, logger)

	dispatcher := dispatch.New(st, manager, bus, dispatch.Config{
		SendAckTimeout:      cfg.Dispatch.SendAckTimeout,
		ChildTimeoutDefault: cfg.Dispatch.ChildTimeoutDefault,
		ChildTimeoutMax:     cfg.Dispatch.ChildTimeoutMax,
		CancelGrace:         cfg.Dispatch.CancelGrace,
		LogRoot:             cfg.Dispatch.LogRoot,
		ChildLogCapBytes:    cfg.Dispatch.ChildLogCapBytes,
		MaxCommandPayload:   cfg.Dispatch.MaxCommandPayload,
	}, logger)

	notifier := alert.NewHTTPNotifier(st, cfg.Notifications.EncryptionKey, logger)
	engine := alert.NewEngine(st, bus, notifier, logger)

	pipeline := ingest.New(st, bus, engine, ingest.Config{
		BatchMax:       cfg.Ingest.BatchMax,
		FlushInterval:  cfg.Ingest.FlushInterval,
		AgentRateLimit: float64(cfg.Ingest.AgentRateLimit),
	}, logger)

	manager.SetRouter(NewRouter(dispatcher, pipeline))

	apiServer := api.New(st, dispatcher, manager, bus, engine, api.Config{
		Addr:          cfg.Server.HTTPAddr,
		JWTSecret:     cfg.Auth.JWTSecret,
		EncryptionKey: cfg.Notifications.EncryptionKey,
		FrontendURL:   cfg.Server.FrontendURL,
	}, logger)

	return &Core{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		store:      st,
		bus:        bus,
		manager:    manager,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		engine:     engine,
		api:        apiServer,
		agentLink:  NewAgentLink(cfg.Server.AgentAddr, manager, logger),
	}, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts the
// pieces down in dependency order.
func (c *Core) Run(ctx context.Context) error {
	if err := c.engine.Rewarm(ctx); err != nil {
		return fmt.Errorf("rewarming alert engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.pipeline.Run(runCtx)

	dispatchEvents, cancelDispatchSub := c.manager.SubscribeLifecycle()
	defer cancelDispatchSub()
	go c.dispatcher.Run(runCtx, dispatchEvents)

	stateEvents, cancelStateSub := c.manager.SubscribeLifecycle()
	defer cancelStateSub()
	go c.bridgeLifecycle(runCtx, stateEvents)

	errCh := make(chan error, 2)
	go func() { errCh <- c.agentLink.ListenAndServe() }()
	go func() { errCh <- c.api.ListenAndServe() }()

	c.logger.Info("fleetd running",
		"agent_addr", c.cfg.Server.AgentAddr,
		"http_addr", c.cfg.Server.HTTPAddr,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	c.shutdown()
	return runErr
}

// bridgeLifecycle republishes agent connectivity changes on the per-agent
// state topic so API subscribers see connects, disconnects and staleness.
func (c *Core) bridgeLifecycle(ctx context.Context, events <-chan session.LifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.bus.Publish(&broadcast.Event{
				Topic: broadcast.TopicAgentState(event.AgentID),
				Type:  broadcast.TypeState,
				Payload: map[string]any{
					"agent_id": event.AgentID,
					"state":    string(event.State),
				},
			})
		}
	}
}

func (c *Core) shutdown() {
	c.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = c.agentLink.Shutdown(shutdownCtx)
	c.manager.Shutdown(shutdownCtx, 10*time.Second)
	_ = c.api.Shutdown(shutdownCtx)

	c.bus.Close()
	c.pipeline.Close()

	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing store", "error", err)
	}
	c.logger.Info("shutdown complete")
}
