// ABOUTME: Fleet agent core: dials the server, handshakes, and keeps the
// ABOUTME: session alive with reason-aware reconnect backoff

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/session"
)

// Version is the agent protocol version reported in the hello.
const Version = "1.0"

// Config is the agent's runtime configuration.
type Config struct {
	ServerURL       string        `yaml:"server_url"` // ws://host:port/ws/agent
	AuthToken       string        `yaml:"auth_token"`
	DeclaredID      int64         `yaml:"agent_id"`
	CollectInterval time.Duration `yaml:"-"`
	WorkDir         string        `yaml:"work_dir"`

	CollectIntervalRaw string `yaml:"collect_interval"`
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}
	if c.CollectIntervalRaw != "" {
		d, err := time.ParseDuration(c.CollectIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing collect_interval: %w", err)
		}
		c.CollectInterval = d
	}
	if c.CollectInterval == 0 {
		c.CollectInterval = 10 * time.Second
	}
	return nil
}

// Agent is one monitored host's client process.
type Agent struct {
	cfg       Config
	logger    *slog.Logger
	collector *Collector
	executor  *Executor
	monitors  *MonitorRunner
}

// New creates an agent.
func New(cfg Config, logger *slog.Logger) *Agent {
	a := &Agent{
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
		collector: NewCollector(logger),
	}
	a.executor = NewExecutor(cfg.WorkDir, logger)
	a.monitors = NewMonitorRunner(logger)
	return a
}

// Run connects and reconnects until ctx is done. Each connection attempt
// observes the minimum backoff dictated by the server's last close reason.
func (a *Agent) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		reason, err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			a.logger.Warn("session ended", "error", err, "close_reason", reason)
		}

		wait := backoff
		if min := time.Duration(reason.MinBackoffSeconds()) * time.Second; min > wait {
			wait = min
		}
		a.logger.Info("reconnecting", "backoff", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}

		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
		if reason == protocol.ReasonSuperseded {
			backoff = time.Second
		}
	}
}

// runSession performs one connect-handshake-serve cycle and returns the close
// reason the server sent, if any.
func (a *Agent) runSession(ctx context.Context) (protocol.CloseReason, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.ServerURL, nil)
	cancel()
	if err != nil {
		return "", fmt.Errorf("dialing %s: %w", a.cfg.ServerURL, err)
	}
	conn := session.NewWSConn(ws)
	defer conn.Close(protocol.ReasonShuttingDown)

	hostname, _ := os.Hostname()
	hello, err := protocol.NewFrame(protocol.KindAgentHello, &protocol.AgentHello{
		DeclaredID:   a.cfg.DeclaredID,
		Hostname:     hostname,
		Version:      Version,
		Capabilities: []string{"exec", "metrics", "docker", "monitors"},
		AuthToken:    a.cfg.AuthToken,
	})
	if err != nil {
		return "", err
	}
	if err := conn.WriteFrame(hello); err != nil {
		return "", fmt.Errorf("sending hello: %w", err)
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		return closeReasonOf(err), fmt.Errorf("reading server hello: %w", err)
	}
	if frame.Kind != protocol.KindServerHello {
		return "", fmt.Errorf("expected server_hello, got %s", frame.Kind)
	}
	var serverHello protocol.ServerHello
	if err := frame.Decode(&serverHello); err != nil {
		return "", err
	}

	heartbeat := time.Duration(serverHello.HeartbeatIntervalMs) * time.Millisecond
	a.logger.Info("connected",
		"agent_id", serverHello.AgentID,
		"server_version", serverHello.ServerVersion,
		"heartbeat", heartbeat,
	)

	sessCtx, cancelSess := context.WithCancel(ctx)
	defer cancelSess()

	go a.heartbeatLoop(sessCtx, conn, heartbeat)
	go a.collectLoop(sessCtx, conn)
	a.monitors.Attach(sessCtx, conn)
	defer a.monitors.Detach()

	return a.readLoop(sessCtx, conn)
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn *session.WSConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.NewFrame(protocol.KindHeartbeat,
				&protocol.Heartbeat{TimestampMs: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			if err := conn.WriteFrame(frame); err != nil {
				return
			}
		}
	}
}

// collectLoop ships a metric frame every collect interval and a docker
// inventory every tenth cycle.
func (a *Agent) collectLoop(ctx context.Context, conn *session.WSConn) {
	ticker := time.NewTicker(a.cfg.CollectInterval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := a.collector.Collect(ctx)
			if err != nil {
				a.logger.Warn("metric collection failed", "error", err)
				continue
			}
			frame, err := protocol.NewFrame(protocol.KindMetricFrame, metrics)
			if err != nil {
				continue
			}
			if err := conn.WriteFrame(frame); err != nil {
				return
			}

			cycle++
			if cycle%10 == 0 {
				a.sendDockerInventory(conn)
			}
		}
	}
}

func (a *Agent) sendDockerInventory(conn *session.WSConn) {
	inventory, err := a.collector.DockerInventory()
	if err != nil {
		// No docker on this host is the common case, not an error.
		a.logger.Debug("docker inventory unavailable", "error", err)
		return
	}
	frame, err := protocol.NewFrame(protocol.KindDockerInventory, inventory)
	if err != nil {
		return
	}
	_ = conn.WriteFrame(frame)
}

// readLoop handles server-bound frames until the connection dies.
func (a *Agent) readLoop(ctx context.Context, conn *session.WSConn) (protocol.CloseReason, error) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return closeReasonOf(err), err
		}

		switch frame.Kind {
		case protocol.KindPing:
			// Inbound traffic alone keeps the link alive; nothing to answer.

		case protocol.KindExecuteCommand:
			var cmd protocol.ExecuteCommand
			if err := frame.Decode(&cmd); err != nil {
				a.logger.Warn("bad execute frame", "error", err)
				continue
			}
			a.executor.Start(ctx, conn, &cmd)

		case protocol.KindTerminateCommand:
			var term protocol.TerminateCommand
			if err := frame.Decode(&term); err != nil {
				continue
			}
			a.executor.Terminate(term.ChildID)

		case protocol.KindReloadServiceMonitors:
			var reload protocol.ReloadServiceMonitors
			if err := frame.Decode(&reload); err != nil {
				continue
			}
			a.monitors.Reload(reload.Monitors)

		case protocol.KindServerShuttingDown:
			var down protocol.ServerShuttingDown
			if err := frame.Decode(&down); err == nil {
				a.logger.Info("server shutting down", "backoff_s", down.BackoffSeconds)
			}

		default:
			a.logger.Debug("ignoring unknown frame kind", "kind", frame.Kind)
		}
	}
}

// closeReasonOf extracts the typed close reason from a websocket close error.
func closeReasonOf(err error) protocol.CloseReason {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return protocol.CloseReason(closeErr.Text)
	}
	return ""
}
