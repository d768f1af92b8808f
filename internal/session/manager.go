// ABOUTME: Manages connected agent sessions, handshake, heartbeat and message routing
// ABOUTME: Sharded session table; a reconnect for the same agent atomically supersedes the old session

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/store"
)

// ProtocolVersion is the major protocol version; agents reporting a different
// major are rejected with VersionMismatch.
const ProtocolVersion = "1"

// shardCount sizes the session table. Power of two, keyed by agent ID.
const shardCount = 16

// Handshake and routing errors.
var (
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrVersionMismatch   = errors.New("protocol version mismatch")
	ErrAuthRejected      = errors.New("auth rejected")
	ErrAgentNotConnected = errors.New("agent not connected")
)

// LifecycleState describes an agent's connectivity transition.
type LifecycleState string

const (
	LifecycleConnected      LifecycleState = "connected"
	LifecycleDisconnected   LifecycleState = "disconnected"
	LifecycleHeartbeatStale LifecycleState = "heartbeat_stale"
)

// LifecycleEvent is delivered to lifecycle subscribers.
type LifecycleEvent struct {
	AgentID int64
	State   LifecycleState
}

// Router receives inbound frames after the session layer has decoded them.
// Implementations must not block: long work belongs on their own queues.
type Router interface {
	HandleMetricFrame(ctx context.Context, agentID int64, frame *protocol.MetricFrame)
	HandleCommandAck(ctx context.Context, agentID int64, ack *protocol.CommandAck)
	HandleCommandStarted(ctx context.Context, agentID int64, started *protocol.CommandStarted)
	HandleCommandOutputChunk(ctx context.Context, agentID int64, chunk *protocol.CommandOutputChunk)
	HandleCommandCompleted(ctx context.Context, agentID int64, completed *protocol.CommandCompleted)
	HandleDockerInventory(ctx context.Context, agentID int64, inv *protocol.DockerInventory)
	HandleMonitorResult(ctx context.Context, agentID int64, result *protocol.ServiceMonitorResult)
	// HandleUndeliveredCommand is invoked for ExecuteCommand frames that were
	// queued on a superseded session but never handed to the transport.
	HandleUndeliveredCommand(ctx context.Context, agentID int64, cmd *protocol.ExecuteCommand)
}

type shard struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// Config tunes the Manager.
type Config struct {
	HeartbeatInterval time.Duration
	OutboundQueueSize int
	ServerVersion     string
}

// Manager coordinates all connected agent sessions.
type Manager struct {
	shards [shardCount]*shard
	store  store.Store
	router Router
	cfg    Config
	logger *slog.Logger

	lifecycleMu   sync.Mutex
	lifecycleSubs map[string]chan LifecycleEvent

	shuttingDown bool
	shutdownMu   sync.RWMutex
}

// NewManager creates a session manager. The router is attached afterwards via
// SetRouter so the dispatcher and manager can reference each other.
func NewManager(st store.Store, cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		store:         st,
		cfg:           cfg,
		logger:        logger.With("component", "session"),
		lifecycleSubs: make(map[string]chan LifecycleEvent),
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[int64]*Session)}
	}
	return m
}

// SetRouter attaches the inbound frame router. Must be called before Accept.
func (m *Manager) SetRouter(r Router) { m.router = r }

func (m *Manager) shardFor(agentID int64) *shard {
	return m.shards[uint64(agentID)%shardCount]
}

// hashToken hex-encodes the SHA-256 of a bearer token for durable comparison.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Accept performs the handshake on a fresh transport and then runs the
// session's read loop until the connection ends. It blocks for the lifetime
// of the session; the transport listener calls it per connection.
func (m *Manager) Accept(ctx context.Context, conn Conn) (string, error) {
	frame, err := conn.ReadFrame()
	if err != nil {
		_ = conn.Close(protocol.ReasonHandshakeFailed)
		return "", fmt.Errorf("%w: reading hello: %v", ErrHandshakeFailed, err)
	}
	if frame.Kind != protocol.KindAgentHello {
		_ = conn.Close(protocol.ReasonHandshakeFailed)
		return "", fmt.Errorf("%w: first frame must be agent_hello, got %s", ErrHandshakeFailed, frame.Kind)
	}

	var hello protocol.AgentHello
	if err := frame.Decode(&hello); err != nil {
		_ = conn.Close(protocol.ReasonHandshakeFailed)
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if !strings.HasPrefix(hello.Version, ProtocolVersion+".") && hello.Version != ProtocolVersion {
		_ = conn.Close(protocol.ReasonVersionMismatch)
		return "", fmt.Errorf("%w: agent version %q", ErrVersionMismatch, hello.Version)
	}

	agent, err := m.store.GetAgentByTokenHash(ctx, hashToken(hello.AuthToken))
	if err != nil {
		_ = conn.Close(protocol.ReasonAuthRejected)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown token", ErrAuthRejected)
		}
		return "", fmt.Errorf("authenticating agent: %w", err)
	}
	if hello.DeclaredID != 0 && hello.DeclaredID != agent.ID {
		_ = conn.Close(protocol.ReasonAuthRejected)
		return "", fmt.Errorf("%w: declared id %d does not match token", ErrAuthRejected, hello.DeclaredID)
	}

	m.shutdownMu.RLock()
	down := m.shuttingDown
	m.shutdownMu.RUnlock()
	if down {
		_ = conn.Close(protocol.ReasonShuttingDown)
		return "", ErrSessionClosed
	}

	// Persist hostname/capability changes reported in the hello.
	if agent.Hostname != hello.Hostname || !equalStrings(agent.Capabilities, hello.Capabilities) {
		agent.Hostname = hello.Hostname
		agent.Capabilities = hello.Capabilities
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			m.logger.Warn("failed to persist agent hello fields", "agent_id", agent.ID, "error", err)
		}
	}

	sess := NewSession(uuid.New().String(), agent.ID, conn, m.cfg.OutboundQueueSize,
		m.logger.With("agent_id", agent.ID))

	m.register(ctx, sess)

	serverHello, err := protocol.NewFrame(protocol.KindServerHello, &protocol.ServerHello{
		AgentID:              agent.ID,
		ServerVersion:        m.cfg.ServerVersion,
		HeartbeatIntervalMs:  m.cfg.HeartbeatInterval.Milliseconds(),
		AcceptedCapabilities: hello.Capabilities,
	})
	if err != nil {
		m.unregister(ctx, sess, protocol.ReasonProtocolError)
		return "", err
	}
	if err := conn.WriteFrame(serverHello); err != nil {
		m.unregister(ctx, sess, protocol.ReasonProtocolError)
		return "", fmt.Errorf("sending server hello: %w", err)
	}

	sess.markActive()
	m.logger.Info("agent connected",
		"agent_id", agent.ID,
		"hostname", hello.Hostname,
		"remote", conn.RemoteAddr(),
		"session_id", sess.ID,
	)
	m.publishLifecycle(LifecycleEvent{AgentID: agent.ID, State: LifecycleConnected})

	go sess.writerPump(m.cfg.HeartbeatInterval)
	go m.heartbeatMonitor(sess)

	m.readLoop(ctx, sess)
	m.unregister(ctx, sess, protocol.ReasonProtocolError)
	return sess.ID, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// register installs the session, superseding any existing one for the agent.
// The swap is a single critical section; the superseded session's undelivered
// command frames are re-offered to the router.
func (m *Manager) register(ctx context.Context, sess *Session) {
	sh := m.shardFor(sess.AgentID)

	sh.mu.Lock()
	old := sh.sessions[sess.AgentID]
	sh.sessions[sess.AgentID] = sess
	sh.mu.Unlock()

	if old == nil {
		return
	}

	m.logger.Info("session superseded",
		"agent_id", sess.AgentID,
		"old_session", old.ID,
		"new_session", sess.ID,
	)
	old.closeWithReason(protocol.ReasonSuperseded)
	m.publishLifecycle(LifecycleEvent{AgentID: sess.AgentID, State: LifecycleDisconnected})
	m.reofferUnsent(ctx, old)
}

// reofferUnsent hands undelivered ExecuteCommand frames from a dead session
// back to the router so dispatcher policy can decide retry vs fail.
func (m *Manager) reofferUnsent(ctx context.Context, sess *Session) {
	if m.router == nil {
		return
	}
	for _, frame := range sess.drainUnsent() {
		if frame.Kind != protocol.KindExecuteCommand {
			continue
		}
		var cmd protocol.ExecuteCommand
		if err := frame.Decode(&cmd); err != nil {
			m.logger.Warn("dropping undecodable queued frame", "agent_id", sess.AgentID, "error", err)
			continue
		}
		m.router.HandleUndeliveredCommand(ctx, sess.AgentID, &cmd)
	}
}

// unregister removes the session if it is still the registered one for its
// agent (a superseding session must not be evicted by its predecessor's
// cleanup) and publishes Disconnected.
func (m *Manager) unregister(ctx context.Context, sess *Session, reason protocol.CloseReason) {
	sess.closeWithReason(reason)

	sh := m.shardFor(sess.AgentID)
	sh.mu.Lock()
	current := sh.sessions[sess.AgentID]
	removed := false
	if current == sess {
		delete(sh.sessions, sess.AgentID)
		removed = true
	}
	sh.mu.Unlock()

	if removed {
		m.logger.Info("agent disconnected", "agent_id", sess.AgentID, "session_id", sess.ID)
		m.publishLifecycle(LifecycleEvent{AgentID: sess.AgentID, State: LifecycleDisconnected})
		m.reofferUnsent(ctx, sess)
	}
}

// readLoop processes inbound frames in arrival order until the transport
// fails or the session closes. Unknown kinds are logged and ignored.
func (m *Manager) readLoop(ctx context.Context, sess *Session) {
	for {
		frame, err := sess.conn.ReadFrame()
		if err != nil {
			if sess.State() < StateClosing {
				m.logger.Debug("read failed", "agent_id", sess.AgentID, "error", err)
			}
			return
		}

		sess.touchInbound()
		if err := m.store.UpdateAgentSeen(ctx, sess.AgentID, time.Now().UTC()); err != nil {
			m.logger.Warn("failed to update last seen", "agent_id", sess.AgentID, "error", err)
		}

		switch frame.Kind {
		case protocol.KindHeartbeat:
			// The deadline reset above is the whole effect.

		case protocol.KindMetricFrame:
			var mf protocol.MetricFrame
			if err := frame.Decode(&mf); err != nil {
				m.logger.Warn("bad metric frame", "agent_id", sess.AgentID, "error", err)
				continue
			}
			m.router.HandleMetricFrame(ctx, sess.AgentID, &mf)

		case protocol.KindCommandAck:
			var ack protocol.CommandAck
			if err := frame.Decode(&ack); err != nil {
				m.logger.Warn("bad command ack", "agent_id", sess.AgentID, "error", err)
				continue
			}
			m.router.HandleCommandAck(ctx, sess.AgentID, &ack)

		case protocol.KindCommandStarted:
			var started protocol.CommandStarted
			if err := frame.Decode(&started); err != nil {
				m.logger.Warn("bad command started", "agent_id", sess.AgentID, "error", err)
				continue
			}
			m.router.HandleCommandStarted(ctx, sess.AgentID, &started)

		case protocol.KindCommandOutputChunk:
			var chunk protocol.CommandOutputChunk
			if err := frame.Decode(&chunk); err != nil {
				m.logger.Warn("bad output chunk", "agent_id", sess.AgentID, "error", err)
				continue
			}
			m.router.HandleCommandOutputChunk(ctx, sess.AgentID, &chunk)

		case protocol.KindCommandCompleted:
			var completed protocol.CommandCompleted
			if err := frame.Decode(&completed); err != nil {
				m.logger.Warn("bad command completed", "agent_id", sess.AgentID, "error", err)
				continue
			}
			m.router.HandleCommandCompleted(ctx, sess.AgentID, &completed)

		case protocol.KindDockerInventory:
			var inv protocol.DockerInventory
			if err := frame.Decode(&inv); err != nil {
				m.logger.Warn("bad docker inventory", "agent_id", sess.AgentID, "error", err)
				continue
			}
			m.router.HandleDockerInventory(ctx, sess.AgentID, &inv)

		case protocol.KindServiceMonitorResult:
			var result protocol.ServiceMonitorResult
			if err := frame.Decode(&result); err != nil {
				m.logger.Warn("bad monitor result", "agent_id", sess.AgentID, "error", err)
				continue
			}
			m.router.HandleMonitorResult(ctx, sess.AgentID, &result)

		case protocol.KindAgentHello:
			m.logger.Warn("received duplicate hello", "agent_id", sess.AgentID)

		default:
			// Forward compatibility: unknown kinds are ignored.
			m.logger.Warn("received unknown frame kind",
				"agent_id", sess.AgentID, "kind", frame.Kind)
		}
	}
}

// heartbeatMonitor enforces the heartbeat deadline: two silent intervals mark
// the session stale, a third closes it.
func (m *Manager) heartbeatMonitor(sess *Session) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	staleNotified := false
	for {
		select {
		case <-ticker.C:
			switch sess.checkHeartbeat(m.cfg.HeartbeatInterval) {
			case healthExpired:
				m.logger.Warn("heartbeat expired, closing session", "agent_id", sess.AgentID)
				sess.closeWithReason(protocol.ReasonHeartbeatLost)
				return
			case healthStale:
				if !staleNotified {
					staleNotified = true
					m.logger.Warn("heartbeat stale", "agent_id", sess.AgentID)
					m.publishLifecycle(LifecycleEvent{AgentID: sess.AgentID, State: LifecycleHeartbeatStale})
				}
			case healthOK:
				staleNotified = false
			}
		case <-sess.done:
			return
		}
	}
}

// TrySend routes a frame to a connected agent without blocking.
// Fails with ErrAgentNotConnected or ErrSendBufferFull.
func (m *Manager) TrySend(agentID int64, frame *protocol.Frame) error {
	sh := m.shardFor(agentID)
	sh.mu.RLock()
	sess, ok := sh.sessions[agentID]
	sh.mu.RUnlock()

	if !ok {
		return ErrAgentNotConnected
	}
	return sess.TrySend(frame)
}

// Broadcast sends a frame to each listed agent and returns the per-agent
// outcome map. A nil value means the frame was enqueued.
func (m *Manager) Broadcast(agentIDs []int64, frame *protocol.Frame) map[int64]error {
	results := make(map[int64]error, len(agentIDs))
	for _, id := range agentIDs {
		results[id] = m.TrySend(id, frame)
	}
	return results
}

// IsOnline reports whether an agent has a live session.
func (m *Manager) IsOnline(agentID int64) bool {
	sh := m.shardFor(agentID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.sessions[agentID]
	return ok
}

// ConnectedAgents returns the IDs of all agents with live sessions.
func (m *Manager) ConnectedAgents() []int64 {
	var ids []int64
	for _, sh := range m.shards {
		sh.mu.RLock()
		for id := range sh.sessions {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	return ids
}

// SubscribeLifecycle returns a channel of lifecycle events and a cancel
// function. Events are dropped with a warning if the subscriber falls more
// than the buffer behind.
func (m *Manager) SubscribeLifecycle() (<-chan LifecycleEvent, func()) {
	id := uuid.New().String()
	ch := make(chan LifecycleEvent, 256)

	m.lifecycleMu.Lock()
	m.lifecycleSubs[id] = ch
	m.lifecycleMu.Unlock()

	cancel := func() {
		m.lifecycleMu.Lock()
		if sub, ok := m.lifecycleSubs[id]; ok {
			delete(m.lifecycleSubs, id)
			close(sub)
		}
		m.lifecycleMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publishLifecycle(event LifecycleEvent) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	for _, ch := range m.lifecycleSubs {
		select {
		case ch <- event:
		default:
			m.logger.Warn("lifecycle subscriber lagging, dropping event",
				"agent_id", event.AgentID, "state", event.State)
		}
	}
}

// Shutdown tells all agents the server is going away, then closes every
// session. New Accepts are refused once shutdown begins.
func (m *Manager) Shutdown(ctx context.Context, backoff time.Duration) {
	m.shutdownMu.Lock()
	m.shuttingDown = true
	m.shutdownMu.Unlock()

	frame, err := protocol.NewFrame(protocol.KindServerShuttingDown,
		&protocol.ServerShuttingDown{BackoffSeconds: int64(backoff.Seconds())})
	if err == nil {
		for _, id := range m.ConnectedAgents() {
			_ = m.TrySend(id, frame)
		}
	}

	// Bounded grace so the shutdown frames can flush.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}

	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			sess.closeWithReason(protocol.ReasonShuttingDown)
			delete(sh.sessions, id)
		}
		sh.mu.Unlock()
	}

	m.logger.Info("session manager shut down")
}

// HashToken exposes the token hashing used for agent registration so the API
// layer stores the same digest the handshake compares against.
func HashToken(token string) string { return hashToken(token) }
