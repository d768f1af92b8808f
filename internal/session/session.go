// ABOUTME: Represents a single connected agent session over its framed transport
// ABOUTME: Owns the bounded outbound queue, writer pump and heartbeat bookkeeping

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/internal/protocol"
)

// ErrSendBufferFull indicates the session's outbound queue is at capacity.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrSessionClosed indicates the session is closing or closed.
var ErrSessionClosed = errors.New("session closed")

// Conn is the framed transport under a session. Implemented by the websocket
// wrapper in production and by fakes in tests.
type Conn interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(*protocol.Frame) error
	Close(reason protocol.CloseReason) error
	RemoteAddr() string
}

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateStale
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Session is one live agent connection. Exactly one session per agent is
// registered with the Manager at a time; reconnects supersede the old one.
type Session struct {
	ID      string // unique per connection, distinguishes superseded sessions
	AgentID int64

	conn     Conn
	outbound chan *protocol.Frame
	done     chan struct{}

	mu          sync.Mutex
	state       State
	lastInbound time.Time
	closeReason protocol.CloseReason

	logger *slog.Logger
}

// NewSession wraps an accepted transport. The writer pump is started by the
// Manager once the handshake completes.
func NewSession(id string, agentID int64, conn Conn, queueSize int, logger *slog.Logger) *Session {
	return &Session{
		ID:          id,
		AgentID:     agentID,
		conn:        conn,
		outbound:    make(chan *protocol.Frame, queueSize),
		done:        make(chan struct{}),
		state:       StateHandshaking,
		lastInbound: time.Now(),
		logger:      logger,
	}
}

// TrySend enqueues a frame without blocking. Fails fast with
// ErrSendBufferFull when the queue is at capacity; the caller decides whether
// to drop or retry.
func (s *Session) TrySend(frame *protocol.Frame) error {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	select {
	case s.outbound <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// writerPump drains the outbound queue onto the transport. When the outbound
// side has been idle longer than one heartbeat interval, a Ping is
// piggybacked to keep intermediaries from timing the link out.
func (s *Session) writerPump(heartbeatInterval time.Duration) {
	idle := time.NewTimer(heartbeatInterval)
	defer idle.Stop()

	for {
		select {
		case frame := <-s.outbound:
			if err := s.conn.WriteFrame(frame); err != nil {
				s.logger.Debug("write failed, closing session", "error", err)
				s.closeWithReason(protocol.ReasonProtocolError)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(heartbeatInterval)

		case <-idle.C:
			ping, err := protocol.NewFrame(protocol.KindPing,
				&protocol.Ping{TimestampMs: time.Now().UnixMilli()})
			if err == nil {
				if err := s.conn.WriteFrame(ping); err != nil {
					s.closeWithReason(protocol.ReasonProtocolError)
					return
				}
			}
			idle.Reset(heartbeatInterval)

		case <-s.done:
			return
		}
	}
}

// touchInbound resets the heartbeat deadline. Called for every inbound frame.
func (s *Session) touchInbound() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	if s.state == StateStale {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// heartbeatHealth classifies the session against the heartbeat deadline:
// two silent intervals mark it stale, three close it.
type heartbeatHealth int

const (
	healthOK heartbeatHealth = iota
	healthStale
	healthExpired
)

func (s *Session) checkHeartbeat(interval time.Duration) heartbeatHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	silent := time.Since(s.lastInbound)
	switch {
	case silent >= 3*interval:
		return healthExpired
	case silent >= 2*interval:
		if s.state == StateActive {
			s.state = StateStale
		}
		return healthStale
	default:
		return healthOK
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) markActive() {
	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
}

// closeWithReason transitions Closing then Closed, closes the transport and
// wakes the pumps. Idempotent.
func (s *Session) closeWithReason(reason protocol.CloseReason) {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeReason = reason
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.Close(reason)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// drainUnsent empties the outbound queue after close and returns the frames
// that never reached the transport. The Manager re-offers undelivered
// ExecuteCommand frames to the dispatcher during supersession.
func (s *Session) drainUnsent() []*protocol.Frame {
	var unsent []*protocol.Frame
	for {
		select {
		case frame := <-s.outbound:
			unsent = append(unsent, frame)
		default:
			return unsent
		}
	}
}
