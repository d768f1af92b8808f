// ABOUTME: Agent-facing websocket listener; upgrades connections and hands
// ABOUTME: them to the session manager for handshake and the session lifetime

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetd-io/fleetd/internal/session"
)

// AgentLink is the listener agents dial. One websocket upgrade per agent;
// the connection then belongs to the session manager until it dies.
type AgentLink struct {
	manager  *session.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewAgentLink builds the listener on addr.
func NewAgentLink(addr string, manager *session.Manager, logger *slog.Logger) *AgentLink {
	link := &AgentLink{
		manager: manager,
		logger:  logger.With("component", "agentlink"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Agents authenticate with bearer tokens, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", link.handleAgent)
	link.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return link
}

func (l *AgentLink) handleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := session.NewWSConn(ws)
	if _, err := l.manager.Accept(r.Context(), conn); err != nil {
		l.logger.Debug("session ended with error", "remote", r.RemoteAddr, "error", err)
	}
}

// ListenAndServe blocks serving agent connections.
func (l *AgentLink) ListenAndServe() error {
	l.logger.Info("agent link listening", "addr", l.server.Addr)
	if err := l.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("agent link: %w", err)
	}
	return nil
}

// Shutdown stops accepting new agents. Live sessions are closed separately by
// the session manager's own shutdown.
func (l *AgentLink) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}
