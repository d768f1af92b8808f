// ABOUTME: Agent registration and inventory endpoints
// ABOUTME: Registration mints the bearer token the agent handshakes with

package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetd-io/fleetd/internal/session"
	"github.com/fleetd-io/fleetd/internal/store"
)

type registerAgentRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

type registerAgentResponse struct {
	AgentID int64  `json:"agent_id"`
	Token   string `json:"token"` // shown once; only its hash is stored
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		s.mapDomainError(w, err)
		return
	}
	token := hex.EncodeToString(raw)

	agent := &store.Agent{
		UserID:    userID(r),
		Name:      req.Name,
		Tags:      req.Tags,
		TokenHash: session.HashToken(token),
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.mapDomainError(w, err)
		return
	}

	s.logger.Info("agent registered", "agent_id", agent.ID, "user_id", agent.UserID)
	s.respondJSON(w, http.StatusCreated, &registerAgentResponse{
		AgentID: agent.ID,
		Token:   token,
	})
}

type agentView struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Hostname   string     `json:"hostname,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

func (s *Server) agentView(agent *store.Agent) *agentView {
	return &agentView{
		ID:         agent.ID,
		Name:       agent.Name,
		Hostname:   agent.Hostname,
		Tags:       agent.Tags,
		Online:     s.manager.IsOnline(agent.ID),
		LastSeenAt: agent.LastSeenAt,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgentsByUser(r.Context(), userID(r))
	if err != nil {
		s.mapDomainError(w, err)
		return
	}

	views := make([]*agentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, s.agentView(agent))
	}
	s.respondJSON(w, http.StatusOK, views)
}

// ownedAgent loads an agent and enforces ownership.
func (s *Server) ownedAgent(w http.ResponseWriter, r *http.Request) *store.Agent {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid agent id")
		return nil
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.mapDomainError(w, err)
		return nil
	}
	if agent.UserID != userID(r) {
		s.respondError(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return agent
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	s.respondJSON(w, http.StatusOK, s.agentView(agent))
}

type updateAgentRequest struct {
	Name *string   `json:"name,omitempty"`
	Tags *[]string `json:"tags,omitempty"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Tags != nil {
		agent.Tags = *req.Tags
	}

	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.agentView(agent))
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	sinceMs := int64(0)
	if raw := r.URL.Query().Get("since_ms"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since_ms")
			return
		}
		sinceMs = parsed
	}
	limit := 1000
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	rows, err := s.store.ListMetricsSince(r.Context(), agent.ID, sinceMs, limit)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAgentContainers(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	rows, err := s.store.ListContainers(r.Context(), agent.ID)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rows)
}
