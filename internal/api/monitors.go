// ABOUTME: Service monitor endpoints; mutations push the refreshed probe set
// ABOUTME: to the owning agent when it is online

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/store"
)

var validMonitorKinds = map[string]bool{"http": true, "tcp": true, "ping": true}

type createMonitorRequest struct {
	Kind            string `json:"kind"`
	Target          string `json:"target"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req createMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validMonitorKinds[req.Kind] {
		s.respondError(w, http.StatusBadRequest, "kind must be http, tcp or ping")
		return
	}
	if req.Target == "" {
		s.respondError(w, http.StatusBadRequest, "target is required")
		return
	}
	if req.IntervalSeconds < 5 {
		s.respondError(w, http.StatusBadRequest, "interval must be at least 5 seconds")
		return
	}

	monitor := &store.ServiceMonitor{
		UserID:          userID(r),
		AgentID:         agent.ID,
		Kind:            req.Kind,
		Target:          req.Target,
		IntervalSeconds: req.IntervalSeconds,
		Active:          true,
	}
	if err := s.store.CreateMonitor(r.Context(), monitor); err != nil {
		s.mapDomainError(w, err)
		return
	}

	s.pushMonitors(r.Context(), agent.ID)
	s.respondJSON(w, http.StatusCreated, monitor)
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	monitors, err := s.store.ListMonitorsForAgent(r.Context(), agent.ID)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, monitors)
}

func (s *Server) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid monitor id")
		return
	}

	// Ownership check walks monitor -> agent -> user.
	var owned *store.ServiceMonitor
	agents, err := s.store.ListAgentsByUser(r.Context(), userID(r))
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	for _, agent := range agents {
		monitors, err := s.store.ListMonitorsForAgent(r.Context(), agent.ID)
		if err != nil {
			s.mapDomainError(w, err)
			return
		}
		for _, monitor := range monitors {
			if monitor.ID == id {
				owned = monitor
				break
			}
		}
	}
	if owned == nil {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.store.DeleteMonitor(r.Context(), id); err != nil {
		s.mapDomainError(w, err)
		return
	}

	s.pushMonitors(r.Context(), owned.AgentID)
	s.respondJSON(w, http.StatusNoContent, nil)
}

// pushMonitors sends the agent its current probe set, best effort. Offline
// agents pick the set up from ListMonitorsForAgent on their next handshake.
func (s *Server) pushMonitors(ctx context.Context, agentID int64) {
	monitors, err := s.store.ListMonitorsForAgent(ctx, agentID)
	if err != nil {
		s.logger.Warn("loading monitors for push", "agent_id", agentID, "error", err)
		return
	}

	specs := make([]protocol.MonitorSpec, 0, len(monitors))
	for _, monitor := range monitors {
		specs = append(specs, protocol.MonitorSpec{
			MonitorID:       monitor.ID,
			Kind:            monitor.Kind,
			Target:          monitor.Target,
			IntervalSeconds: monitor.IntervalSeconds,
		})
	}

	frame, err := protocol.NewFrame(protocol.KindReloadServiceMonitors,
		&protocol.ReloadServiceMonitors{Monitors: specs})
	if err != nil {
		return
	}
	if err := s.manager.TrySend(agentID, frame); err != nil {
		s.logger.Debug("monitor push skipped", "agent_id", agentID, "error", err)
	}
}
