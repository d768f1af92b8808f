// ABOUTME: Alert rule, alert event and notification channel endpoints
// ABOUTME: Rule mutations propagate to the live engine; channel configs encrypt at rest

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fleetd-io/fleetd/internal/crypto"
	"github.com/fleetd-io/fleetd/internal/store"
)

var validMetricTypes = map[string]bool{
	store.MetricCPUPercent:       true,
	store.MetricMemUsedPercent:   true,
	store.MetricDiskUsedPercent:  true,
	store.MetricNetRxBytesRate:   true,
	store.MetricNetTxBytesRate:   true,
	store.MetricServiceUp:        true,
	store.MetricServiceLatencyMs: true,
}

var validOperators = map[store.CompareOp]bool{
	store.OpLess: true, store.OpLessEq: true, store.OpEqual: true,
	store.OpGreaterEq: true, store.OpGreater: true, store.OpNotEqual: true,
}

type ruleRequest struct {
	AgentID         *int64  `json:"agent_id,omitempty"`
	MetricType      string  `json:"metric_type"`
	Threshold       float64 `json:"threshold"`
	Operator        string  `json:"operator"`
	DurationSeconds int64   `json:"duration_seconds"`
	CooldownSeconds int64   `json:"cooldown_seconds"`
	Active          *bool   `json:"active,omitempty"`
	ChannelIDs      []int64 `json:"channel_ids,omitempty"`
}

func (s *Server) validateRule(w http.ResponseWriter, r *http.Request, req *ruleRequest) bool {
	if !validMetricTypes[req.MetricType] {
		s.respondError(w, http.StatusBadRequest, "unknown metric type")
		return false
	}
	if !validOperators[store.CompareOp(req.Operator)] {
		s.respondError(w, http.StatusBadRequest, "unknown operator")
		return false
	}
	if req.DurationSeconds < 0 || req.CooldownSeconds < 0 {
		s.respondError(w, http.StatusBadRequest, "durations must be non-negative")
		return false
	}
	if req.AgentID != nil {
		agent, err := s.store.GetAgent(r.Context(), *req.AgentID)
		if err != nil || agent.UserID != userID(r) {
			s.respondError(w, http.StatusBadRequest, "unknown agent")
			return false
		}
	}
	for _, channelID := range req.ChannelIDs {
		channel, err := s.store.GetChannel(r.Context(), channelID)
		if err != nil || channel.UserID != userID(r) {
			s.respondError(w, http.StatusBadRequest, "unknown channel")
			return false
		}
	}
	return true
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.validateRule(w, r, &req) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rule := &store.AlertRule{
		UserID:          userID(r),
		AgentID:         req.AgentID,
		MetricType:      req.MetricType,
		Threshold:       req.Threshold,
		Operator:        store.CompareOp(req.Operator),
		DurationSeconds: req.DurationSeconds,
		CooldownSeconds: req.CooldownSeconds,
		Active:          active,
		ChannelIDs:      req.ChannelIDs,
	}
	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		s.mapDomainError(w, err)
		return
	}

	s.engine.UpsertRule(r.Context(), rule)
	s.respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRulesByUser(r.Context(), userID(r))
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	if rules == nil {
		rules = []*store.AlertRule{}
	}
	s.respondJSON(w, http.StatusOK, rules)
}

// ownedRule loads a rule and enforces ownership.
func (s *Server) ownedRule(w http.ResponseWriter, r *http.Request) *store.AlertRule {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid rule id")
		return nil
	}
	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.mapDomainError(w, err)
		return nil
	}
	if rule.UserID != userID(r) {
		s.respondError(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return rule
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule := s.ownedRule(w, r)
	if rule == nil {
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.validateRule(w, r, &req) {
		return
	}

	rule.AgentID = req.AgentID
	rule.MetricType = req.MetricType
	rule.Threshold = req.Threshold
	rule.Operator = store.CompareOp(req.Operator)
	rule.DurationSeconds = req.DurationSeconds
	rule.CooldownSeconds = req.CooldownSeconds
	rule.ChannelIDs = req.ChannelIDs
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		s.mapDomainError(w, err)
		return
	}

	s.engine.UpsertRule(r.Context(), rule)
	s.respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule := s.ownedRule(w, r)
	if rule == nil {
		return
	}

	// Deactivate first so open events close with a distinguishable reason.
	s.engine.DeactivateRule(r.Context(), rule.ID)
	if err := s.store.DeleteRule(r.Context(), rule.ID); err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListAlertEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	events, err := s.store.ListAlertEventsByUser(r.Context(), userID(r), limit)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	if events == nil {
		events = []*store.AlertEvent{}
	}
	s.respondJSON(w, http.StatusOK, events)
}

type createChannelRequest struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Type != "telegram" && req.Type != "webhook" {
		s.respondError(w, http.StatusBadRequest, "type must be telegram or webhook")
		return
	}
	if len(req.Config) == 0 || !json.Valid(req.Config) {
		s.respondError(w, http.StatusBadRequest, "config must be a JSON object")
		return
	}

	encrypted, err := crypto.Encrypt(string(req.Config), s.cfg.EncryptionKey)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}

	channel := &store.NotificationChannel{
		UserID:          userID(r),
		Name:            req.Name,
		Type:            req.Type,
		ConfigEncrypted: encrypted,
	}
	if err := s.store.CreateChannel(r.Context(), channel); err != nil {
		s.mapDomainError(w, err)
		return
	}

	// Config is never echoed back, encrypted or not.
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"id": channel.ID, "name": channel.Name, "type": channel.Type,
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannelsByUser(r.Context(), userID(r))
	if err != nil {
		s.mapDomainError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(channels))
	for _, channel := range channels {
		views = append(views, map[string]any{
			"id": channel.ID, "name": channel.Name, "type": channel.Type,
		})
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	channel, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	if channel.UserID != userID(r) {
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := s.store.DeleteChannel(r.Context(), id); err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}
