// ABOUTME: Batch command endpoints: create, inspect, list and cancel
// ABOUTME: Thin translation layer over the dispatcher

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetd-io/fleetd/internal/dispatch"
	"github.com/fleetd-io/fleetd/internal/store"
)

type createBatchRequest struct {
	Command        string               `json:"command"`
	WorkingDir     string               `json:"working_dir,omitempty"`
	Target         store.TargetSelector `json:"target"`
	QueueIfOffline *bool                `json:"queue_if_offline"`
	TimeoutSeconds int64                `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batchID, err := s.dispatcher.CreateBatch(r.Context(), userID(r), &dispatch.BatchRequest{
		Command:        req.Command,
		WorkingDir:     req.WorkingDir,
		Target:         req.Target,
		QueueIfOffline: req.QueueIfOffline,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		s.mapDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]string{"batch_id": batchID})
}

type childView struct {
	ID           string     `json:"id"`
	AgentID      int64      `json:"agent_id"`
	Status       string     `json:"status"`
	ExitCode     *int64     `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type batchView struct {
	ID          string       `json:"id"`
	Command     string       `json:"command"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Children    []*childView `json:"children,omitempty"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	detail, err := s.dispatcher.GetBatch(r.Context(), userID(r), mux.Vars(r)["id"])
	if err != nil {
		s.mapDomainError(w, err)
		return
	}

	view := &batchView{
		ID:          detail.Batch.ID,
		Command:     detail.Batch.Command,
		Status:      string(detail.Batch.Status),
		CreatedAt:   detail.Batch.CreatedAt,
		CompletedAt: detail.Batch.CompletedAt,
	}
	for _, child := range detail.Children {
		view.Children = append(view.Children, &childView{
			ID:           child.ID,
			AgentID:      child.AgentID,
			Status:       string(child.Status),
			ExitCode:     child.ExitCode,
			ErrorMessage: child.ErrorMessage,
			StartedAt:    child.StartedAt,
			CompletedAt:  child.CompletedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	filter := store.BatchFilter{Limit: 50}
	query := r.URL.Query()
	if raw := query.Get("status"); raw != "" {
		filter.Status = store.BatchStatus(raw)
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = parsed
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = parsed
	}

	batches, err := s.dispatcher.ListBatches(r.Context(), userID(r), filter)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}

	views := make([]*batchView, 0, len(batches))
	for _, batch := range batches {
		views = append(views, &batchView{
			ID:          batch.ID,
			Command:     batch.Command,
			Status:      string(batch.Status),
			CreatedAt:   batch.CreatedAt,
			CompletedAt: batch.CompletedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.CancelBatch(r.Context(), userID(r), mux.Vars(r)["id"]); err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}
