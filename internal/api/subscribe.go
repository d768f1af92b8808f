// ABOUTME: Websocket bridge from the in-memory broadcaster to API clients
// ABOUTME: Validates topic ownership, merges topics onto one socket

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetd-io/fleetd/internal/broadcast"
)

var subscribeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleSubscribe bridges one websocket to one or more broadcast topics.
// Topics are passed as repeated ?topic= query parameters.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		s.respondError(w, http.StatusBadRequest, "at least one topic is required")
		return
	}
	for _, topic := range topics {
		ok, err := s.authorizeTopic(r.Context(), userID(r), topic)
		if err != nil {
			s.mapDomainError(w, err)
			return
		}
		if !ok {
			s.respondError(w, http.StatusForbidden, "forbidden topic: "+topic)
			return
		}
	}

	ws, err := subscribeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("subscribe upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	merged := make(chan *broadcast.Event, 64)
	var wg sync.WaitGroup
	for _, topic := range topics {
		events, _ := s.bus.Subscribe(ctx, topic)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range events {
				select {
				case merged <- event:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	// Reader only to observe the close; clients do not send payloads.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range merged {
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteJSON(event); err != nil {
			return
		}
	}
}

// authorizeTopic checks that the topic's owning resource belongs to the user.
func (s *Server) authorizeTopic(ctx context.Context, uid int64, topic string) (bool, error) {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 3 && parts[0] == "agent":
		agentID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return false, nil
		}
		agent, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return false, err
		}
		return agent.UserID == uid, nil

	case (len(parts) == 2 || len(parts) == 4) && parts[0] == "batch":
		batch, err := s.store.GetBatch(ctx, parts[1])
		if err != nil {
			return false, err
		}
		return batch.UserID == uid, nil

	case len(parts) == 3 && parts[0] == "alerts" && parts[1] == "user":
		ownerID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return false, nil
		}
		return ownerID == uid, nil

	default:
		return false, nil
	}
}
