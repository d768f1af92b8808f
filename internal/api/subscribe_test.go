// ABOUTME: Tests for the websocket subscribe bridge: topic authorization and
// ABOUTME: event delivery from the broadcaster to API clients

package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd-io/fleetd/internal/broadcast"
)

// dialSubscribe opens a websocket to /ws/subscribe with the given topics.
func dialSubscribe(t *testing.T, env *apiEnv, token string, topics ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/subscribe"
	query := url.Values{"token": {token}}
	for _, topic := range topics {
		query.Add("topic", topic)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?"+query.Encode(), nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func TestSubscribe_Authorization(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")

	t.Run("no topic", func(t *testing.T) {
		_, resp, err := dialSubscribe(t, env, env.token)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("foreign agent topic", func(t *testing.T) {
		otherToken, err := env.server.IssueToken(2, time.Hour)
		require.NoError(t, err)
		_, resp, err := dialSubscribe(t, env, otherToken,
			fmt.Sprintf("agent/%d/metrics", agentID))
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("foreign alerts topic", func(t *testing.T) {
		_, resp, err := dialSubscribe(t, env, env.token, "alerts/user/2")
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown batch topic", func(t *testing.T) {
		_, resp, err := dialSubscribe(t, env, env.token, "batch/no-such-batch")
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unparseable topic", func(t *testing.T) {
		_, resp, err := dialSubscribe(t, env, env.token, "what/is/this/even/here")
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := dialSubscribe(t, env, "", "alerts/user/1")
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestSubscribe_DeliversEvents(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")
	topic := fmt.Sprintf("agent/%d/metrics", agentID)

	conn, _, err := dialSubscribe(t, env, env.token, topic)
	require.NoError(t, err)

	// The server-side subscription races the dial completing; keep publishing
	// until the bridge picks one up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.server.bus.Publish(&broadcast.Event{
					Topic: topic, Type: broadcast.TypeMetrics,
					Payload: map[string]any{"cpu_percent": 42.0},
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event broadcast.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, broadcast.TypeMetrics, event.Type)
	assert.Equal(t, topic, event.Topic)
}

func TestSubscribe_MergesTopics(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")
	metricsTopic := fmt.Sprintf("agent/%d/metrics", agentID)
	stateTopic := fmt.Sprintf("agent/%d/state", agentID)

	conn, _, err := dialSubscribe(t, env, env.token, metricsTopic, stateTopic)
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.server.bus.Publish(&broadcast.Event{Topic: metricsTopic, Type: broadcast.TypeMetrics})
				env.server.bus.Publish(&broadcast.Event{Topic: stateTopic, Type: broadcast.TypeState})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	seen := map[broadcast.EventType]bool{}
	for !seen[broadcast.TypeMetrics] || !seen[broadcast.TypeState] {
		var event broadcast.Event
		require.NoError(t, conn.ReadJSON(&event), "both topics should deliver")
		seen[event.Type] = true
	}
}
