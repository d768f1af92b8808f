// ABOUTME: Tests for the HTTP API: auth, agent registration, batch commands,
// ABOUTME: alert rules and channels, exercised over httptest

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd-io/fleetd/internal/alert"
	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/dispatch"
	"github.com/fleetd-io/fleetd/internal/session"
	"github.com/fleetd-io/fleetd/internal/store"
)

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, alert.Notification, []int64) {}

type apiEnv struct {
	server *Server
	ts     *httptest.Server
	st     *store.SQLiteStore
	token  string // user 1
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := broadcast.New(nil)
	t.Cleanup(bus.Close)

	logger := slog.Default()
	manager := session.NewManager(st, session.Config{
		HeartbeatInterval: time.Minute,
		OutboundQueueSize: 64,
		ServerVersion:     "test",
	}, logger)

	dispatcher := dispatch.New(st, manager, bus, dispatch.Config{
		SendAckTimeout:      time.Minute,
		ChildTimeoutDefault: time.Minute,
		ChildTimeoutMax:     2 * time.Minute,
		CancelGrace:         time.Minute,
		LogRoot:             t.TempDir(),
		ChildLogCapBytes:    1 << 20,
		MaxCommandPayload:   1024,
	}, logger)

	engine := alert.NewEngine(st, bus, noopNotifier{}, logger)

	server := New(st, dispatcher, manager, bus, engine, Config{
		Addr:          "127.0.0.1:0",
		JWTSecret:     "test-secret",
		EncryptionKey: "test-encryption-key",
	}, logger)

	ts := httptest.NewServer(server.http.Handler)
	t.Cleanup(ts.Close)

	token, err := server.IssueToken(1, time.Hour)
	require.NoError(t, err)

	return &apiEnv{server: server, ts: ts, st: st, token: token}
}

// do issues a request with the given bearer token; empty body sends no payload.
func (e *apiEnv) do(t *testing.T, method, path, token string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (e *apiEnv) registerAgent(t *testing.T, name string, tags ...string) int64 {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/agents", e.token,
		map[string]any{"name": name, "tags": tags})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var reg struct {
		AgentID int64  `json:"agent_id"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &reg))
	return reg.AgentID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := setupAPI(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok"`)
}

func TestAuth(t *testing.T) {
	env := setupAPI(t)

	t.Run("missing token", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/agents", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/agents", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired token", func(t *testing.T) {
		expired, err := env.server.IssueToken(1, -time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodGet, "/api/agents", expired, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token signed with another secret", func(t *testing.T) {
		other := &Server{cfg: Config{JWTSecret: "other"}}
		forged, err := other.IssueToken(1, time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodGet, "/api/agents", forged, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("query parameter fallback for websocket clients", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/agents?token="+env.token, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRegisterAgent(t *testing.T) {
	env := setupAPI(t)

	resp, body := env.do(t, http.MethodPost, "/api/agents", env.token,
		map[string]any{"name": "web-1", "tags": []string{"web", "prod"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg struct {
		AgentID int64  `json:"agent_id"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &reg))
	assert.NotZero(t, reg.AgentID)
	assert.Len(t, reg.Token, 64, "token is 32 random bytes hex encoded")

	// Only the hash lands in the repository.
	agent, err := env.st.GetAgent(context.Background(), reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, session.HashToken(reg.Token), agent.TokenHash)
	assert.NotEqual(t, reg.Token, agent.TokenHash)

	t.Run("name required", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/agents", env.token, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAgentOwnership(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")
	otherToken, err := env.server.IssueToken(2, time.Hour)
	require.NoError(t, err)

	t.Run("foreign agent is forbidden", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, fmt.Sprintf("/api/agents/%d", agentID), otherToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("foreign list is empty", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/agents", otherToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "[]\n", string(body))
	})

	t.Run("unknown agent", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/agents/9999", env.token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed id", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/agents/abc", env.token, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestUpdateAgent(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1", "web")

	resp, body := env.do(t, http.MethodPut, fmt.Sprintf("/api/agents/%d", agentID), env.token,
		map[string]any{"name": "web-primary", "tags": []string{"web", "primary"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		Name   string   `json:"name"`
		Tags   []string `json:"tags"`
		Online bool     `json:"online"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "web-primary", view.Name)
	assert.Equal(t, []string{"web", "primary"}, view.Tags)
	assert.False(t, view.Online, "no live session for this agent")
}

func TestBatchEndpoints(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")

	createReq := func(mutate func(map[string]any)) map[string]any {
		req := map[string]any{
			"command":          "uptime",
			"target":           map[string]any{"agent_ids": []int64{agentID}},
			"queue_if_offline": true,
		}
		if mutate != nil {
			mutate(req)
		}
		return req
	}

	var batchID string
	t.Run("create queues against the offline agent", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/batch-commands", env.token, createReq(nil))
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

		var created map[string]string
		require.NoError(t, json.Unmarshal(body, &created))
		batchID = created["batch_id"]
		require.NotEmpty(t, batchID)
	})

	t.Run("get shows pending children", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/batch-commands/"+batchID, env.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var view struct {
			Status   string `json:"status"`
			Children []struct {
				AgentID int64  `json:"agent_id"`
				Status  string `json:"status"`
			} `json:"children"`
		}
		require.NoError(t, json.Unmarshal(body, &view))
		require.Len(t, view.Children, 1)
		assert.Equal(t, agentID, view.Children[0].AgentID)
		assert.Equal(t, "pending", view.Children[0].Status)
	})

	t.Run("list includes the batch", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/batch-commands", env.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), batchID)
	})

	t.Run("cancel then cancel again conflicts", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, "/api/batch-commands/"+batchID, env.token, nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, _ = env.do(t, http.MethodDelete, "/api/batch-commands/"+batchID, env.token, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("missing queue flag", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/batch-commands", env.token,
			createReq(func(m map[string]any) { delete(m, "queue_if_offline") }))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "queue_if_offline")
	})

	t.Run("oversized payload", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/batch-commands", env.token,
			createReq(func(m map[string]any) { m["command"] = bytes.Repeat([]byte("x"), 2048) }))
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("no target mode", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/batch-commands", env.token,
			createReq(func(m map[string]any) { m["target"] = map[string]any{} }))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("foreign batch is forbidden", func(t *testing.T) {
		otherToken, err := env.server.IssueToken(2, time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodGet, "/api/batch-commands/"+batchID, otherToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("invalid list limit", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/batch-commands?limit=zero", env.token, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAlertRuleEndpoints(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")

	ruleReq := func(mutate func(map[string]any)) map[string]any {
		req := map[string]any{
			"metric_type":      "cpu_percent",
			"threshold":        90,
			"operator":         ">",
			"duration_seconds": 60,
			"cooldown_seconds": 300,
		}
		if mutate != nil {
			mutate(req)
		}
		return req
	}

	var ruleID int64
	t.Run("create", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/alert-rules", env.token, ruleReq(nil))
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

		var rule store.AlertRule
		require.NoError(t, json.Unmarshal(body, &rule))
		ruleID = rule.ID
		require.NotZero(t, ruleID)
		assert.True(t, rule.Active)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			name   string
			mutate func(map[string]any)
		}{
			{"unknown metric", func(m map[string]any) { m["metric_type"] = "load_average" }},
			{"unknown operator", func(m map[string]any) { m["operator"] = "~" }},
			{"negative duration", func(m map[string]any) { m["duration_seconds"] = -1 }},
			{"unknown agent", func(m map[string]any) { m["agent_id"] = 9999 }},
			{"unknown channel", func(m map[string]any) { m["channel_ids"] = []int64{9999} }},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				resp, _ := env.do(t, http.MethodPost, "/api/alert-rules", env.token, ruleReq(tc.mutate))
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			})
		}
	})

	t.Run("update scopes the rule to an agent", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPut, fmt.Sprintf("/api/alert-rules/%d", ruleID), env.token,
			ruleReq(func(m map[string]any) { m["agent_id"] = agentID }))
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var rule store.AlertRule
		require.NoError(t, json.Unmarshal(body, &rule))
		require.NotNil(t, rule.AgentID)
		assert.Equal(t, agentID, *rule.AgentID)
	})

	t.Run("foreign rule is forbidden", func(t *testing.T) {
		otherToken, err := env.server.IssueToken(2, time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodDelete, fmt.Sprintf("/api/alert-rules/%d", ruleID), otherToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, fmt.Sprintf("/api/alert-rules/%d", ruleID), env.token, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, body := env.do(t, http.MethodGet, "/api/alert-rules", env.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "[]\n", string(body))
	})
}

func TestChannelEndpoints(t *testing.T) {
	env := setupAPI(t)

	var channelID int64
	t.Run("create never echoes the config", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/channels", env.token, map[string]any{
			"name":   "ops-telegram",
			"type":   "telegram",
			"config": map[string]string{"bot_token": "123:abc", "chat_id": "-100"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		assert.NotContains(t, string(body), "123:abc")
		assert.NotContains(t, string(body), "config")

		var created struct {
			ID int64 `json:"id"`
		}
		require.NoError(t, json.Unmarshal(body, &created))
		channelID = created.ID
		require.NotZero(t, channelID)

		// At rest the config is encrypted, not plaintext.
		channel, err := env.st.GetChannel(context.Background(), channelID)
		require.NoError(t, err)
		assert.NotContains(t, channel.ConfigEncrypted, "123:abc")
	})

	t.Run("list omits configs", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/channels", env.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "ops-telegram")
		assert.NotContains(t, string(body), "config")
	})

	t.Run("validation", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/channels", env.token, map[string]any{
			"name": "x", "type": "pager", "config": map[string]string{},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, _ = env.do(t, http.MethodPost, "/api/channels", env.token, map[string]any{
			"type": "webhook", "config": map[string]string{"url": "http://x"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "name is required")
	})

	t.Run("foreign delete is forbidden", func(t *testing.T) {
		otherToken, err := env.server.IssueToken(2, time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodDelete, fmt.Sprintf("/api/channels/%d", channelID), otherToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, fmt.Sprintf("/api/channels/%d", channelID), env.token, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestAgentMetricsEndpoint(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")
	ctx := context.Background()

	require.NoError(t, env.st.InsertMetrics(ctx, []*store.MetricRow{
		{AgentID: agentID, TimestampMs: 1000, CPUPercent: 10},
		{AgentID: agentID, TimestampMs: 2000, CPUPercent: 20},
	}))

	resp, body := env.do(t, http.MethodGet,
		fmt.Sprintf("/api/agents/%d/metrics?since_ms=2000", agentID), env.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []store.MetricRow
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 20.0, rows[0].CPUPercent)

	t.Run("invalid since_ms", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet,
			fmt.Sprintf("/api/agents/%d/metrics?since_ms=abc", agentID), env.token, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAlertEventsEndpoint(t *testing.T) {
	env := setupAPI(t)
	resp, body := env.do(t, http.MethodGet, "/api/alert-events", env.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]\n", string(body))
}

func TestMonitorEndpoints(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")
	monitorsPath := fmt.Sprintf("/api/agents/%d/monitors", agentID)

	resp, body := env.do(t, http.MethodPost, monitorsPath, env.token,
		map[string]any{"kind": "http", "target": "http://127.0.0.1:8080/healthz", "interval_seconds": 30})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created store.ServiceMonitor
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, agentID, created.AgentID)
	assert.True(t, created.Active)

	t.Run("validation", func(t *testing.T) {
		cases := []map[string]any{
			{"kind": "icmp6", "target": "x", "interval_seconds": 30},
			{"kind": "http", "target": "", "interval_seconds": 30},
			{"kind": "tcp", "target": "db:5432", "interval_seconds": 1},
		}
		for _, payload := range cases {
			resp, _ := env.do(t, http.MethodPost, monitorsPath, env.token, payload)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		}
	})

	t.Run("list", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, monitorsPath, env.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var monitors []store.ServiceMonitor
		require.NoError(t, json.Unmarshal(body, &monitors))
		require.Len(t, monitors, 1)
		assert.Equal(t, created.ID, monitors[0].ID)
	})

	t.Run("foreign agent", func(t *testing.T) {
		otherToken, err := env.server.IssueToken(2, time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodGet, monitorsPath, otherToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		otherToken, err := env.server.IssueToken(2, time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodDelete,
			fmt.Sprintf("/api/monitors/%d", created.ID), otherToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode,
			"monitors owned by others look like they do not exist")

		resp, _ = env.do(t, http.MethodDelete,
			fmt.Sprintf("/api/monitors/%d", created.ID), env.token, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, body := env.do(t, http.MethodGet, monitorsPath, env.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var monitors []store.ServiceMonitor
		require.NoError(t, json.Unmarshal(body, &monitors))
		assert.Empty(t, monitors)
	})
}

func TestAgentContainersEndpoint(t *testing.T) {
	env := setupAPI(t)
	agentID := env.registerAgent(t, "web-1")
	ctx := context.Background()

	require.NoError(t, env.st.ReplaceContainers(ctx, agentID, []*store.DockerContainerRow{
		{AgentID: agentID, ContainerID: "abc123", Name: "web", Image: "nginx:1.27", State: "running"},
	}))

	resp, body := env.do(t, http.MethodGet,
		fmt.Sprintf("/api/agents/%d/containers", agentID), env.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []store.DockerContainerRow
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "web", rows[0].Name)
	assert.Equal(t, "nginx:1.27", rows[0].Image)

	t.Run("foreign agent", func(t *testing.T) {
		otherToken, err := env.server.IssueToken(2, time.Hour)
		require.NoError(t, err)
		resp, _ := env.do(t, http.MethodGet,
			fmt.Sprintf("/api/agents/%d/containers", agentID), otherToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
