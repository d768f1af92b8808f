// ABOUTME: Tests for the batch command dispatcher and child state machine
// ABOUTME: Uses a fake sender and the :memory: SQLite store

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/session"
	"github.com/fleetd-io/fleetd/internal/store"
)

// fakeSender records frames routed toward agents and simulates connectivity.
type fakeSender struct {
	mu     sync.Mutex
	online map[int64]bool
	sent   []sentFrame
}

type sentFrame struct {
	agentID int64
	frame   *protocol.Frame
}

func newFakeSender() *fakeSender {
	return &fakeSender{online: make(map[int64]bool)}
}

func (s *fakeSender) TrySend(agentID int64, frame *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online[agentID] {
		return session.ErrAgentNotConnected
	}
	s.sent = append(s.sent, sentFrame{agentID: agentID, frame: frame})
	return nil
}

func (s *fakeSender) IsOnline(agentID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[agentID]
}

func (s *fakeSender) setOnline(agentID int64, up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[agentID] = up
}

func (s *fakeSender) framesOfKind(kind protocol.FrameKind) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []sentFrame
	for _, sf := range s.sent {
		if sf.frame.Kind == kind {
			matched = append(matched, sf)
		}
	}
	return matched
}

type dispatchEnv struct {
	d      *Dispatcher
	st     *store.SQLiteStore
	sender *fakeSender
	bus    *broadcast.Broadcaster
	cfg    Config
}

func setupDispatcher(t *testing.T, mutateCfg func(*Config)) *dispatchEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := broadcast.New(nil)
	t.Cleanup(bus.Close)

	cfg := Config{
		SendAckTimeout:      time.Minute,
		ChildTimeoutDefault: time.Minute,
		ChildTimeoutMax:     2 * time.Minute,
		CancelGrace:         time.Minute,
		LogRoot:             t.TempDir(),
		ChildLogCapBytes:    1 << 20,
		MaxCommandPayload:   1024,
	}
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	sender := newFakeSender()
	return &dispatchEnv{
		d:      New(st, sender, bus, cfg, slog.Default()),
		st:     st,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
	}
}

func (e *dispatchEnv) createAgent(t *testing.T, userID int64, online bool, tags ...string) *store.Agent {
	t.Helper()
	agent := &store.Agent{
		UserID: userID, Name: "agent", Hostname: "host",
		TokenHash: "hash-" + uuid.NewString(),
		Tags:      tags,
	}
	require.NoError(t, e.st.CreateAgent(context.Background(), agent))
	e.sender.setOnline(agent.ID, online)
	return agent
}

func boolPtr(v bool) *bool { return &v }

func (e *dispatchEnv) createBatch(t *testing.T, userID int64, req *BatchRequest) (string, []*store.ChildTask) {
	t.Helper()
	batchID, err := e.d.CreateBatch(context.Background(), userID, req)
	require.NoError(t, err)
	children, err := e.st.ListChildren(context.Background(), batchID)
	require.NoError(t, err)
	return batchID, children
}

func (e *dispatchEnv) childStatus(t *testing.T, childID string) store.ChildStatus {
	t.Helper()
	child, err := e.st.GetChild(context.Background(), childID)
	require.NoError(t, err)
	return child.Status
}

func (e *dispatchEnv) batchStatus(t *testing.T, batchID string) store.BatchStatus {
	t.Helper()
	batch, err := e.st.GetBatch(context.Background(), batchID)
	require.NoError(t, err)
	return batch.Status
}

func (e *dispatchEnv) waitChildStatus(t *testing.T, childID string, want store.ChildStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.childStatus(t, childID) == want
	}, 5*time.Second, 20*time.Millisecond, "child never reached %s", want)
}

// runChild walks a child through ack and started so completion is legal.
func (e *dispatchEnv) runChild(t *testing.T, agentID int64, childID string) {
	t.Helper()
	ctx := context.Background()
	e.d.HandleCommandAck(ctx, agentID, &protocol.CommandAck{ChildID: childID, Accepted: true})
	e.d.HandleCommandStarted(ctx, agentID, &protocol.CommandStarted{
		ChildID: childID, StartedAtMs: time.Now().UnixMilli()})
}

func TestCreateBatch_Validation(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	ctx := context.Background()

	t.Run("queue flag is required", func(t *testing.T) {
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			Command: "uptime",
			Target:  store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		require.ErrorIs(t, err, ErrQueueFlagMissing)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		require.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("payload too large", func(t *testing.T) {
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			Command:        strings.Repeat("x", 2048),
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("no target mode", func(t *testing.T) {
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			Command: "uptime", QueueIfOffline: boolPtr(false),
		})
		require.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("two target modes", func(t *testing.T) {
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}, AllOwned: true},
		})
		require.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{9999}},
		})
		require.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("foreign agent", func(t *testing.T) {
		foreign := env.createAgent(t, 2, true)
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{foreign.ID}},
		})
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("tags matching nothing", func(t *testing.T) {
		_, err := env.d.CreateBatch(ctx, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{Tags: []string{"no-such-tag"}},
		})
		require.ErrorIs(t, err, ErrEmptyTargetSet)
	})
}

func TestCreateBatch_TimeoutClamping(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	ctx := context.Background()

	t.Run("zero uses default", func(t *testing.T) {
		batchID, _ := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		batch, err := env.st.GetBatch(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, int64(60), batch.TimeoutSeconds)
	})

	t.Run("excessive is clamped to max", func(t *testing.T) {
		batchID, _ := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			TimeoutSeconds: 100000,
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		batch, err := env.st.GetBatch(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, int64(120), batch.TimeoutSeconds)
	})
}

func TestBatchLifecycle_AllSucceed(t *testing.T) {
	env := setupDispatcher(t, nil)
	first := env.createAgent(t, 1, true)
	second := env.createAgent(t, 1, true)
	ctx := context.Background()

	batchID, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		WorkingDir:     "/srv",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{first.ID, second.ID}},
	})
	require.Len(t, children, 2)

	// Both children hit the wire.
	execs := env.sender.framesOfKind(protocol.KindExecuteCommand)
	require.Len(t, execs, 2)
	var cmd protocol.ExecuteCommand
	require.NoError(t, execs[0].frame.Decode(&cmd))
	assert.Equal(t, "uptime", cmd.Payload)
	assert.Equal(t, "/srv", cmd.WorkingDir)
	for _, child := range children {
		assert.Equal(t, store.ChildSentToAgent, env.childStatus(t, child.ID))
	}

	// Dispatch began, so the batch already reads as in progress.
	assert.Equal(t, store.BatchInProgress, env.batchStatus(t, batchID))

	// First child finishes; the batch stays in progress.
	env.runChild(t, children[0].AgentID, children[0].ID)
	env.d.HandleCommandCompleted(ctx, children[0].AgentID, &protocol.CommandCompleted{
		ChildID: children[0].ID, ExitCode: 0, FinishedAtMs: time.Now().UnixMilli()})
	assert.Equal(t, store.ChildCompleted, env.childStatus(t, children[0].ID))
	assert.Equal(t, store.BatchInProgress, env.batchStatus(t, batchID))

	env.runChild(t, children[1].AgentID, children[1].ID)
	env.d.HandleCommandCompleted(ctx, children[1].AgentID, &protocol.CommandCompleted{
		ChildID: children[1].ID, ExitCode: 0, FinishedAtMs: time.Now().UnixMilli()})

	assert.Equal(t, store.BatchCompletedAllSucceeded, env.batchStatus(t, batchID))

	batch, err := env.st.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.NotNil(t, batch.CompletedAt)

	// Completed batches are evicted from the in-memory index.
	assert.Nil(t, env.d.lookup(children[0].ID))
}

func TestBatchAggregate_PartialFailure(t *testing.T) {
	env := setupDispatcher(t, nil)
	first := env.createAgent(t, 1, true)
	second := env.createAgent(t, 1, true)
	ctx := context.Background()

	batchID, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "deploy.sh",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{first.ID, second.ID}},
	})

	env.runChild(t, children[0].AgentID, children[0].ID)
	env.d.HandleCommandCompleted(ctx, children[0].AgentID, &protocol.CommandCompleted{
		ChildID: children[0].ID, ExitCode: 0, FinishedAtMs: time.Now().UnixMilli()})

	env.runChild(t, children[1].AgentID, children[1].ID)
	env.d.HandleCommandCompleted(ctx, children[1].AgentID, &protocol.CommandCompleted{
		ChildID: children[1].ID, ExitCode: 3, FinishedAtMs: time.Now().UnixMilli(),
		ErrorMessage: "deploy failed"})

	failedChild, err := env.st.GetChild(ctx, children[1].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChildFailed, failedChild.Status)
	require.NotNil(t, failedChild.ExitCode)
	assert.Equal(t, int64(3), *failedChild.ExitCode)
	assert.Equal(t, "deploy failed", failedChild.ErrorMessage)

	assert.Equal(t, store.BatchCompletedPartial, env.batchStatus(t, batchID))
}

func TestOfflineAgent_NoQueueFailsImmediately(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, false)

	batchID, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	assert.Equal(t, store.ChildAgentUnreachable, env.childStatus(t, children[0].ID))
	assert.Equal(t, store.BatchCompletedAllFailed, env.batchStatus(t, batchID))
}

func TestOfflineAgent_QueuedAndRetriedOnConnect(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, false)

	lifecycle := make(chan session.LifecycleEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.d.Run(ctx, lifecycle)

	_, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(true),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	assert.Equal(t, store.ChildPending, env.childStatus(t, children[0].ID))
	assert.Empty(t, env.sender.framesOfKind(protocol.KindExecuteCommand))

	// The agent comes online and the queued child is dispatched.
	env.sender.setOnline(agent.ID, true)
	lifecycle <- session.LifecycleEvent{AgentID: agent.ID, State: session.LifecycleConnected}

	env.waitChildStatus(t, children[0].ID, store.ChildSentToAgent)
	assert.Len(t, env.sender.framesOfKind(protocol.KindExecuteCommand), 1)
}

func TestAckRejected(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	ctx := context.Background()

	batchID, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	env.d.HandleCommandAck(ctx, agent.ID, &protocol.CommandAck{
		ChildID: children[0].ID, Accepted: false, Reason: "child already running"})

	child, err := env.st.GetChild(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChildFailed, child.Status)
	assert.Equal(t, "child already running", child.ErrorMessage)
	assert.Equal(t, store.BatchCompletedAllFailed, env.batchStatus(t, batchID))
}

func TestAckFromWrongAgentIgnored(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	other := env.createAgent(t, 1, true)

	_, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	env.d.HandleCommandAck(context.Background(), other.ID, &protocol.CommandAck{
		ChildID: children[0].ID, Accepted: true})
	assert.Equal(t, store.ChildSentToAgent, env.childStatus(t, children[0].ID))
}

func TestAckTimeout(t *testing.T) {
	env := setupDispatcher(t, func(cfg *Config) {
		cfg.SendAckTimeout = 50 * time.Millisecond
	})
	agent := env.createAgent(t, 1, true)

	batchID, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	env.waitChildStatus(t, children[0].ID, store.ChildAgentUnreachable)

	child, err := env.st.GetChild(context.Background(), children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "agent did not acknowledge command", child.ErrorMessage)
	assert.Equal(t, store.BatchCompletedAllFailed, env.batchStatus(t, batchID))
}

func TestExecTimeout(t *testing.T) {
	env := setupDispatcher(t, func(cfg *Config) {
		cfg.ChildTimeoutDefault = time.Second
	})
	agent := env.createAgent(t, 1, true)

	batchID, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "sleep 600",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	env.runChild(t, agent.ID, children[0].ID)
	env.waitChildStatus(t, children[0].ID, store.ChildTimeout)

	// Best-effort terminate went out.
	assert.NotEmpty(t, env.sender.framesOfKind(protocol.KindTerminateCommand))
	assert.Equal(t, store.BatchCompletedAllFailed, env.batchStatus(t, batchID))
}

func TestCancelBatch(t *testing.T) {
	t.Run("unsent children cancel outright", func(t *testing.T) {
		env := setupDispatcher(t, nil)
		agent := env.createAgent(t, 1, false)

		batchID, children := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(true),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		require.Equal(t, store.ChildPending, env.childStatus(t, children[0].ID))

		require.NoError(t, env.d.CancelBatch(context.Background(), 1, batchID))
		assert.Equal(t, store.ChildCanceled, env.childStatus(t, children[0].ID))
		assert.Equal(t, store.BatchCompletedAllCanceled, env.batchStatus(t, batchID))
	})

	t.Run("running children get grace then forced termination", func(t *testing.T) {
		env := setupDispatcher(t, func(cfg *Config) {
			cfg.CancelGrace = 50 * time.Millisecond
		})
		agent := env.createAgent(t, 1, true)

		batchID, children := env.createBatch(t, 1, &BatchRequest{
			Command:        "sleep 600",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		env.runChild(t, agent.ID, children[0].ID)

		require.NoError(t, env.d.CancelBatch(context.Background(), 1, batchID))
		assert.NotEmpty(t, env.sender.framesOfKind(protocol.KindTerminateCommand))
		assert.Equal(t, store.BatchCanceled, env.batchStatus(t, batchID))

		env.waitChildStatus(t, children[0].ID, store.ChildTerminated)
		child, err := env.st.GetChild(context.Background(), children[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "terminate grace period expired", child.ErrorMessage)
		assert.Equal(t, store.BatchCompletedAllCanceled, env.batchStatus(t, batchID))
	})

	t.Run("completion during grace counts as confirmed termination", func(t *testing.T) {
		env := setupDispatcher(t, nil) // long grace
		agent := env.createAgent(t, 1, true)
		ctx := context.Background()

		batchID, children := env.createBatch(t, 1, &BatchRequest{
			Command:        "sleep 600",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		env.runChild(t, agent.ID, children[0].ID)

		require.NoError(t, env.d.CancelBatch(ctx, 1, batchID))
		env.d.HandleCommandCompleted(ctx, agent.ID, &protocol.CommandCompleted{
			ChildID: children[0].ID, ExitCode: 0, FinishedAtMs: time.Now().UnixMilli()})

		assert.Equal(t, store.ChildTerminated, env.childStatus(t, children[0].ID))
		assert.Equal(t, store.BatchCompletedAllCanceled, env.batchStatus(t, batchID))
	})

	t.Run("cancel of a terminal batch is rejected", func(t *testing.T) {
		env := setupDispatcher(t, nil)
		agent := env.createAgent(t, 1, true)
		ctx := context.Background()

		batchID, children := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		env.runChild(t, agent.ID, children[0].ID)
		env.d.HandleCommandCompleted(ctx, agent.ID, &protocol.CommandCompleted{
			ChildID: children[0].ID, ExitCode: 0, FinishedAtMs: time.Now().UnixMilli()})

		require.ErrorIs(t, env.d.CancelBatch(ctx, 1, batchID), ErrAlreadyTerminal)
	})

	t.Run("ownership enforced", func(t *testing.T) {
		env := setupDispatcher(t, nil)
		agent := env.createAgent(t, 1, true)

		batchID, _ := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		require.ErrorIs(t, env.d.CancelBatch(context.Background(), 2, batchID), ErrUnauthorized)
	})
}

func TestCompletionIsIdempotent(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	ctx := context.Background()

	_, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})
	env.runChild(t, agent.ID, children[0].ID)

	env.d.HandleCommandCompleted(ctx, agent.ID, &protocol.CommandCompleted{
		ChildID: children[0].ID, ExitCode: 0, FinishedAtMs: time.Now().UnixMilli()})
	// Redelivery with a different exit code must not change anything.
	env.d.HandleCommandCompleted(ctx, agent.ID, &protocol.CommandCompleted{
		ChildID: children[0].ID, ExitCode: 7, FinishedAtMs: time.Now().UnixMilli()})

	child, err := env.st.GetChild(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChildCompleted, child.Status)
	require.NotNil(t, child.ExitCode)
	assert.Equal(t, int64(0), *child.ExitCode)
}

func TestHandleUndeliveredCommand(t *testing.T) {
	t.Run("queueable child returns to pending", func(t *testing.T) {
		env := setupDispatcher(t, nil)
		agent := env.createAgent(t, 1, true)

		_, children := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(true),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		require.Equal(t, store.ChildSentToAgent, env.childStatus(t, children[0].ID))

		env.d.HandleUndeliveredCommand(context.Background(), agent.ID,
			&protocol.ExecuteCommand{ChildID: children[0].ID})
		assert.Equal(t, store.ChildPending, env.childStatus(t, children[0].ID))
	})

	t.Run("non-queueable child fails as unreachable", func(t *testing.T) {
		env := setupDispatcher(t, nil)
		agent := env.createAgent(t, 1, true)
		ctx := context.Background()

		batchID, children := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})

		env.d.HandleUndeliveredCommand(ctx, agent.ID,
			&protocol.ExecuteCommand{ChildID: children[0].ID})

		child, err := env.st.GetChild(ctx, children[0].ID)
		require.NoError(t, err)
		assert.Equal(t, store.ChildAgentUnreachable, child.Status)
		assert.Equal(t, "session superseded before command was delivered", child.ErrorMessage)
		assert.Equal(t, store.BatchCompletedAllFailed, env.batchStatus(t, batchID))
	})

	t.Run("already accepted child is untouched", func(t *testing.T) {
		env := setupDispatcher(t, nil)
		agent := env.createAgent(t, 1, true)

		_, children := env.createBatch(t, 1, &BatchRequest{
			Command:        "uptime",
			QueueIfOffline: boolPtr(false),
			Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
		})
		env.runChild(t, agent.ID, children[0].ID)

		env.d.HandleUndeliveredCommand(context.Background(), agent.ID,
			&protocol.ExecuteCommand{ChildID: children[0].ID})
		assert.Equal(t, store.ChildExecuting, env.childStatus(t, children[0].ID))
	})
}

// flakyStore wraps the real repository and can fail child updates on demand.
type flakyStore struct {
	store.Store
	mu         sync.Mutex
	failUpdate bool
}

func (s *flakyStore) setFailUpdate(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate = fail
}

func (s *flakyStore) UpdateChild(ctx context.Context, child *store.ChildTask) error {
	s.mu.Lock()
	fail := s.failUpdate
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.UpdateChild(ctx, child)
}

func TestFailedPersistLeavesChildUntouched(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	ctx := context.Background()

	flaky := &flakyStore{Store: env.st}
	d := New(flaky, env.sender, env.bus, env.cfg, slog.Default())

	batchID, err := d.CreateBatch(ctx, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})
	require.NoError(t, err)
	children, err := env.st.ListChildren(ctx, batchID)
	require.NoError(t, err)

	d.HandleCommandAck(ctx, agent.ID, &protocol.CommandAck{
		ChildID: children[0].ID, Accepted: true})
	d.HandleCommandStarted(ctx, agent.ID, &protocol.CommandStarted{
		ChildID: children[0].ID, StartedAtMs: time.Now().UnixMilli()})

	// The completion cannot be persisted; the child must stay Executing with
	// none of the completion's fields applied.
	flaky.setFailUpdate(true)
	d.HandleCommandCompleted(ctx, agent.ID, &protocol.CommandCompleted{
		ChildID: children[0].ID, ExitCode: 5, FinishedAtMs: time.Now().UnixMilli(),
		ErrorMessage: "disk exploded"})

	child, err := env.st.GetChild(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChildExecuting, child.Status)
	assert.Nil(t, child.ExitCode)

	// A later transition must not drag fields from the failed one along.
	flaky.setFailUpdate(false)
	d.onExecTimeout(ctx, children[0].ID)

	child, err = env.st.GetChild(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChildTimeout, child.Status)
	assert.Nil(t, child.ExitCode)
	assert.Empty(t, child.ErrorMessage)
}

func TestRestartRecovery(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	ctx := context.Background()

	batchID, children := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	// A fresh dispatcher over the same repository has no in-memory state; the
	// child is recovered from the durable rows when frames arrive.
	restarted := New(env.st, env.sender, env.bus, env.cfg, slog.Default())
	restarted.HandleCommandAck(ctx, agent.ID, &protocol.CommandAck{
		ChildID: children[0].ID, Accepted: true})
	restarted.HandleCommandStarted(ctx, agent.ID, &protocol.CommandStarted{
		ChildID: children[0].ID, StartedAtMs: time.Now().UnixMilli()})
	restarted.HandleCommandCompleted(ctx, agent.ID, &protocol.CommandCompleted{
		ChildID: children[0].ID, ExitCode: 0, FinishedAtMs: time.Now().UnixMilli()})

	assert.Equal(t, store.ChildCompleted, env.childStatus(t, children[0].ID))
	assert.Equal(t, store.BatchCompletedAllSucceeded, env.batchStatus(t, batchID))
}

func TestGetBatch_Ownership(t *testing.T) {
	env := setupDispatcher(t, nil)
	agent := env.createAgent(t, 1, true)
	ctx := context.Background()

	batchID, _ := env.createBatch(t, 1, &BatchRequest{
		Command:        "uptime",
		QueueIfOffline: boolPtr(false),
		Target:         store.TargetSelector{AgentIDs: []int64{agent.ID}},
	})

	detail, err := env.d.GetBatch(ctx, 1, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchID, detail.Batch.ID)
	assert.Len(t, detail.Children, 1)

	_, err = env.d.GetBatch(ctx, 2, batchID)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.d.GetBatch(ctx, 1, "no-such-batch")
	require.ErrorIs(t, err, store.ErrNotFound)
}
