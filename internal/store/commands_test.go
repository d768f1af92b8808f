// ABOUTME: Tests for batch command and child task persistence
// ABOUTME: Covers atomic creation, status monotonicity and queued child ordering

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBatch(userID int64, agentIDs ...int64) (*BatchCommand, []*ChildTask) {
	batch := &BatchCommand{
		ID:             uuid.NewString(),
		UserID:         userID,
		Command:        "uptime",
		Target:         TargetSelector{AgentIDs: agentIDs},
		TimeoutSeconds: 300,
		Status:         BatchPending,
	}
	var children []*ChildTask
	for _, agentID := range agentIDs {
		children = append(children, &ChildTask{
			ID:      uuid.NewString(),
			BatchID: batch.ID,
			AgentID: agentID,
			Status:  ChildPending,
		})
	}
	return batch, children
}

func TestCreateBatch_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	batch, children := newTestBatch(1, 10, 11)
	batch.WorkingDir = "/srv/app"
	batch.QueueIfOffline = true
	require.NoError(t, store.CreateBatch(ctx, batch, children))

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "uptime", got.Command)
	assert.Equal(t, "/srv/app", got.WorkingDir)
	assert.True(t, got.QueueIfOffline)
	assert.Equal(t, []int64{10, 11}, got.Target.AgentIDs)
	assert.Equal(t, BatchPending, got.Status)

	gotChildren, err := store.ListChildren(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, gotChildren, 2)
	assert.Equal(t, int64(10), gotChildren[0].AgentID)
	assert.Equal(t, int64(11), gotChildren[1].AgentID)
}

func TestCreateBatch_DuplicateAgentInTargetSet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	batch, children := newTestBatch(1, 10)
	children = append(children, &ChildTask{
		ID:      uuid.NewString(),
		BatchID: batch.ID,
		AgentID: 10,
		Status:  ChildPending,
	})

	err := store.CreateBatch(ctx, batch, children)
	require.ErrorIs(t, err, ErrDuplicate)

	// The transaction rolled back: nothing was persisted.
	_, err = store.GetBatch(ctx, batch.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBatchStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("pending to in_progress", func(t *testing.T) {
		batch, children := newTestBatch(1, 10)
		require.NoError(t, store.CreateBatch(ctx, batch, children))

		require.NoError(t, store.UpdateBatchStatus(ctx, batch.ID, BatchInProgress, nil))
		got, err := store.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, BatchInProgress, got.Status)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("completed statuses are immutable", func(t *testing.T) {
		batch, children := newTestBatch(1, 20)
		require.NoError(t, store.CreateBatch(ctx, batch, children))

		done := time.Now().UTC()
		require.NoError(t, store.UpdateBatchStatus(ctx, batch.ID, BatchCompletedAllSucceeded, &done))

		err := store.UpdateBatchStatus(ctx, batch.ID, BatchInProgress, nil)
		require.ErrorIs(t, err, ErrNotFound)

		got, err := store.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, BatchCompletedAllSucceeded, got.Status)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("canceled converges to completed_all_canceled", func(t *testing.T) {
		batch, children := newTestBatch(1, 30)
		require.NoError(t, store.CreateBatch(ctx, batch, children))

		require.NoError(t, store.UpdateBatchStatus(ctx, batch.ID, BatchCanceled, nil))
		done := time.Now().UTC()
		require.NoError(t, store.UpdateBatchStatus(ctx, batch.ID, BatchCompletedAllCanceled, &done))

		got, err := store.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, BatchCompletedAllCanceled, got.Status)
	})

	t.Run("missing batch", func(t *testing.T) {
		err := store.UpdateBatchStatus(ctx, "no-such-batch", BatchInProgress, nil)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateChild_TerminalMonotonicity(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	batch, children := newTestBatch(1, 10)
	require.NoError(t, store.CreateBatch(ctx, batch, children))
	child := children[0]

	child.Status = ChildExecuting
	started := time.Now().UTC()
	child.StartedAt = &started
	require.NoError(t, store.UpdateChild(ctx, child))

	exitCode := int64(0)
	done := time.Now().UTC()
	child.Status = ChildCompleted
	child.ExitCode = &exitCode
	child.CompletedAt = &done
	require.NoError(t, store.UpdateChild(ctx, child))

	t.Run("terminal status is never overwritten", func(t *testing.T) {
		stale := *child
		stale.Status = ChildExecuting
		err := store.UpdateChild(ctx, &stale)
		require.ErrorIs(t, err, ErrNotFound)

		got, err := store.GetChild(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, ChildCompleted, got.Status)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, int64(0), *got.ExitCode)
	})

	t.Run("reasserting the same terminal status is idempotent", func(t *testing.T) {
		require.NoError(t, store.UpdateChild(ctx, child))
	})
}

func TestListPendingChildrenForAgent_SubmissionOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, firstChildren := newTestBatch(1, 10)
	firstChildren[0].CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.CreateBatch(ctx, first, firstChildren))

	second, secondChildren := newTestBatch(1, 10)
	require.NoError(t, store.CreateBatch(ctx, second, secondChildren))

	// A sent child for the same agent must not show up as pending.
	third, thirdChildren := newTestBatch(1, 10)
	thirdChildren[0].Status = ChildSentToAgent
	require.NoError(t, store.CreateBatch(ctx, third, thirdChildren))

	pending, err := store.ListPendingChildrenForAgent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].BatchID, "oldest submission dispatches first")
	assert.Equal(t, second.ID, pending[1].BatchID)
}

func TestListBatches(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		batch, children := newTestBatch(1, int64(10+i))
		batch.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateBatch(ctx, batch, children))
	}
	other, otherChildren := newTestBatch(2, 99)
	require.NoError(t, store.CreateBatch(ctx, other, otherChildren))

	t.Run("newest first, owner scoped", func(t *testing.T) {
		batches, err := store.ListBatches(ctx, 1, BatchFilter{})
		require.NoError(t, err)
		require.Len(t, batches, 3)
		assert.True(t, batches[0].CreatedAt.After(batches[2].CreatedAt))
	})

	t.Run("limit and offset", func(t *testing.T) {
		batches, err := store.ListBatches(ctx, 1, BatchFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, batches, 2)
	})

	t.Run("status filter", func(t *testing.T) {
		batches, err := store.ListBatches(ctx, 1, BatchFilter{Status: BatchInProgress})
		require.NoError(t, err)
		assert.Empty(t, batches)
	})
}
