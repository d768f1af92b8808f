// ABOUTME: Tests for alert rule, alert event and notification channel persistence
// ABOUTME: Covers channel bindings, the single-open-event invariant and resolution

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, store *SQLiteStore, userID int64) *NotificationChannel {
	t.Helper()
	ch := &NotificationChannel{
		UserID:          userID,
		Name:            "ops",
		Type:            "webhook",
		ConfigEncrypted: "opaque-blob",
	}
	require.NoError(t, store.CreateChannel(context.Background(), ch))
	return ch
}

func TestCreateAndGetRule(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ch := newTestChannel(t, store, 1)
	agentID := int64(10)
	rule := &AlertRule{
		UserID:          1,
		AgentID:         &agentID,
		MetricType:      MetricCPUPercent,
		Threshold:       90,
		Operator:        OpGreater,
		DurationSeconds: 120,
		CooldownSeconds: 600,
		Active:          true,
		ChannelIDs:      []int64{ch.ID},
	}
	require.NoError(t, store.CreateRule(ctx, rule))
	require.NotZero(t, rule.ID)

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, MetricCPUPercent, got.MetricType)
	assert.Equal(t, OpGreater, got.Operator)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, int64(10), *got.AgentID)
	assert.Equal(t, []int64{ch.ID}, got.ChannelIDs)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastTriggeredAt)
}

func TestListActiveRules(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	active := &AlertRule{UserID: 1, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true}
	require.NoError(t, store.CreateRule(ctx, active))

	inactive := &AlertRule{UserID: 1, MetricType: MetricMemUsedPercent, Threshold: 80,
		Operator: OpGreater, Active: false}
	require.NoError(t, store.CreateRule(ctx, inactive))

	rules, err := store.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, active.ID, rules[0].ID)
}

func TestUpdateRule_ReplacesChannelBindings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	chA := newTestChannel(t, store, 1)
	chB := newTestChannel(t, store, 1)

	rule := &AlertRule{UserID: 1, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true, ChannelIDs: []int64{chA.ID}}
	require.NoError(t, store.CreateRule(ctx, rule))

	rule.Threshold = 95
	rule.ChannelIDs = []int64{chB.ID}
	require.NoError(t, store.UpdateRule(ctx, rule))

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(95), got.Threshold)
	assert.Equal(t, []int64{chB.ID}, got.ChannelIDs)
}

func TestDeleteRule(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rule := &AlertRule{UserID: 1, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true}
	require.NoError(t, store.CreateRule(ctx, rule))

	require.NoError(t, store.DeleteRule(ctx, rule.ID))
	_, err := store.GetRule(ctx, rule.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, store.DeleteRule(ctx, rule.ID), ErrNotFound)
}

func TestUpdateRuleLastTriggered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rule := &AlertRule{UserID: 1, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true}
	require.NoError(t, store.CreateRule(ctx, rule))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateRuleLastTriggered(ctx, rule.ID, at))

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(at))
}

func TestAlertEvents_SingleOpenPerRuleAgent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rule := &AlertRule{UserID: 1, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true}
	require.NoError(t, store.CreateRule(ctx, rule))

	event := &AlertEvent{RuleID: rule.ID, AgentID: 10, Details: "cpu_percent = 95.00"}
	require.NoError(t, store.CreateAlertEvent(ctx, event))
	require.NotZero(t, event.ID)

	t.Run("second open event is rejected", func(t *testing.T) {
		dup := &AlertEvent{RuleID: rule.ID, AgentID: 10}
		require.ErrorIs(t, store.CreateAlertEvent(ctx, dup), ErrDuplicate)
	})

	t.Run("same rule other agent is fine", func(t *testing.T) {
		other := &AlertEvent{RuleID: rule.ID, AgentID: 11}
		require.NoError(t, store.CreateAlertEvent(ctx, other))
	})

	t.Run("resolving reopens the slot", func(t *testing.T) {
		got, err := store.GetOpenAlertEvent(ctx, rule.ID, 10)
		require.NoError(t, err)
		assert.Equal(t, event.ID, got.ID)

		require.NoError(t, store.ResolveAlertEvent(ctx, got.ID, time.Now().UTC(), "recovered"))

		_, err = store.GetOpenAlertEvent(ctx, rule.ID, 10)
		require.ErrorIs(t, err, ErrNotFound)

		again := &AlertEvent{RuleID: rule.ID, AgentID: 10}
		require.NoError(t, store.CreateAlertEvent(ctx, again))
	})

	t.Run("double resolve fails", func(t *testing.T) {
		err := store.ResolveAlertEvent(ctx, event.ID, time.Now().UTC(), "")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListOpenAlertEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rule := &AlertRule{UserID: 1, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true}
	require.NoError(t, store.CreateRule(ctx, rule))

	open := &AlertEvent{RuleID: rule.ID, AgentID: 10}
	require.NoError(t, store.CreateAlertEvent(ctx, open))
	closed := &AlertEvent{RuleID: rule.ID, AgentID: 11}
	require.NoError(t, store.CreateAlertEvent(ctx, closed))
	require.NoError(t, store.ResolveAlertEvent(ctx, closed.ID, time.Now().UTC(), ""))

	events, err := store.ListOpenAlertEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, open.ID, events[0].ID)
}

func TestListAlertEventsByUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mine := &AlertRule{UserID: 1, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true}
	require.NoError(t, store.CreateRule(ctx, mine))
	theirs := &AlertRule{UserID: 2, MetricType: MetricCPUPercent, Threshold: 90,
		Operator: OpGreater, Active: true}
	require.NoError(t, store.CreateRule(ctx, theirs))

	require.NoError(t, store.CreateAlertEvent(ctx, &AlertEvent{RuleID: mine.ID, AgentID: 10}))
	require.NoError(t, store.CreateAlertEvent(ctx, &AlertEvent{RuleID: theirs.ID, AgentID: 20}))

	events, err := store.ListAlertEventsByUser(ctx, 1, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, mine.ID, events[0].RuleID)
}

func TestChannels_RoundTripAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ch := newTestChannel(t, store, 1)

	got, err := store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "webhook", got.Type)
	assert.Equal(t, "opaque-blob", got.ConfigEncrypted)

	channels, err := store.ListChannelsByUser(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	require.NoError(t, store.DeleteChannel(ctx, ch.ID))
	_, err = store.GetChannel(ctx, ch.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
