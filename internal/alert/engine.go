// ABOUTME: Alert engine: evaluates metric samples against threshold rules
// ABOUTME: Tracks per (rule, agent) satisfying streaks, cooldown and open events

package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/ingest"
	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/store"
)

type windowKey struct {
	ruleID  int64
	agentID int64
	detail  string // mountpoint, NIC or monitor for scoped series
}

// windowState tracks the current satisfying streak for one series. A zero
// satisfiedSinceMs means no streak is running. A rule with a duration fires
// only once the streak spans the full duration: a single sample can never
// satisfy a non-zero window, and a silent stretch longer than the duration
// restarts the streak.
type windowState struct {
	satisfiedSinceMs int64
	lastSatisfiedMs  int64
}

// Engine evaluates the live sample stream. Samples arrive synchronously from
// the ingest pipeline; all state is guarded by one mutex since evaluation is
// cheap compared to the ingest path's I/O.
type Engine struct {
	store    store.Store
	bus      *broadcast.Broadcaster
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	rules   map[int64]*store.AlertRule
	windows map[windowKey]*windowState
	open    map[openKey]bool // (rule, agent) pairs with an open event
	owners  map[int64]int64  // agent ID -> user ID
}

type openKey struct {
	ruleID  int64
	agentID int64
}

// NewEngine creates an engine with no rules loaded. Call Rewarm on startup.
func NewEngine(st store.Store, bus *broadcast.Broadcaster, notifier Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With("component", "alert"),
		rules:    make(map[int64]*store.AlertRule),
		windows:  make(map[windowKey]*windowState),
		open:     make(map[openKey]bool),
		owners:   make(map[int64]int64),
	}
}

// Rewarm loads active rules and replays the recent metric history so rules
// with sliding windows do not need a fresh full window after a restart.
// Cooldown state needs no replay: it is persisted on the rule row.
func (e *Engine) Rewarm(ctx context.Context) error {
	rules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("loading active rules: %w", err)
	}

	open, err := e.store.ListOpenAlertEvents(ctx)
	if err != nil {
		return fmt.Errorf("loading open alert events: %w", err)
	}

	e.mu.Lock()
	e.rules = make(map[int64]*store.AlertRule, len(rules))
	e.windows = make(map[windowKey]*windowState)
	e.open = make(map[openKey]bool, len(open))
	for _, rule := range rules {
		e.rules[rule.ID] = rule
	}
	for _, event := range open {
		e.open[openKey{ruleID: event.RuleID, agentID: event.AgentID}] = true
	}
	e.mu.Unlock()

	e.logger.Info("alert engine rewarmed", "rules", len(rules), "open_events", len(open))

	for _, rule := range rules {
		if rule.DurationSeconds <= 0 {
			continue
		}
		if err := e.replayRule(ctx, rule); err != nil {
			e.logger.Warn("window replay failed", "rule_id", rule.ID, "error", err)
		}
	}
	return nil
}

// replayRule rebuilds the satisfying-streak state for one rule from stored
// host metrics. Service metrics are not replayed; their windows refill from
// the live probe stream.
func (e *Engine) replayRule(ctx context.Context, rule *store.AlertRule) error {
	var agents []int64
	if rule.AgentID != nil {
		agents = []int64{*rule.AgentID}
	} else {
		owned, err := e.store.ListAgentsByUser(ctx, rule.UserID)
		if err != nil {
			return err
		}
		for _, agent := range owned {
			agents = append(agents, agent.ID)
		}
	}

	sinceMs := time.Now().Add(-time.Duration(rule.DurationSeconds) * time.Second).UnixMilli()
	for _, agentID := range agents {
		rows, err := e.store.ListMetricsSince(ctx, agentID, sinceMs, 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			for _, s := range samplesFromRow(row) {
				if s.MetricType != rule.MetricType {
					continue
				}
				e.mu.Lock()
				e.advanceWindow(rule, s)
				e.mu.Unlock()
			}
		}
	}
	return nil
}

// samplesFromRow derives the scalar series from a stored metric row, mirroring
// what the ingest path derives from the live frame.
func samplesFromRow(row *store.MetricRow) []ingest.Sample {
	samples := []ingest.Sample{{
		AgentID: row.AgentID, MetricType: store.MetricCPUPercent,
		Value: row.CPUPercent, TimestampMs: row.TimestampMs,
	}}
	if row.MemTotalBytes > 0 {
		samples = append(samples, ingest.Sample{
			AgentID: row.AgentID, MetricType: store.MetricMemUsedPercent,
			Value:       100 * float64(row.MemUsedBytes) / float64(row.MemTotalBytes),
			TimestampMs: row.TimestampMs,
		})
	}

	var disks []protocol.DiskSample
	if err := json.Unmarshal([]byte(row.DisksJSON), &disks); err == nil {
		for _, d := range disks {
			if d.TotalBytes == 0 {
				continue
			}
			samples = append(samples, ingest.Sample{
				AgentID: row.AgentID, MetricType: store.MetricDiskUsedPercent,
				Value:       100 * float64(d.UsedBytes) / float64(d.TotalBytes),
				TimestampMs: row.TimestampMs,
				Detail:      d.Mountpoint,
			})
		}
	}
	return samples
}

// EvaluateSample implements the ingest Evaluator.
func (e *Engine) EvaluateSample(ctx context.Context, s ingest.Sample) {
	owner, err := e.ownerOf(ctx, s.AgentID)
	if err != nil {
		e.logger.Warn("unknown agent in sample", "agent_id", s.AgentID, "error", err)
		return
	}

	e.mu.Lock()
	var matched []*store.AlertRule
	for _, rule := range e.rules {
		if !rule.Active || rule.MetricType != s.MetricType || rule.UserID != owner {
			continue
		}
		if rule.AgentID != nil && *rule.AgentID != s.AgentID {
			continue
		}
		matched = append(matched, rule)
	}

	type action struct {
		rule *store.AlertRule
		fire bool
	}
	var actions []action
	for _, rule := range matched {
		fire, resolve := e.advanceWindow(rule, s)
		if fire {
			actions = append(actions, action{rule, true})
		} else if resolve {
			actions = append(actions, action{rule, false})
		}
	}
	e.mu.Unlock()

	for _, a := range actions {
		if a.fire {
			e.fire(ctx, a.rule, s)
		} else {
			e.resolve(ctx, a.rule, s)
		}
	}
}

// advanceWindow updates the streak for (rule, sample) and reports whether the
// rule should fire or resolve. Caller holds e.mu.
func (e *Engine) advanceWindow(rule *store.AlertRule, s ingest.Sample) (fire, resolve bool) {
	key := windowKey{ruleID: rule.ID, agentID: s.AgentID, detail: s.Detail}
	w := e.windows[key]
	if w == nil {
		w = &windowState{}
		e.windows[key] = w
	}

	if !rule.Operator.Compare(s.Value, rule.Threshold) {
		w.satisfiedSinceMs = 0
		return false, e.open[openKey{ruleID: rule.ID, agentID: s.AgentID}]
	}

	windowMs := rule.DurationSeconds * 1000
	if w.satisfiedSinceMs == 0 || (windowMs > 0 && s.TimestampMs-w.lastSatisfiedMs > windowMs) {
		// A gap wider than the window means the earlier samples aged out of
		// it; the streak restarts rather than bridging the silence.
		w.satisfiedSinceMs = s.TimestampMs
	}
	w.lastSatisfiedMs = s.TimestampMs
	streakMs := s.TimestampMs - w.satisfiedSinceMs
	return streakMs >= windowMs, false
}

// ownerOf resolves and caches the owning user of an agent.
func (e *Engine) ownerOf(ctx context.Context, agentID int64) (int64, error) {
	e.mu.Lock()
	owner, ok := e.owners[agentID]
	e.mu.Unlock()
	if ok {
		return owner, nil
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.owners[agentID] = agent.UserID
	e.mu.Unlock()
	return agent.UserID, nil
}

// fire opens an alert event if the rule is off cooldown and none is open for
// this (rule, agent). The event is durable before anything is published.
func (e *Engine) fire(ctx context.Context, rule *store.AlertRule, s ingest.Sample) {
	now := time.Now().UTC()

	e.mu.Lock()
	onCooldown := rule.LastTriggeredAt != nil &&
		now.Sub(*rule.LastTriggeredAt) < time.Duration(rule.CooldownSeconds)*time.Second
	e.mu.Unlock()
	if onCooldown {
		return
	}

	details := fmt.Sprintf("%s = %.2f (%s %.2f)", s.MetricType, s.Value, rule.Operator, rule.Threshold)
	if s.Detail != "" {
		details += " [" + s.Detail + "]"
	}

	event := &store.AlertEvent{
		RuleID:      rule.ID,
		AgentID:     s.AgentID,
		TriggeredAt: now,
		Details:     details,
	}
	if err := e.store.CreateAlertEvent(ctx, event); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Already firing for this (rule, agent); the open event stands.
			e.mu.Lock()
			e.open[openKey{ruleID: rule.ID, agentID: s.AgentID}] = true
			e.mu.Unlock()
			return
		}
		e.logger.Error("persisting alert event", "rule_id", rule.ID, "error", err)
		return
	}
	e.mu.Lock()
	e.open[openKey{ruleID: rule.ID, agentID: s.AgentID}] = true
	e.mu.Unlock()

	if err := e.store.UpdateRuleLastTriggered(ctx, rule.ID, now); err != nil {
		e.logger.Warn("persisting rule cooldown", "rule_id", rule.ID, "error", err)
	}
	e.mu.Lock()
	rule.LastTriggeredAt = &now
	e.mu.Unlock()

	e.logger.Info("alert triggered",
		"rule_id", rule.ID, "agent_id", s.AgentID, "event_id", event.ID, "details", details)

	note := Notification{
		Kind:       "triggered",
		EventID:    event.ID,
		RuleID:     rule.ID,
		AgentID:    s.AgentID,
		MetricType: s.MetricType,
		Value:      s.Value,
		Threshold:  rule.Threshold,
		Operator:   string(rule.Operator),
		Details:    details,
		At:         now,
	}
	e.bus.Publish(&broadcast.Event{
		Topic:   broadcast.TopicAlertsUser(rule.UserID),
		Type:    broadcast.TypeAlert,
		Payload: &note,
	})
	e.notifier.Notify(ctx, note, rule.ChannelIDs)
}

// resolve closes the open event for (rule, agent) after the streak broke.
func (e *Engine) resolve(ctx context.Context, rule *store.AlertRule, s ingest.Sample) {
	event, err := e.store.GetOpenAlertEvent(ctx, rule.ID, s.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("loading open alert event", "rule_id", rule.ID, "error", err)
		}
		return
	}

	now := time.Now().UTC()
	details := fmt.Sprintf("%s = %.2f back within threshold", s.MetricType, s.Value)
	if err := e.store.ResolveAlertEvent(ctx, event.ID, now, details); err != nil {
		e.logger.Error("resolving alert event", "event_id", event.ID, "error", err)
		return
	}
	e.mu.Lock()
	delete(e.open, openKey{ruleID: rule.ID, agentID: s.AgentID})
	e.mu.Unlock()

	e.logger.Info("alert resolved",
		"rule_id", rule.ID, "agent_id", s.AgentID, "event_id", event.ID)

	note := Notification{
		Kind:       "resolved",
		EventID:    event.ID,
		RuleID:     rule.ID,
		AgentID:    s.AgentID,
		MetricType: s.MetricType,
		Value:      s.Value,
		Threshold:  rule.Threshold,
		Operator:   string(rule.Operator),
		Details:    details,
		At:         now,
	}
	e.bus.Publish(&broadcast.Event{
		Topic:   broadcast.TopicAlertsUser(rule.UserID),
		Type:    broadcast.TypeAlert,
		Payload: &note,
	})
	e.notifier.Notify(ctx, note, rule.ChannelIDs)
}

// UpsertRule installs or replaces a rule in the live set. Existing window
// state for the rule is discarded so changed thresholds start clean.
func (e *Engine) UpsertRule(ctx context.Context, rule *store.AlertRule) {
	if !rule.Active {
		e.DeactivateRule(ctx, rule.ID)
		return
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.dropWindowsLocked(rule.ID)
	e.mu.Unlock()
	e.logger.Info("alert rule loaded", "rule_id", rule.ID, "metric", rule.MetricType)
}

// DeactivateRule removes a rule from evaluation and closes its open events
// with a reason that distinguishes deactivation from recovery.
func (e *Engine) DeactivateRule(ctx context.Context, ruleID int64) {
	e.mu.Lock()
	rule := e.rules[ruleID]
	delete(e.rules, ruleID)
	e.dropWindowsLocked(ruleID)
	e.mu.Unlock()

	open, err := e.store.ListOpenAlertEvents(ctx)
	if err != nil {
		e.logger.Error("listing open events for deactivation", "rule_id", ruleID, "error", err)
		return
	}

	now := time.Now().UTC()
	for _, event := range open {
		if event.RuleID != ruleID {
			continue
		}
		if err := e.store.ResolveAlertEvent(ctx, event.ID, now, "rule deactivated"); err != nil {
			e.logger.Error("closing event on deactivation", "event_id", event.ID, "error", err)
			continue
		}
		e.mu.Lock()
		delete(e.open, openKey{ruleID: ruleID, agentID: event.AgentID})
		e.mu.Unlock()
		if rule != nil {
			e.bus.Publish(&broadcast.Event{
				Topic: broadcast.TopicAlertsUser(rule.UserID),
				Type:  broadcast.TypeAlert,
				Payload: &Notification{
					Kind:    "resolved",
					EventID: event.ID,
					RuleID:  ruleID,
					AgentID: event.AgentID,
					Details: "rule deactivated",
					At:      now,
				},
			})
		}
	}
	e.logger.Info("alert rule deactivated", "rule_id", ruleID)
}

func (e *Engine) dropWindowsLocked(ruleID int64) {
	for key := range e.windows {
		if key.ruleID == ruleID {
			delete(e.windows, key)
		}
	}
}
