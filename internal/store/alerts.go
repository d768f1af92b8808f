// ABOUTME: Alert rule, alert event and notification channel persistence
// ABOUTME: Rules carry their channel bindings; open events are unique per (rule, agent)

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const ruleColumns = `id, user_id, agent_id, metric_type, threshold, operator,
	duration_seconds, cooldown_seconds, active, last_triggered_at, created_at, updated_at`

// CreateRule inserts a rule and its channel bindings in one transaction.
func (s *SQLiteStore) CreateRule(ctx context.Context, rule *AlertRule) error {
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO alert_rules (user_id, agent_id, metric_type, threshold, operator,
			duration_seconds, cooldown_seconds, active, last_triggered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.UserID,
		rule.AgentID,
		rule.MetricType,
		rule.Threshold,
		string(rule.Operator),
		rule.DurationSeconds,
		rule.CooldownSeconds,
		rule.Active,
		nullTime(rule.LastTriggeredAt),
		rule.CreatedAt.Format(time.RFC3339Nano),
		rule.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}

	rule.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting rule id: %w", err)
	}

	for _, chID := range rule.ChannelIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alert_rule_channels (rule_id, channel_id) VALUES (?, ?)`,
			rule.ID, chID); err != nil {
			return fmt.Errorf("binding channel %d: %w", chID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rule: %w", err)
	}

	s.logger.Debug("created rule", "id", rule.ID, "metric_type", rule.MetricType)
	return nil
}

// GetRule retrieves a rule with its channel bindings.
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*AlertRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	rule, err := s.scanRule(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadRuleChannels(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ListActiveRules returns all active rules with channel bindings, used by the
// alert engine to build its evaluation state.
func (s *SQLiteStore) ListActiveRules(ctx context.Context) ([]*AlertRule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE active = 1`)
}

// ListRulesByUser returns all of the user's rules, active or not.
func (s *SQLiteStore) ListRulesByUser(ctx context.Context, userID int64) ([]*AlertRule, error) {
	return s.listRules(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE user_id = ? ORDER BY id`, userID)
}

func (s *SQLiteStore) listRules(ctx context.Context, query string, args ...any) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*AlertRule
	for rows.Next() {
		rule, err := s.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule rows: %w", err)
	}

	for _, rule := range rules {
		if err := s.loadRuleChannels(ctx, rule); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// UpdateRule rewrites the rule and replaces its channel bindings.
func (s *SQLiteStore) UpdateRule(ctx context.Context, rule *AlertRule) error {
	rule.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE alert_rules
		SET agent_id = ?, metric_type = ?, threshold = ?, operator = ?,
			duration_seconds = ?, cooldown_seconds = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		rule.AgentID,
		rule.MetricType,
		rule.Threshold,
		string(rule.Operator),
		rule.DurationSeconds,
		rule.CooldownSeconds,
		rule.Active,
		rule.UpdatedAt.Format(time.RFC3339Nano),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM alert_rule_channels WHERE rule_id = ?`, rule.ID); err != nil {
		return fmt.Errorf("clearing channel bindings: %w", err)
	}
	for _, chID := range rule.ChannelIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alert_rule_channels (rule_id, channel_id) VALUES (?, ?)`,
			rule.ID, chID); err != nil {
			return fmt.Errorf("binding channel %d: %w", chID, err)
		}
	}

	return tx.Commit()
}

// DeleteRule removes a rule; bindings cascade.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return requireRow(result)
}

// UpdateRuleLastTriggered stamps the cooldown anchor.
func (s *SQLiteStore) UpdateRuleLastTriggered(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET last_triggered_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating last triggered: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) loadRuleChannels(ctx context.Context, rule *AlertRule) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM alert_rule_channels WHERE rule_id = ? ORDER BY channel_id`, rule.ID)
	if err != nil {
		return fmt.Errorf("querying rule channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rule.ChannelIDs = nil
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning channel binding: %w", err)
		}
		rule.ChannelIDs = append(rule.ChannelIDs, id)
	}
	return rows.Err()
}

func (s *SQLiteStore) scanRule(row rowScanner) (*AlertRule, error) {
	var rule AlertRule
	var agentID sql.NullInt64
	var lastTriggered sql.NullString
	var operator, createdAt, updatedAt string

	err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&agentID,
		&rule.MetricType,
		&rule.Threshold,
		&operator,
		&rule.DurationSeconds,
		&rule.CooldownSeconds,
		&rule.Active,
		&lastTriggered,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning rule: %w", err)
	}

	if agentID.Valid {
		rule.AgentID = &agentID.Int64
	}
	rule.Operator = CompareOp(operator)
	rule.LastTriggeredAt = s.parseNullTime(lastTriggered, "alert_rules.last_triggered_at")
	rule.CreatedAt = s.parseTime(createdAt, "alert_rules.created_at")
	rule.UpdatedAt = s.parseTime(updatedAt, "alert_rules.updated_at")

	return &rule, nil
}

// CreateAlertEvent opens an event. The partial unique index on open events
// enforces at most one open event per (rule, agent).
func (s *SQLiteStore) CreateAlertEvent(ctx context.Context, event *AlertEvent) error {
	if event.TriggeredAt.IsZero() {
		event.TriggeredAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (rule_id, agent_id, triggered_at, resolved_at, details)
		SELECT ?, ?, ?, NULL, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM alert_events
			WHERE rule_id = ? AND agent_id = ? AND resolved_at IS NULL
		)`,
		event.RuleID,
		event.AgentID,
		event.TriggeredAt.Format(time.RFC3339Nano),
		nullString(event.Details),
		event.RuleID,
		event.AgentID,
	)
	if err != nil {
		return fmt.Errorf("inserting alert event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("open event exists for rule %d agent %d: %w",
			event.RuleID, event.AgentID, ErrDuplicate)
	}

	event.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting event id: %w", err)
	}
	return nil
}

// ResolveAlertEvent closes an open event.
func (s *SQLiteStore) ResolveAlertEvent(ctx context.Context, id int64, at time.Time, details string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alert_events SET resolved_at = ?, details = COALESCE(?, details)
		WHERE id = ? AND resolved_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano),
		nullString(details),
		id,
	)
	if err != nil {
		return fmt.Errorf("resolving alert event: %w", err)
	}
	return requireRow(result)
}

// GetOpenAlertEvent returns the open event for (rule, agent), or ErrNotFound.
func (s *SQLiteStore) GetOpenAlertEvent(ctx context.Context, ruleID, agentID int64) (*AlertEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, agent_id, triggered_at, resolved_at, details
		FROM alert_events
		WHERE rule_id = ? AND agent_id = ? AND resolved_at IS NULL`,
		ruleID, agentID)
	return s.scanAlertEvent(row)
}

// ListOpenAlertEvents returns every open event, used to rewarm engine state.
func (s *SQLiteStore) ListOpenAlertEvents(ctx context.Context) ([]*AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, agent_id, triggered_at, resolved_at, details
		FROM alert_events WHERE resolved_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying open events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectAlertEvents(rows)
}

// ListAlertEventsByUser returns the user's events, newest first.
func (s *SQLiteStore) ListAlertEventsByUser(ctx context.Context, userID int64, limit int) ([]*AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.rule_id, e.agent_id, e.triggered_at, e.resolved_at, e.details
		FROM alert_events e
		JOIN alert_rules r ON r.id = e.rule_id
		WHERE r.user_id = ?
		ORDER BY e.triggered_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying alert events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectAlertEvents(rows)
}

func (s *SQLiteStore) scanAlertEvent(row rowScanner) (*AlertEvent, error) {
	var event AlertEvent
	var resolvedAt, details sql.NullString
	var triggeredAt string

	err := row.Scan(
		&event.ID,
		&event.RuleID,
		&event.AgentID,
		&triggeredAt,
		&resolvedAt,
		&details,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning alert event: %w", err)
	}

	event.TriggeredAt = s.parseTime(triggeredAt, "alert_events.triggered_at")
	event.ResolvedAt = s.parseNullTime(resolvedAt, "alert_events.resolved_at")
	event.Details = details.String

	return &event, nil
}

func (s *SQLiteStore) collectAlertEvents(rows *sql.Rows) ([]*AlertEvent, error) {
	var events []*AlertEvent
	for rows.Next() {
		event, err := s.scanAlertEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

const channelColumns = `id, user_id, name, type, config_encrypted, created_at, updated_at`

// CreateChannel inserts a notification channel. The config blob must already
// be encrypted by the caller.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *NotificationChannel) error {
	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_channels (user_id, name, type, config_encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ch.UserID,
		ch.Name,
		ch.Type,
		ch.ConfigEncrypted,
		ch.CreatedAt.Format(time.RFC3339Nano),
		ch.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting channel: %w", err)
	}

	ch.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting channel id: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID.
func (s *SQLiteStore) GetChannel(ctx context.Context, id int64) (*NotificationChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM notification_channels WHERE id = ?`, id)
	return s.scanChannel(row)
}

// ListChannelsByUser returns the user's channels ordered by ID.
func (s *SQLiteStore) ListChannelsByUser(ctx context.Context, userID int64) ([]*NotificationChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM notification_channels WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*NotificationChannel
	for rows.Next() {
		ch, err := s.scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}
	return channels, nil
}

// DeleteChannel removes a channel; rule bindings cascade.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notification_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) scanChannel(row rowScanner) (*NotificationChannel, error) {
	var ch NotificationChannel
	var createdAt, updatedAt string

	err := row.Scan(
		&ch.ID,
		&ch.UserID,
		&ch.Name,
		&ch.Type,
		&ch.ConfigEncrypted,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel: %w", err)
	}

	ch.CreatedAt = s.parseTime(createdAt, "notification_channels.created_at")
	ch.UpdatedAt = s.parseTime(updatedAt, "notification_channels.updated_at")

	return &ch, nil
}
