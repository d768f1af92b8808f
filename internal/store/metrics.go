// ABOUTME: Metric sample, service monitor and docker inventory persistence
// ABOUTME: Metric inserts are batched; (agent_id, timestamp_ms) is the dedupe key

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMetrics writes a batch of samples in one transaction. Rows whose
// (agent_id, timestamp_ms) already exists are skipped so reconnect replays
// do not duplicate data.
func (s *SQLiteStore) InsertMetrics(ctx context.Context, rows []*MetricRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO metric_samples
			(agent_id, timestamp_ms, cpu_percent, mem_used_bytes, mem_total_bytes,
			 disks_json, nics_json, containers_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing metric insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.AgentID,
			row.TimestampMs,
			row.CPUPercent,
			row.MemUsedBytes,
			row.MemTotalBytes,
			nullString(row.DisksJSON),
			nullString(row.NICsJSON),
			nullString(row.ContainersJSON),
		); err != nil {
			return fmt.Errorf("inserting metric sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing metric batch: %w", err)
	}

	s.logger.Debug("inserted metric batch", "rows", len(rows))
	return nil
}

// ListMetricsSince returns an agent's samples at or after sinceMs in
// ascending time order. Used to rewarm alert windows on startup.
func (s *SQLiteStore) ListMetricsSince(ctx context.Context, agentID int64, sinceMs int64, limit int) ([]*MetricRow, error) {
	query := `
		SELECT agent_id, timestamp_ms, cpu_percent, mem_used_bytes, mem_total_bytes,
			disks_json, nics_json, containers_json
		FROM metric_samples
		WHERE agent_id = ? AND timestamp_ms >= ?
		ORDER BY timestamp_ms`
	args := []any{agentID, sinceMs}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []*MetricRow
	for rows.Next() {
		var row MetricRow
		var disks, nics, containers sql.NullString
		if err := rows.Scan(
			&row.AgentID,
			&row.TimestampMs,
			&row.CPUPercent,
			&row.MemUsedBytes,
			&row.MemTotalBytes,
			&disks,
			&nics,
			&containers,
		); err != nil {
			return nil, fmt.Errorf("scanning metric row: %w", err)
		}
		row.DisksJSON = disks.String
		row.NICsJSON = nics.String
		row.ContainersJSON = containers.String
		samples = append(samples, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metric rows: %w", err)
	}
	return samples, nil
}

// CreateMonitor inserts a service monitor definition.
func (s *SQLiteStore) CreateMonitor(ctx context.Context, m *ServiceMonitor) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO service_monitors (user_id, agent_id, kind, target, interval_seconds, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.UserID,
		m.AgentID,
		m.Kind,
		m.Target,
		m.IntervalSeconds,
		m.Active,
		m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting monitor: %w", err)
	}

	m.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting monitor id: %w", err)
	}
	return nil
}

// ListMonitorsForAgent returns the agent's active monitors.
func (s *SQLiteStore) ListMonitorsForAgent(ctx context.Context, agentID int64) ([]*ServiceMonitor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, kind, target, interval_seconds, active, created_at
		FROM service_monitors
		WHERE agent_id = ? AND active = 1
		ORDER BY id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying monitors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var monitors []*ServiceMonitor
	for rows.Next() {
		var m ServiceMonitor
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UserID, &m.AgentID, &m.Kind, &m.Target,
			&m.IntervalSeconds, &m.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning monitor: %w", err)
		}
		m.CreatedAt = s.parseTime(createdAt, "service_monitors.created_at")
		monitors = append(monitors, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating monitor rows: %w", err)
	}
	return monitors, nil
}

// DeleteMonitor removes a monitor definition.
func (s *SQLiteStore) DeleteMonitor(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM service_monitors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting monitor: %w", err)
	}
	return requireRow(result)
}

// InsertMonitorResult writes one probe outcome.
func (s *SQLiteStore) InsertMonitorResult(ctx context.Context, r *MonitorResultRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO monitor_results (monitor_id, agent_id, timestamp_ms, is_up, latency_ms, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.MonitorID,
		r.AgentID,
		r.TimestampMs,
		r.IsUp,
		r.LatencyMs,
		nullString(r.Details),
	)
	if err != nil {
		return fmt.Errorf("inserting monitor result: %w", err)
	}
	return nil
}

// ReplaceContainers swaps the agent's container inventory for the given set.
func (s *SQLiteStore) ReplaceContainers(ctx context.Context, agentID int64, rows []*DockerContainerRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM docker_containers WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clearing container inventory: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO docker_containers (agent_id, container_id, name, image, state, created_at_ms, seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agentID,
			row.ContainerID,
			row.Name,
			row.Image,
			row.State,
			row.CreatedAtMs,
			now,
		); err != nil {
			return fmt.Errorf("inserting container row: %w", err)
		}
	}

	return tx.Commit()
}

// ListContainers returns the agent's last reported container inventory.
func (s *SQLiteStore) ListContainers(ctx context.Context, agentID int64) ([]*DockerContainerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, container_id, name, image, state, created_at_ms, seen_at
		FROM docker_containers
		WHERE agent_id = ?
		ORDER BY name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying containers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var containers []*DockerContainerRow
	for rows.Next() {
		var row DockerContainerRow
		var seenAt string
		if err := rows.Scan(&row.AgentID, &row.ContainerID, &row.Name, &row.Image,
			&row.State, &row.CreatedAtMs, &seenAt); err != nil {
			return nil, fmt.Errorf("scanning container row: %w", err)
		}
		row.SeenAt = s.parseTime(seenAt, "docker_containers.seen_at")
		containers = append(containers, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating container rows: %w", err)
	}
	return containers, nil
}
