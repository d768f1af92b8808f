// ABOUTME: Batch command and child task persistence for the SQLite store
// ABOUTME: Parent+children created in one transaction; statuses are append-only

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateBatch inserts the batch and all of its children in one transaction so
// the materialized target set is durable before any send is attempted.
func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *BatchCommand, children []*ChildTask) error {
	now := time.Now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now

	targetJSON, err := json.Marshal(batch.Target)
	if err != nil {
		return fmt.Errorf("encoding target selector: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_commands (id, user_id, command, working_dir, target_json,
			queue_if_offline, timeout_seconds, status, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.UserID,
		batch.Command,
		nullString(batch.WorkingDir),
		string(targetJSON),
		batch.QueueIfOffline,
		batch.TimeoutSeconds,
		string(batch.Status),
		batch.CreatedAt.Format(time.RFC3339Nano),
		batch.UpdatedAt.Format(time.RFC3339Nano),
		nullTime(batch.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}

	for _, child := range children {
		if child.CreatedAt.IsZero() {
			child.CreatedAt = now
		}
		child.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO child_tasks (id, batch_id, agent_id, status, exit_code, error_message,
				stdout_path, stderr_path, started_at, completed_at, last_output_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			child.ID,
			child.BatchID,
			child.AgentID,
			string(child.Status),
			child.ExitCode,
			nullString(child.ErrorMessage),
			nullString(child.StdoutPath),
			nullString(child.StderrPath),
			nullTime(child.StartedAt),
			nullTime(child.CompletedAt),
			nullTime(child.LastOutputAt),
			child.CreatedAt.Format(time.RFC3339Nano),
			child.UpdatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("child for agent %d: %w", child.AgentID, ErrDuplicate)
			}
			return fmt.Errorf("inserting child task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	s.logger.Debug("created batch", "id", batch.ID, "children", len(children))
	return nil
}

const batchColumns = `id, user_id, command, working_dir, target_json, queue_if_offline,
	timeout_seconds, status, created_at, updated_at, completed_at`

// GetBatch retrieves a batch by ID.
// Returns ErrNotFound if the batch doesn't exist.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*BatchCommand, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batch_commands WHERE id = ?`, id)
	return s.scanBatch(row)
}

// UpdateBatchStatus moves the batch to a new aggregate status. Completed
// statuses are never overwritten; 'canceled' still converges to
// completed_all_canceled once the children wind down.
func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, id string, status BatchStatus, completedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_commands
		SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (
			'completed_all_succeeded', 'completed_partial_failure',
			'completed_all_failed', 'completed_all_canceled'
		)`,
		string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
		nullTime(completedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating batch status: %w", err)
	}
	return requireRow(result)
}

// ListBatches returns the user's batches, newest first, honoring the filter.
func (s *SQLiteStore) ListBatches(ctx context.Context, userID int64, filter BatchFilter) ([]*BatchCommand, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_commands WHERE user_id = ?`
	args := []any{userID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []*BatchCommand
	for rows.Next() {
		batch, err := s.scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch rows: %w", err)
	}
	return batches, nil
}

func (s *SQLiteStore) scanBatch(row rowScanner) (*BatchCommand, error) {
	var batch BatchCommand
	var workingDir, completedAt sql.NullString
	var targetJSON, status, createdAt, updatedAt string

	err := row.Scan(
		&batch.ID,
		&batch.UserID,
		&batch.Command,
		&workingDir,
		&targetJSON,
		&batch.QueueIfOffline,
		&batch.TimeoutSeconds,
		&status,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning batch: %w", err)
	}

	if err := json.Unmarshal([]byte(targetJSON), &batch.Target); err != nil {
		return nil, fmt.Errorf("decoding target selector: %w", err)
	}
	batch.WorkingDir = workingDir.String
	batch.Status = BatchStatus(status)
	batch.CreatedAt = s.parseTime(createdAt, "batch_commands.created_at")
	batch.UpdatedAt = s.parseTime(updatedAt, "batch_commands.updated_at")
	batch.CompletedAt = s.parseNullTime(completedAt, "batch_commands.completed_at")

	return &batch, nil
}

const childColumns = `id, batch_id, agent_id, status, exit_code, error_message,
	stdout_path, stderr_path, started_at, completed_at, last_output_at, created_at, updated_at`

// GetChild retrieves a child task by ID.
func (s *SQLiteStore) GetChild(ctx context.Context, id string) (*ChildTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+childColumns+` FROM child_tasks WHERE id = ?`, id)
	return s.scanChild(row)
}

// ListChildren returns all children of a batch ordered by agent ID.
func (s *SQLiteStore) ListChildren(ctx context.Context, batchID string) ([]*ChildTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+childColumns+` FROM child_tasks WHERE batch_id = ? ORDER BY agent_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("querying children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectChildren(rows)
}

// ListPendingChildrenForAgent returns queued children awaiting the agent,
// oldest first, so offline-queued commands dispatch in submission order.
func (s *SQLiteStore) ListPendingChildrenForAgent(ctx context.Context, agentID int64) ([]*ChildTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+childColumns+` FROM child_tasks
		 WHERE agent_id = ? AND status = 'pending'
		 ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying pending children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectChildren(rows)
}

// UpdateChild persists a child transition. Terminal statuses are never
// overwritten: the WHERE clause skips rows already in a terminal state unless
// the update reasserts the same status (idempotent redelivery).
func (s *SQLiteStore) UpdateChild(ctx context.Context, child *ChildTask) error {
	child.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE child_tasks
		SET status = ?, exit_code = ?, error_message = ?, stdout_path = ?, stderr_path = ?,
			started_at = ?, completed_at = ?, last_output_at = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR status NOT IN (
			'completed_successfully', 'failed', 'timeout',
			'agent_unreachable', 'canceled', 'terminated'
		))`,
		string(child.Status),
		child.ExitCode,
		nullString(child.ErrorMessage),
		nullString(child.StdoutPath),
		nullString(child.StderrPath),
		nullTime(child.StartedAt),
		nullTime(child.CompletedAt),
		nullTime(child.LastOutputAt),
		child.UpdatedAt.Format(time.RFC3339Nano),
		child.ID,
		string(child.Status),
	)
	if err != nil {
		return fmt.Errorf("updating child task: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) scanChild(row rowScanner) (*ChildTask, error) {
	var child ChildTask
	var exitCode sql.NullInt64
	var errorMessage, stdoutPath, stderrPath sql.NullString
	var startedAt, completedAt, lastOutputAt sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&child.ID,
		&child.BatchID,
		&child.AgentID,
		&status,
		&exitCode,
		&errorMessage,
		&stdoutPath,
		&stderrPath,
		&startedAt,
		&completedAt,
		&lastOutputAt,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning child task: %w", err)
	}

	child.Status = ChildStatus(status)
	if exitCode.Valid {
		child.ExitCode = &exitCode.Int64
	}
	child.ErrorMessage = errorMessage.String
	child.StdoutPath = stdoutPath.String
	child.StderrPath = stderrPath.String
	child.StartedAt = s.parseNullTime(startedAt, "child_tasks.started_at")
	child.CompletedAt = s.parseNullTime(completedAt, "child_tasks.completed_at")
	child.LastOutputAt = s.parseNullTime(lastOutputAt, "child_tasks.last_output_at")
	child.CreatedAt = s.parseTime(createdAt, "child_tasks.created_at")
	child.UpdatedAt = s.parseTime(updatedAt, "child_tasks.updated_at")

	return &child, nil
}

func (s *SQLiteStore) collectChildren(rows *sql.Rows) ([]*ChildTask, error) {
	var children []*ChildTask
	for rows.Next() {
		child, err := s.scanChild(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating child rows: %w", err)
	}
	return children, nil
}
