// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides fleet persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       INTEGER NOT NULL,
			name          TEXT NOT NULL,
			hostname      TEXT NOT NULL,
			token_hash    TEXT NOT NULL UNIQUE,
			capabilities  TEXT,
			tags          TEXT,
			last_seen_at  TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);

		CREATE TABLE IF NOT EXISTS batch_commands (
			id               TEXT PRIMARY KEY,
			user_id          INTEGER NOT NULL,
			command          TEXT NOT NULL,
			working_dir      TEXT,
			target_json      TEXT NOT NULL,
			queue_if_offline INTEGER NOT NULL,
			timeout_seconds  INTEGER NOT NULL,
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			completed_at     TEXT,

			CHECK (status IN (
				'pending', 'in_progress',
				'completed_all_succeeded', 'completed_partial_failure',
				'completed_all_failed', 'completed_all_canceled', 'canceled'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_batches_user_created
			ON batch_commands(user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS child_tasks (
			id             TEXT PRIMARY KEY,
			batch_id       TEXT NOT NULL,
			agent_id       INTEGER NOT NULL,
			status         TEXT NOT NULL,
			exit_code      INTEGER,
			error_message  TEXT,
			stdout_path    TEXT,
			stderr_path    TEXT,
			started_at     TEXT,
			completed_at   TEXT,
			last_output_at TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			FOREIGN KEY (batch_id) REFERENCES batch_commands(id),
			CHECK (status IN (
				'pending', 'sent_to_agent', 'agent_accepted', 'executing',
				'completed_successfully', 'failed', 'timeout',
				'agent_unreachable', 'canceled', 'terminated'
			))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_children_batch_agent
			ON child_tasks(batch_id, agent_id);
		CREATE INDEX IF NOT EXISTS idx_children_agent_status
			ON child_tasks(agent_id, status);

		CREATE TABLE IF NOT EXISTS alert_rules (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id           INTEGER NOT NULL,
			agent_id          INTEGER,
			metric_type       TEXT NOT NULL,
			threshold         REAL NOT NULL,
			operator          TEXT NOT NULL,
			duration_seconds  INTEGER NOT NULL,
			cooldown_seconds  INTEGER NOT NULL,
			active            INTEGER NOT NULL DEFAULT 1,
			last_triggered_at TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (operator IN ('<', '<=', '=', '>=', '>', '!=')),
			CHECK (duration_seconds >= 0),
			CHECK (cooldown_seconds >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_rules_active ON alert_rules(active);

		CREATE TABLE IF NOT EXISTS alert_rule_channels (
			rule_id    INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,

			PRIMARY KEY (rule_id, channel_id),
			FOREIGN KEY (rule_id) REFERENCES alert_rules(id) ON DELETE CASCADE,
			FOREIGN KEY (channel_id) REFERENCES notification_channels(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS alert_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id      INTEGER NOT NULL,
			agent_id     INTEGER NOT NULL,
			triggered_at TEXT NOT NULL,
			resolved_at  TEXT,
			details      TEXT,

			FOREIGN KEY (rule_id) REFERENCES alert_rules(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_rule_agent
			ON alert_events(rule_id, agent_id, resolved_at);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_open_unique
			ON alert_events(rule_id, agent_id) WHERE resolved_at IS NULL;

		CREATE TABLE IF NOT EXISTS notification_channels (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL,
			name             TEXT NOT NULL,
			type             TEXT NOT NULL,
			config_encrypted TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (type IN ('telegram', 'webhook'))
		);

		CREATE TABLE IF NOT EXISTS metric_samples (
			agent_id        INTEGER NOT NULL,
			timestamp_ms    INTEGER NOT NULL,
			cpu_percent     REAL NOT NULL,
			mem_used_bytes  INTEGER NOT NULL,
			mem_total_bytes INTEGER NOT NULL,
			disks_json      TEXT,
			nics_json       TEXT,
			containers_json TEXT,

			PRIMARY KEY (agent_id, timestamp_ms)
		);

		CREATE TABLE IF NOT EXISTS service_monitors (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL,
			agent_id         INTEGER NOT NULL,
			kind             TEXT NOT NULL,
			target           TEXT NOT NULL,
			interval_seconds INTEGER NOT NULL,
			active           INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,

			CHECK (kind IN ('http', 'tcp', 'ping'))
		);

		CREATE INDEX IF NOT EXISTS idx_monitors_agent ON service_monitors(agent_id, active);

		CREATE TABLE IF NOT EXISTS monitor_results (
			monitor_id   INTEGER NOT NULL,
			agent_id     INTEGER NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			is_up        INTEGER NOT NULL,
			latency_ms   INTEGER NOT NULL,
			details      TEXT,

			PRIMARY KEY (monitor_id, timestamp_ms)
		);

		CREATE TABLE IF NOT EXISTS docker_containers (
			agent_id      INTEGER NOT NULL,
			container_id  TEXT NOT NULL,
			name          TEXT NOT NULL,
			image         TEXT NOT NULL,
			state         TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			seen_at       TEXT NOT NULL,

			PRIMARY KEY (agent_id, container_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation reports whether err is a SQLite constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts empty strings to NULL for optional columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime formats an optional time as RFC3339 or NULL.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses an RFC3339 column, logging and zeroing on failure.
func (s *SQLiteStore) parseTime(raw, column string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("failed to parse timestamp column", "column", column, "error", err)
		return time.Time{}
	}
	return parsed
}

// parseNullTime parses an optional RFC3339 column.
func (s *SQLiteStore) parseNullTime(raw sql.NullString, column string) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := s.parseTime(raw.String, column)
	if t.IsZero() {
		return nil
	}
	return &t
}

// joinList encodes a string slice as a comma-separated column value.
func joinList(items []string) string {
	return strings.Join(items, ",")
}

// splitList decodes a comma-separated column value.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
