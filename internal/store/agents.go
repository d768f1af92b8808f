// ABOUTME: Agent persistence for the SQLite store
// ABOUTME: Creation on first handshake, token lookup, tag queries, last-seen updates

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const agentColumns = `id, user_id, name, hostname, token_hash, capabilities, tags, last_seen_at, created_at, updated_at`

// CreateAgent inserts a new agent record and assigns its server ID.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	query := `
		INSERT INTO agents (user_id, name, hostname, token_hash, capabilities, tags, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.UserID,
		agent.Name,
		agent.Hostname,
		agent.TokenHash,
		nullString(joinList(agent.Capabilities)),
		nullString(joinList(agent.Tags)),
		nullTime(agent.LastSeenAt),
		agent.CreatedAt.Format(time.RFC3339Nano),
		agent.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("agent token already registered: %w", ErrDuplicate)
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting agent id: %w", err)
	}
	agent.ID = id

	s.logger.Debug("created agent", "id", agent.ID, "hostname", agent.Hostname)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return s.scanAgent(row)
}

// GetAgentByTokenHash retrieves the agent registered with the given token hash.
func (s *SQLiteStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = ?`, tokenHash)
	return s.scanAgent(row)
}

// ListAgentsByUser returns all agents owned by the user, newest first.
func (s *SQLiteStore) ListAgentsByUser(ctx context.Context, userID int64) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectAgents(rows)
}

// ListAgentsByTags returns the user's agents carrying all of the given tags.
// Tag matching is done in Go; agent counts per user are small.
func (s *SQLiteStore) ListAgentsByTags(ctx context.Context, userID int64, tags []string) ([]*Agent, error) {
	agents, err := s.ListAgentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var matched []*Agent
	for _, a := range agents {
		if hasAllTags(a.Tags, tags) {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// UpdateAgentSeen stamps the agent's last-seen time.
func (s *SQLiteStore) UpdateAgentSeen(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating agent last seen: %w", err)
	}
	return requireRow(result)
}

// UpdateAgent persists name, hostname, capability and tag changes.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = ?, hostname = ?, capabilities = ?, tags = ?, updated_at = ?
		WHERE id = ?`,
		agent.Name,
		agent.Hostname,
		nullString(joinList(agent.Capabilities)),
		nullString(joinList(agent.Tags)),
		agent.UpdatedAt.Format(time.RFC3339Nano),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return requireRow(result)
}

// requireRow maps zero affected rows to ErrNotFound.
func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var capabilities, tags, lastSeen sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.UserID,
		&agent.Name,
		&agent.Hostname,
		&agent.TokenHash,
		&capabilities,
		&tags,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.Capabilities = splitList(capabilities.String)
	agent.Tags = splitList(tags.String)
	agent.LastSeenAt = s.parseNullTime(lastSeen, "agents.last_seen_at")
	agent.CreatedAt = s.parseTime(createdAt, "agents.created_at")
	agent.UpdatedAt = s.parseTime(updatedAt, "agents.updated_at")

	return &agent, nil
}

func (s *SQLiteStore) collectAgents(rows *sql.Rows) ([]*Agent, error) {
	var agents []*Agent
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}
