package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

// AppendLifecycleLog writes one audit row.
func (s *MemoryStore) AppendLifecycleLog(ctx context.Context, entry *types.LifecycleLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	idsJSON, err := json.Marshal(entry.MemoryIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal lifecycle memory_ids: %w", err)
	}
	detailsJSON, err := marshalMeta(entry.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal lifecycle details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_log (id, action, memory_ids, details, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, entry.ID, entry.Action, string(idsJSON), detailsJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append lifecycle log: %w", err)
	}
	return nil
}

// ListLifecycleLogs returns the newest audit rows.
func (s *MemoryStore) ListLifecycleLogs(ctx context.Context, limit int) ([]*types.LifecycleLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, memory_ids, details, created_at
		FROM lifecycle_log ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lifecycle logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.LifecycleLog
	for rows.Next() {
		var entry types.LifecycleLog
		var idsJSON string
		var detailsJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Action, &idsJSON, &detailsJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan lifecycle log: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &entry.MemoryIDs); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal lifecycle memory_ids: %w", err)
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal lifecycle details: %w", err)
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// AppendExtractionLog records one extraction attempt.
func (s *MemoryStore) AppendExtractionLog(ctx context.Context, entry *types.ExtractionLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.AgentID == "" {
		entry.AgentID = types.DefaultAgentID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_log (id, channel, agent_id, session_id, raw_output,
			parsed_memories, parsed_relations, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.Channel, entry.AgentID, nullIfEmpty(entry.SessionID),
		nullIfEmpty(entry.RawOutput), entry.ParsedMemories, entry.ParsedRelations,
		nullIfEmpty(entry.Error), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append extraction log: %w", err)
	}
	return nil
}

// ListExtractionLogs returns the newest extraction logs for an agent.
func (s *MemoryStore) ListExtractionLogs(ctx context.Context, agentID string, limit int) ([]*types.ExtractionLog, error) {
	if agentID == "" {
		agentID = types.DefaultAgentID
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, agent_id, session_id, raw_output, parsed_memories,
			parsed_relations, error, created_at
		FROM extraction_log WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list extraction logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ExtractionLog
	for rows.Next() {
		var entry types.ExtractionLog
		var sessionID, rawOutput, errText sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Channel, &entry.AgentID, &sessionID,
			&rawOutput, &entry.ParsedMemories, &entry.ParsedRelations, &errText,
			&entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan extraction log: %w", err)
		}
		entry.SessionID = sessionID.String
		entry.RawOutput = rawOutput.String
		entry.Error = errText.String
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// GetAgent fetches one agent row.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, config_override, metadata, created_at, updated_at
		FROM agents WHERE id = $1
	`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return agent, nil
}

// UpsertAgent inserts or updates an agent row.
func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *types.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("%w: agent id required", store.ErrValidation)
	}
	now := s.clock.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	cfgJSON, err := marshalMeta(agent.ConfigOverride)
	if err != nil {
		return fmt.Errorf("postgres: marshal agent config: %w", err)
	}
	metaJSON, err := marshalMeta(agent.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal agent metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, config_override, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			config_override = EXCLUDED.config_override,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, agent.ID, agent.Name, nullIfEmpty(agent.Description), cfgJSON, metaJSON,
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert agent: %w", err)
	}
	return nil
}

// ListAgents returns all agents, oldest first.
func (s *MemoryStore) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, config_override, metadata, created_at, updated_at
		FROM agents ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var a types.Agent
	var description, cfgJSON, metaJSON sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &description, &cfgJSON, &metaJSON,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Description = description.String
	if cfgJSON.Valid && cfgJSON.String != "" {
		if err := json.Unmarshal([]byte(cfgJSON.String), &a.ConfigOverride); err != nil {
			return nil, fmt.Errorf("unmarshal agent config_override: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal agent metadata: %w", err)
		}
	}
	return &a, nil
}
