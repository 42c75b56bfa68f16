package postgres

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Number int
	Name   string
	SQL    string
}

// Migrations mirror the sqlite backend's numbering; each runs inside its
// own transaction and is recorded in _migrations (spec §6.2).
var migrations = []migration{
	{1, "init_memories", `
CREATE TABLE IF NOT EXISTS memories (
	id             TEXT PRIMARY KEY,
	layer          TEXT NOT NULL,
	category       TEXT NOT NULL,
	content        TEXT NOT NULL,
	source         TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	importance     DOUBLE PRECISION NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	decay_score    DOUBLE PRECISION NOT NULL,
	access_count   INTEGER NOT NULL DEFAULT 0,
	last_accessed  TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ,
	superseded_by  TEXT,
	is_pinned      BOOLEAN NOT NULL DEFAULT FALSE,
	metadata       TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_agent_layer ON memories(agent_id, layer);
CREATE INDEX IF NOT EXISTS idx_memories_superseded ON memories(superseded_by);
CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);
CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(agent_id, category);
`},
	{2, "init_trgm", `
CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE INDEX IF NOT EXISTS idx_memories_content_trgm ON memories USING gin (content gin_trgm_ops);
`},
	{3, "init_relations", `
CREATE TABLE IF NOT EXISTS relations (
	id               TEXT PRIMARY KEY,
	subject          TEXT NOT NULL,
	predicate        TEXT NOT NULL,
	object           TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	source_memory_id TEXT,
	agent_id         TEXT NOT NULL,
	source           TEXT NOT NULL,
	extraction_count INTEGER NOT NULL DEFAULT 1,
	expired          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE(subject, predicate, object, agent_id)
);
CREATE INDEX IF NOT EXISTS idx_relations_agent ON relations(agent_id);

CREATE TABLE IF NOT EXISTS relation_evidence (
	id               TEXT PRIMARY KEY,
	relation_id      TEXT NOT NULL,
	source_memory_id TEXT,
	confidence       DOUBLE PRECISION NOT NULL,
	channel          TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relation_evidence_relation ON relation_evidence(relation_id);
`},
	{4, "init_logs", `
CREATE TABLE IF NOT EXISTS access_log (
	id          TEXT PRIMARY KEY,
	memory_id   TEXT NOT NULL,
	query       TEXT NOT NULL,
	rank        INTEGER NOT NULL,
	accessed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_log_memory ON access_log(memory_id);

CREATE TABLE IF NOT EXISTS lifecycle_log (
	id         TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	memory_ids TEXT NOT NULL,
	details    TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_log (
	id               TEXT PRIMARY KEY,
	channel          TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	session_id       TEXT,
	raw_output       TEXT,
	parsed_memories  INTEGER NOT NULL DEFAULT 0,
	parsed_relations INTEGER NOT NULL DEFAULT 0,
	error            TEXT,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extraction_log_agent ON extraction_log(agent_id);
`},
	{5, "init_agents_settings", `
CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT,
	config_override TEXT,
	metadata        TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`},
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		number     INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("postgres: create _migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT number FROM _migrations`)
	if err != nil {
		return fmt.Errorf("postgres: read _migrations: %w", err)
	}
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return fmt.Errorf("postgres: scan _migrations: %w", err)
		}
		applied[n] = true
	}
	_ = rows.Close()

	for _, m := range migrations {
		if applied[m.Number] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("postgres: begin migration %d: %w", m.Number, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("postgres: apply migration %d (%s): %w", m.Number, m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO _migrations (number, name) VALUES ($1, $2)`, m.Number, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("postgres: record migration %d: %w", m.Number, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("postgres: commit migration %d: %w", m.Number, err)
		}
	}
	return nil
}
