package sqlite

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Cortex numbers migrations and
// records them in a _migrations table (spec §6.2), running each inside its
// own transaction — the reference MigrationManager's Up() does not
// explicitly BEGIN/COMMIT, so this is tightened rather than copied.
type migration struct {
	Number int
	Name   string
	SQL    string
}

var migrations = []migration{
	{1, "init_memories", schemaMemories},
	{2, "init_fts", schemaFTS},
	{3, "init_relations", schemaRelations},
	{4, "init_logs", schemaLogs},
	{5, "init_agents_settings", schemaAgentsSettings},
}

const schemaMemories = `
CREATE TABLE IF NOT EXISTS memories (
	id             TEXT PRIMARY KEY,
	layer          TEXT NOT NULL,
	category       TEXT NOT NULL,
	content        TEXT NOT NULL,
	source         TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	importance     REAL NOT NULL,
	confidence     REAL NOT NULL,
	decay_score    REAL NOT NULL,
	access_count   INTEGER NOT NULL DEFAULT 0,
	last_accessed  TIMESTAMP,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	expires_at     TIMESTAMP,
	superseded_by  TEXT,
	is_pinned      INTEGER NOT NULL DEFAULT 0,
	metadata       TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_agent_layer ON memories(agent_id, layer);
CREATE INDEX IF NOT EXISTS idx_memories_superseded ON memories(superseded_by);
CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);
CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(agent_id, category);
`

// schemaFTS creates a trigram-tokenized FTS5 index over memory content, per
// spec §4.1's "trigram BM25-style full-text query" requirement, kept in
// sync with the memories table via triggers.
const schemaFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	content='memories',
	content_rowid='rowid',
	tokenize='trigram'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

const schemaRelations = `
CREATE TABLE IF NOT EXISTS relations (
	id               TEXT PRIMARY KEY,
	subject          TEXT NOT NULL,
	predicate        TEXT NOT NULL,
	object           TEXT NOT NULL,
	confidence       REAL NOT NULL,
	source_memory_id TEXT,
	agent_id         TEXT NOT NULL,
	source           TEXT NOT NULL,
	extraction_count INTEGER NOT NULL DEFAULT 1,
	expired          INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	UNIQUE(subject, predicate, object, agent_id)
);
CREATE INDEX IF NOT EXISTS idx_relations_agent ON relations(agent_id);

CREATE TABLE IF NOT EXISTS relation_evidence (
	id               TEXT PRIMARY KEY,
	relation_id      TEXT NOT NULL,
	source_memory_id TEXT,
	confidence       REAL NOT NULL,
	channel          TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relation_evidence_relation ON relation_evidence(relation_id);
`

const schemaLogs = `
CREATE TABLE IF NOT EXISTS access_log (
	id          TEXT PRIMARY KEY,
	memory_id   TEXT NOT NULL,
	query       TEXT NOT NULL,
	rank        INTEGER NOT NULL,
	accessed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_log_memory ON access_log(memory_id);

CREATE TABLE IF NOT EXISTS lifecycle_log (
	id         TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	memory_ids TEXT NOT NULL,
	details    TEXT,
	created_at TIMESTAMP NOT NULL
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
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extraction_log_agent ON extraction_log(agent_id);
`

const schemaAgentsSettings = `
CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT,
	config_override TEXT,
	metadata        TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// applyMigrations runs every not-yet-applied migration, each inside its own
// transaction, recording success in _migrations.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		number     INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("sqlite: create _migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT number FROM _migrations`)
	if err != nil {
		return fmt.Errorf("sqlite: read _migrations: %w", err)
	}
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite: scan _migrations: %w", err)
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
			return fmt.Errorf("sqlite: begin migration %d: %w", m.Number, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: apply migration %d (%s): %w", m.Number, m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO _migrations (number, name) VALUES (?, ?)`, m.Number, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", m.Number, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", m.Number, err)
		}
	}
	return nil
}
