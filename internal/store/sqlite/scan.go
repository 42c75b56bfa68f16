package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

const memoryColumns = `id, layer, category, content, source, agent_id, importance, confidence,
	decay_score, access_count, last_accessed, created_at, updated_at,
	expires_at, superseded_by, is_pinned, metadata`

const memorySelectSQL = `SELECT ` + memoryColumns + ` FROM memories`

// memoryColumnsAliasM is the same column list qualified with the "m" alias,
// for queries joining memories against memories_fts.
var memoryColumnsAliasM = func() string {
	parts := strings.Split(memoryColumns, ",")
	for i, p := range parts {
		parts[i] = "m." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}()

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var lastAccessed, expiresAt sql.NullTime
	var supersededBy sql.NullString
	var metaJSON sql.NullString
	var isPinned int

	err := row.Scan(
		&m.ID, &m.Layer, &m.Category, &m.Content, &m.Source, &m.AgentID,
		&m.Importance, &m.Confidence, &m.DecayScore, &m.AccessCount,
		&lastAccessed, &m.CreatedAt, &m.UpdatedAt, &expiresAt,
		&supersededBy, &isPinned, &metaJSON,
	)
	if err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		m.LastAccessed = &lastAccessed.Time
	}
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Time
	}
	if supersededBy.Valid {
		m.SupersededBy = supersededBy.String
	}
	m.IsPinned = isPinned != 0
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// scanMemoryWithRank scans a memory row plus the trailing fts.rank column
// (FTS5's bm25-style rank pseudocolumn; more negative is a better match).
func scanMemoryWithRank(rows *sql.Rows) (*types.Memory, float64, error) {
	var m types.Memory
	var lastAccessed, expiresAt sql.NullTime
	var supersededBy sql.NullString
	var metaJSON sql.NullString
	var isPinned int
	var rank float64

	err := rows.Scan(
		&m.ID, &m.Layer, &m.Category, &m.Content, &m.Source, &m.AgentID,
		&m.Importance, &m.Confidence, &m.DecayScore, &m.AccessCount,
		&lastAccessed, &m.CreatedAt, &m.UpdatedAt, &expiresAt,
		&supersededBy, &isPinned, &metaJSON, &rank,
	)
	if err != nil {
		return nil, 0, err
	}
	if lastAccessed.Valid {
		m.LastAccessed = &lastAccessed.Time
	}
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Time
	}
	if supersededBy.Valid {
		m.SupersededBy = supersededBy.String
	}
	m.IsPinned = isPinned != 0
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return nil, 0, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, rank, nil
}

func buildWhere(f store.MemoryFilter, now time.Time) (string, []interface{}) {
	cond := whereConditionsArgs(f, now, "")
	if len(cond.clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(cond.clauses, " AND "), cond.args
}

// whereConditions renders the same filter as a bare "AND"-joinable
// condition string (no leading WHERE), qualifying column references with
// alias (e.g. "m") when joining against memories_fts.
func whereConditions(f store.MemoryFilter, now time.Time, alias string) string {
	cond := whereConditionsArgs(f, now, alias)
	return strings.Join(cond.clauses, " AND ")
}

type conditions struct {
	clauses []string
	args    []interface{}
}

func whereConditionsArgs(f store.MemoryFilter, now time.Time, alias string) conditions {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}

	var c conditions
	c.clauses = append(c.clauses, col("agent_id")+" = ?")
	c.args = append(c.args, f.AgentID)

	if len(f.Layers) > 0 {
		ph := placeholders(len(f.Layers))
		c.clauses = append(c.clauses, col("layer")+" IN ("+ph+")")
		for _, l := range f.Layers {
			c.args = append(c.args, l)
		}
	}
	if len(f.Categories) > 0 {
		ph := placeholders(len(f.Categories))
		c.clauses = append(c.clauses, col("category")+" IN ("+ph+")")
		for _, cat := range f.Categories {
			c.args = append(c.args, cat)
		}
	}
	if f.ActiveOnly {
		c.clauses = append(c.clauses, col("superseded_by")+" IS NULL")
		c.clauses = append(c.clauses, "("+col("expires_at")+" IS NULL OR "+col("expires_at")+" > ?)")
		c.args = append(c.args, now)
	}
	if f.ExcludePinned {
		c.clauses = append(c.clauses, col("is_pinned")+" = 0")
	}
	if len(f.ExcludeIDs) > 0 {
		ph := placeholders(len(f.ExcludeIDs))
		c.clauses = append(c.clauses, col("id")+" NOT IN ("+ph+")")
		for _, id := range f.ExcludeIDs {
			c.args = append(c.args, id)
		}
	}
	return c
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ", ")
}

// toTrigramMatch renders a sanitized query for FTS5's trigram tokenizer:
// each token of at least 3 runes becomes a quoted phrase, joined with OR
// so any matching token surfaces a row and bm25 ranks by how many match.
// Sub-trigram tokens produce no trigram terms and are dropped; when every
// token is that short, the whole string is quoted as a single phrase.
func toTrigramMatch(sanitized string) string {
	quote := func(s string) string {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	var terms []string
	for _, tok := range strings.Fields(sanitized) {
		if len([]rune(tok)) >= 3 {
			terms = append(terms, quote(tok))
		}
	}
	if len(terms) == 0 {
		return quote(sanitized)
	}
	return strings.Join(terms, " OR ")
}
