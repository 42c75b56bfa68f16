package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var lastAccessed, expiresAt sql.NullTime
	var supersededBy, metaJSON sql.NullString

	err := row.Scan(
		&m.ID, &m.Layer, &m.Category, &m.Content, &m.Source, &m.AgentID,
		&m.Importance, &m.Confidence, &m.DecayScore, &m.AccessCount,
		&lastAccessed, &m.CreatedAt, &m.UpdatedAt, &expiresAt,
		&supersededBy, &m.IsPinned, &metaJSON,
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
	m.SupersededBy = supersededBy.String
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

func scanMemoryWithRank(rows *sql.Rows) (*types.Memory, float64, error) {
	var m types.Memory
	var lastAccessed, expiresAt sql.NullTime
	var supersededBy, metaJSON sql.NullString
	var rank float64

	err := rows.Scan(
		&m.ID, &m.Layer, &m.Category, &m.Content, &m.Source, &m.AgentID,
		&m.Importance, &m.Confidence, &m.DecayScore, &m.AccessCount,
		&lastAccessed, &m.CreatedAt, &m.UpdatedAt, &expiresAt,
		&supersededBy, &m.IsPinned, &metaJSON, &rank,
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
	m.SupersededBy = supersededBy.String
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return nil, 0, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, rank, nil
}

// buildWhere renders filter as a WHERE clause with $n placeholders
// starting at firstArg, returning the clause, args, and the next free
// placeholder index.
func buildWhere(f store.MemoryFilter, now time.Time, firstArg int) (string, []interface{}, int) {
	var clauses []string
	var args []interface{}
	n := firstArg
	arg := func(v interface{}) string {
		args = append(args, v)
		ph := fmt.Sprintf("$%d", n)
		n++
		return ph
	}

	clauses = append(clauses, "agent_id = "+arg(f.AgentID))
	if len(f.Layers) > 0 {
		ph := make([]string, len(f.Layers))
		for i, l := range f.Layers {
			ph[i] = arg(l)
		}
		clauses = append(clauses, "layer IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.Categories) > 0 {
		ph := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			ph[i] = arg(c)
		}
		clauses = append(clauses, "category IN ("+strings.Join(ph, ", ")+")")
	}
	if f.ActiveOnly {
		clauses = append(clauses, "superseded_by IS NULL")
		clauses = append(clauses, "(expires_at IS NULL OR expires_at > "+arg(now)+")")
	}
	if f.ExcludePinned {
		clauses = append(clauses, "is_pinned = FALSE")
	}
	if len(f.ExcludeIDs) > 0 {
		ph := make([]string, len(f.ExcludeIDs))
		for i, id := range f.ExcludeIDs {
			ph[i] = arg(id)
		}
		clauses = append(clauses, "id NOT IN ("+strings.Join(ph, ", ")+")")
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, n
}
