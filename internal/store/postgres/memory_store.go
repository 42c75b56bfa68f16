// Package postgres is the alternate Store backend, selected by
// CORTEX_STORAGE_ENGINE=postgres: the same contract as the sqlite backend
// over lib/pq, with pg_trgm similarity standing in for the trigram
// full-text rank. Pairs with the pgvector VectorIndex so memories and
// vectors share one database server.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vocab"
)

// MemoryStore implements store.Store over PostgreSQL.
type MemoryStore struct {
	db    *sql.DB
	clock clock.Clock
}

var _ store.Store = (*MemoryStore)(nil)

// Open connects to dsn and applies pending migrations.
func Open(dsn string, clk clock.Clock) (*MemoryStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{db: db, clock: clk}, nil
}

// Close releases the connection pool.
func (s *MemoryStore) Close() error { return s.db.Close() }

// DB exposes the underlying pool for the pgvector index and config
// persistence.
func (s *MemoryStore) DB() *sql.DB { return s.db }

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

const memoryColumns = `id, layer, category, content, source, agent_id, importance, confidence,
	decay_score, access_count, last_accessed, created_at, updated_at,
	expires_at, superseded_by, is_pinned, metadata`

// InsertMemory validates and writes the initial row (spec §4.1).
func (s *MemoryStore) InsertMemory(ctx context.Context, p store.InsertMemoryParams) (*types.Memory, error) {
	if err := vocab.ValidateMemoryFields(p.Layer, p.Category, p.Importance, p.Confidence); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	if p.Layer == types.LayerWorking && p.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: working memory requires expires_at", store.ErrValidation)
	}
	if p.AgentID == "" {
		p.AgentID = types.DefaultAgentID
	}

	now := s.clock.Now()
	m := &types.Memory{
		ID:         newID(),
		Layer:      p.Layer,
		Category:   p.Category,
		Content:    p.Content,
		Source:     p.Source,
		AgentID:    p.AgentID,
		Importance: p.Importance,
		Confidence: p.Confidence,
		DecayScore: 1.0,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  p.ExpiresAt,
		IsPinned:   p.IsPinned,
		Metadata:   p.Metadata,
	}
	metaJSON, err := marshalMeta(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", store.ErrValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,NULL,$10,$11,$12,NULL,$13,$14)
	`, m.ID, m.Layer, m.Category, m.Content, m.Source, m.AgentID, m.Importance,
		m.Confidence, m.DecayScore, m.CreatedAt, m.UpdatedAt, m.ExpiresAt, m.IsPinned, metaJSON)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert memory: %w", err)
	}
	return m, nil
}

// GetMemory fetches one memory by id.
func (s *MemoryStore) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get memory: %w", err)
	}
	return m, nil
}

// UpdateMemory applies a whitelisted patch, always bumping updated_at.
func (s *MemoryStore) UpdateMemory(ctx context.Context, id string, patch store.MemoryPatch) (*types.Memory, error) {
	existing, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = $1"}
	args := []interface{}{s.clock.Now()}
	n := 2
	arg := func(v interface{}) string {
		args = append(args, v)
		ph := fmt.Sprintf("$%d", n)
		n++
		return ph
	}

	if patch.Layer != nil {
		if !vocab.IsValidLayer(*patch.Layer) {
			return nil, fmt.Errorf("%w: invalid layer %q", store.ErrValidation, *patch.Layer)
		}
		sets = append(sets, "layer = "+arg(*patch.Layer))
		existing.Layer = *patch.Layer
	}
	if patch.Importance != nil {
		if *patch.Importance < 0 || *patch.Importance > 1 {
			return nil, fmt.Errorf("%w: importance out of range", store.ErrValidation)
		}
		sets = append(sets, "importance = "+arg(*patch.Importance))
		existing.Importance = *patch.Importance
	}
	if patch.Confidence != nil {
		if *patch.Confidence < 0 || *patch.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence out of range", store.ErrValidation)
		}
		sets = append(sets, "confidence = "+arg(*patch.Confidence))
		existing.Confidence = *patch.Confidence
	}
	if patch.DecayScore != nil {
		v := clamp01(*patch.DecayScore)
		sets = append(sets, "decay_score = "+arg(v))
		existing.DecayScore = v
	}
	if patch.ClearExpires {
		sets = append(sets, "expires_at = NULL")
		existing.ExpiresAt = nil
	} else if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = "+arg(*patch.ExpiresAt))
		existing.ExpiresAt = patch.ExpiresAt
	}
	if patch.MetadataSet {
		metaJSON, err := marshalMeta(patch.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", store.ErrValidation, err)
		}
		sets = append(sets, "metadata = "+arg(metaJSON))
		existing.Metadata = patch.Metadata
	}

	args = append(args, id)
	q := fmt.Sprintf("UPDATE memories SET %s WHERE id = $%d", strings.Join(sets, ", "), n)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("postgres: update memory: %w", err)
	}
	existing.UpdatedAt = args[0].(time.Time)
	return existing, nil
}

// MarkSuperseded links id into a version chain.
func (s *MemoryStore) MarkSuperseded(ctx context.Context, id, supersededBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET superseded_by = $1, updated_at = $2 WHERE id = $3`,
		supersededBy, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("postgres: mark superseded: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteMemory hard-deletes a row.
func (s *MemoryStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete memory: %w", err)
	}
	return checkRowsAffected(res)
}

// ListMemories returns memories matching filter, newest first.
func (s *MemoryStore) ListMemories(ctx context.Context, filter store.MemoryFilter) ([]*types.Memory, error) {
	filter.NormalizeFilter()
	where, args, n := buildWhere(filter, s.clock.Now(), 1)
	q := fmt.Sprintf(`SELECT `+memoryColumns+` FROM memories %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, n, n+1)
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// SearchFullText ranks by pg_trgm similarity; rank is 1 − similarity so
// lower still means a better match, matching the contract (spec §4.1).
func (s *MemoryStore) SearchFullText(ctx context.Context, query string, filter store.MemoryFilter, limit int) ([]store.SearchHit, error) {
	sanitized := store.SanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	filter.NormalizeFilter()

	where, args, n := buildWhere(filter, s.clock.Now(), 2)
	args = append([]interface{}{sanitized}, args...)
	cond := "content % $1"
	if where != "" {
		cond += " AND " + strings.TrimPrefix(where, "WHERE ")
	}
	q := fmt.Sprintf(`
		SELECT `+memoryColumns+`, 1 - similarity(content, $1) AS rank
		FROM memories WHERE %s ORDER BY rank LIMIT $%d`, cond, n)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: full text search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []store.SearchHit
	for rows.Next() {
		m, rank, err := scanMemoryWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan search hit: %w", err)
		}
		hits = append(hits, store.SearchHit{Memory: m, Rank: rank})
	}
	return hits, rows.Err()
}

// GetMemoryVersionChain reuses the shared bidirectional walk.
func (s *MemoryStore) GetMemoryVersionChain(ctx context.Context, id string) ([]*types.Memory, error) {
	return store.WalkVersionChain(ctx, id, s.GetMemory, s.findPredecessor)
}

func (s *MemoryStore) findPredecessor(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE superseded_by = $1`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find predecessor: %w", err)
	}
	return m, nil
}

// BumpAccess increments access counts and appends AccessLog rows in one
// transaction.
func (s *MemoryStore) BumpAccess(ctx context.Context, ids []string, query string) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.clock.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: bump access begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for rank, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, last_accessed = $1 WHERE id = $2`,
			now, id); err != nil {
			return fmt.Errorf("postgres: bump access update: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_log (id, memory_id, query, rank, accessed_at) VALUES ($1,$2,$3,$4,$5)`,
			newID(), id, query, rank, now); err != nil {
			return fmt.Errorf("postgres: bump access log: %w", err)
		}
	}
	return tx.Commit()
}

// ExpireWorking deletes expired working memories, returning them for
// vector pruning.
func (s *MemoryStore) ExpireWorking(ctx context.Context, now time.Time, batchSize int) ([]*types.Memory, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE layer = $1 AND expires_at IS NOT NULL AND expires_at < $2
			LIMIT $3
		)
		RETURNING `+memoryColumns, types.LayerWorking, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("postgres: expire working: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func marshalMeta(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
