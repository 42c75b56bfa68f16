// Package sqlite is the default Store backend (spec §4.1), a CGO-free
// SQLite database accessed through modernc.org/sqlite, grounded on the
// reference corpus's internal/storage/sqlite.MemoryStore: same CRUD shape,
// same cycle-safe version-chain walk, same access-count/decay coupling.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vocab"

	_ "modernc.org/sqlite"
)

// MemoryStore implements store.Store over a SQLite database.
type MemoryStore struct {
	db    *sql.DB
	clock clock.Clock
}

var _ store.Store = (*MemoryStore)(nil)

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations.
func Open(path string, clk clock.Clock) (*MemoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
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

// Close releases the underlying database handle.
func (s *MemoryStore) Close() error { return s.db.Close() }

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// InsertMemory validates layer/category/importance/confidence, assigns an
// id and timestamps, and writes the initial row with decay_score=1.0,
// access_count=0 (spec §4.1).
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
		INSERT INTO memories (
			id, layer, category, content, source, agent_id, importance, confidence,
			decay_score, access_count, last_accessed, created_at, updated_at,
			expires_at, superseded_by, is_pinned, metadata
		) VALUES (?,?,?,?,?,?,?,?,?,0,NULL,?,?,?,NULL,?,?)
	`, m.ID, m.Layer, m.Category, m.Content, m.Source, m.AgentID, m.Importance, m.Confidence,
		m.DecayScore, m.CreatedAt, m.UpdatedAt, m.ExpiresAt, boolToInt(m.IsPinned), metaJSON)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert memory: %w", err)
	}
	return m, nil
}

// GetMemory fetches a single memory by id.
func (s *MemoryStore) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelectSQL+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get memory: %w", err)
	}
	return m, nil
}

// UpdateMemory applies a whitelisted attribute patch, always bumping
// updated_at (spec §4.1/§3.1 lifecycle "attribute patch").
func (s *MemoryStore) UpdateMemory(ctx context.Context, id string, patch store.MemoryPatch) (*types.Memory, error) {
	existing, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{s.clock.Now()}

	if patch.Layer != nil {
		if !vocab.IsValidLayer(*patch.Layer) {
			return nil, fmt.Errorf("%w: invalid layer %q", store.ErrValidation, *patch.Layer)
		}
		sets = append(sets, "layer = ?")
		args = append(args, *patch.Layer)
		existing.Layer = *patch.Layer
	}
	if patch.Importance != nil {
		if *patch.Importance < 0 || *patch.Importance > 1 {
			return nil, fmt.Errorf("%w: importance out of range", store.ErrValidation)
		}
		sets = append(sets, "importance = ?")
		args = append(args, *patch.Importance)
		existing.Importance = *patch.Importance
	}
	if patch.Confidence != nil {
		if *patch.Confidence < 0 || *patch.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence out of range", store.ErrValidation)
		}
		sets = append(sets, "confidence = ?")
		args = append(args, *patch.Confidence)
		existing.Confidence = *patch.Confidence
	}
	if patch.DecayScore != nil {
		sets = append(sets, "decay_score = ?")
		args = append(args, clamp01(*patch.DecayScore))
		existing.DecayScore = clamp01(*patch.DecayScore)
	}
	if patch.ClearExpires {
		sets = append(sets, "expires_at = NULL")
		existing.ExpiresAt = nil
	} else if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *patch.ExpiresAt)
		existing.ExpiresAt = patch.ExpiresAt
	}
	if patch.MetadataSet {
		metaJSON, err := marshalMeta(patch.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", store.ErrValidation, err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metaJSON)
		existing.Metadata = patch.Metadata
	}

	args = append(args, id)
	q := fmt.Sprintf(`UPDATE memories SET %s WHERE id = ?`, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("sqlite: update memory: %w", err)
	}
	existing.UpdatedAt = s.clock.Now()
	return existing, nil
}

// MarkSuperseded sets id's superseded_by pointer, forming a version-chain
// link (spec §3.1 lifecycle "mark superseded").
func (s *MemoryStore) MarkSuperseded(ctx context.Context, id, supersededBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET superseded_by = ?, updated_at = ? WHERE id = ?`,
		supersededBy, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark superseded: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteMemory hard-deletes a memory row (spec §3.1 lifecycle "destroyed").
func (s *MemoryStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete memory: %w", err)
	}
	return checkRowsAffected(res)
}

// ListMemories returns memories matching filter, newest first, paginated.
func (s *MemoryStore) ListMemories(ctx context.Context, filter store.MemoryFilter) ([]*types.Memory, error) {
	filter.NormalizeFilter()
	where, args := buildWhere(filter, s.clock.Now())
	q := memorySelectSQL + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// SearchFullText runs the trigram FTS5 query produced by
// store.SanitizeFTSQuery and returns hits ordered by rank ascending
// (spec §4.1).
func (s *MemoryStore) SearchFullText(ctx context.Context, query string, filter store.MemoryFilter, limit int) ([]store.SearchHit, error) {
	sanitized := store.SanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	filter.NormalizeFilter()

	ftsMatch := toTrigramMatch(sanitized)
	q := fmt.Sprintf(`
		SELECT %s, fts.rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?
	`, memoryColumnsAliasM)
	args := []interface{}{ftsMatch}
	cond := whereConditionsArgs(filter, s.clock.Now(), "m")
	if len(cond.clauses) > 0 {
		q += " AND " + strings.Join(cond.clauses, " AND ")
		args = append(args, cond.args...)
	}
	q += " ORDER BY fts.rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: full text search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []store.SearchHit
	for rows.Next() {
		m, rank, err := scanMemoryWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan search hit: %w", err)
		}
		hits = append(hits, store.SearchHit{Memory: m, Rank: rank})
	}
	return hits, rows.Err()
}

// GetMemoryVersionChain walks backward and forward via superseded_by,
// bounded at 50 hops each direction, cycle-safe (spec §4.1, §8 invariant 1/5).
func (s *MemoryStore) GetMemoryVersionChain(ctx context.Context, id string) ([]*types.Memory, error) {
	return store.WalkVersionChain(ctx, id, s.GetMemory, s.findPredecessor)
}

func (s *MemoryStore) findPredecessor(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelectSQL+` WHERE superseded_by = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find predecessor: %w", err)
	}
	return m, nil
}

// BumpAccess atomically increments access_count, sets last_accessed, and
// appends one AccessLog row per id (spec §4.1). The batch runs in one
// transaction, so a failure on any id rolls back the earlier ids as well.
func (s *MemoryStore) BumpAccess(ctx context.Context, ids []string, query string) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.clock.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: bump access begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for rank, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
			now, id); err != nil {
			return fmt.Errorf("sqlite: bump access update: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_log (id, memory_id, query, rank, accessed_at) VALUES (?,?,?,?,?)`,
			newID(), id, query, rank, now); err != nil {
			return fmt.Errorf("sqlite: bump access log: %w", err)
		}
	}
	return tx.Commit()
}

// ExpireWorking deletes working-layer memories whose expires_at has
// passed, returning the deleted rows so the caller can prune their vectors
// (spec §4.10 phase 1).
func (s *MemoryStore) ExpireWorking(ctx context.Context, now time.Time, batchSize int) ([]*types.Memory, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	rows, err := s.db.QueryContext(ctx, memorySelectSQL+`
		WHERE layer = ? AND expires_at IS NOT NULL AND expires_at < ?
		LIMIT ?`, types.LayerWorking, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select expired working: %w", err)
	}
	expired, err := scanMemories(rows)
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan expired working: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: expire working begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, m.ID); err != nil {
			return nil, fmt.Errorf("sqlite: expire working delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: expire working commit: %w", err)
	}
	return expired, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
