package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"
)

// PgVectorIndex stores vectors in a PostgreSQL table with a pgvector
// column, using the <=> cosine-distance operator for KNN. Selected when
// the storage engine is postgres so memories and vectors share one
// database server.
type PgVectorIndex struct {
	db   *sql.DB
	mu   sync.Mutex
	dims int
}

var _ Index = (*PgVectorIndex)(nil)

// NewPgVectorIndex wraps an existing connection. The pgvector extension
// must be installed; Initialize creates the table.
func NewPgVectorIndex(db *sql.DB) *PgVectorIndex {
	return &PgVectorIndex{db: db}
}

// Initialize creates the vector table on first call. Idempotent for the
// same dimensionality.
func (p *PgVectorIndex) Initialize(ctx context.Context, dimensions int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dims != 0 {
		if p.dims != dimensions {
			return ErrDimensionMismatch
		}
		return nil
	}
	if dimensions <= 0 {
		return fmt.Errorf("vectorindex: invalid dimensions %d", dimensions)
	}
	if _, err := p.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("vectorindex: ensure pgvector extension: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
		memory_id TEXT PRIMARY KEY,
		agent_id  TEXT NOT NULL,
		embedding vector(%d) NOT NULL
	)`, dimensions)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("vectorindex: create vector table: %w", err)
	}
	if _, err := p.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_memory_vectors_agent ON memory_vectors(agent_id)`); err != nil {
		return fmt.Errorf("vectorindex: create agent index: %w", err)
	}
	p.dims = dimensions
	return nil
}

// Upsert replaces any prior record for id.
func (p *PgVectorIndex) Upsert(ctx context.Context, id string, vector []float32, agentID string) error {
	if p.dims == 0 {
		return ErrNotInitialized
	}
	if len(vector) != p.dims {
		return ErrDimensionMismatch
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, agent_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (memory_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			embedding = EXCLUDED.embedding
	`, id, agentID, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("vectorindex: pg upsert: %w", err)
	}
	return nil
}

// Search runs a cosine-distance KNN query via the <=> operator.
func (p *PgVectorIndex) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if p.dims == 0 {
		return nil, ErrNotInitialized
	}
	if len(vector) != p.dims {
		return nil, ErrDimensionMismatch
	}
	if topK <= 0 {
		topK = 10
	}

	q := `SELECT memory_id, embedding <=> $1 AS distance FROM memory_vectors`
	args := []interface{}{pgvector.NewVector(vector)}
	if filter != nil && filter.AgentID != "" {
		q += ` WHERE agent_id = $2`
		args = append(args, filter.AgentID)
	}
	q += fmt.Sprintf(` ORDER BY distance LIMIT %d`, topK)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: pg knn query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Distance); err != nil {
			return nil, fmt.Errorf("vectorindex: pg scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the given ids; missing ids are not an error.
func (p *PgVectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 || p.dims == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM memory_vectors WHERE memory_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("vectorindex: pg delete: %w", err)
	}
	return nil
}

// Count reports the number of stored vectors.
func (p *PgVectorIndex) Count(ctx context.Context) (int, error) {
	if p.dims == 0 {
		return 0, nil
	}
	var n int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorindex: pg count: %w", err)
	}
	return n, nil
}

// Close is a no-op: the connection is owned by the postgres Store backend.
func (p *PgVectorIndex) Close() error { return nil }
