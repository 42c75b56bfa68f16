package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// SQLiteVecIndex is the default Index backend: a vec0 virtual table in a
// SQLite database, via the sqlite-vec extension bundled with the ncruces
// driver. The vector database is a separate file from the Store's so the
// extension-enabled driver never touches memory rows.
type SQLiteVecIndex struct {
	db   *sql.DB
	mu   sync.Mutex
	dims int
}

var _ Index = (*SQLiteVecIndex)(nil)

// OpenSQLiteVec opens (creating if necessary) the vector database at path.
// Initialize must be called before Upsert/Search.
func OpenSQLiteVec(path string) (*SQLiteVecIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteVecIndex{db: db}, nil
}

// Initialize creates the vec0 virtual table on first call. Idempotent: a
// second call with the same dimensionality is a no-op; a different
// dimensionality is rejected.
func (s *SQLiteVecIndex) Initialize(ctx context.Context, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dims != 0 {
		if s.dims != dimensions {
			return ErrDimensionMismatch
		}
		return nil
	}
	if dimensions <= 0 {
		return fmt.Errorf("vectorindex: invalid dimensions %d", dimensions)
	}
	// agent_id is a partition key so KNN queries can constrain by agent
	// inside the vec0 scan rather than post-filtering.
	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
		memory_id TEXT PRIMARY KEY,
		agent_id TEXT PARTITION KEY,
		embedding FLOAT[%d] distance_metric=cosine
	)`, dimensions)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("vectorindex: create vec0 table: %w", err)
	}
	s.dims = dimensions
	return nil
}

// Upsert replaces any prior vector for id. vec0 virtual tables do not
// support ON CONFLICT, so this is a delete-then-insert in a transaction.
func (s *SQLiteVecIndex) Upsert(ctx context.Context, id string, vector []float32, agentID string) error {
	if s.dims == 0 {
		return ErrNotInitialized
	}
	if len(vector) != s.dims {
		return ErrDimensionMismatch
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("vectorindex: marshal vector: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: upsert begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("vectorindex: upsert delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_vectors (memory_id, agent_id, embedding) VALUES (?, ?, ?)`,
		id, agentID, string(vecJSON)); err != nil {
		return fmt.Errorf("vectorindex: upsert insert: %w", err)
	}
	return tx.Commit()
}

// Search runs a vec0 KNN query, optionally partitioned by agent, returning
// cosine distances ascending.
func (s *SQLiteVecIndex) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if s.dims == 0 {
		return nil, ErrNotInitialized
	}
	if len(vector) != s.dims {
		return nil, ErrDimensionMismatch
	}
	if topK <= 0 {
		topK = 10
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: marshal query vector: %w", err)
	}

	q := `SELECT memory_id, distance FROM memory_vectors WHERE embedding MATCH ? AND k = ?`
	args := []interface{}{string(vecJSON), topK}
	if filter != nil && filter.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	q += ` ORDER BY distance`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: knn query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Distance); err != nil {
			return nil, fmt.Errorf("vectorindex: scan knn row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the given ids; missing ids are not an error.
func (s *SQLiteVecIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 || s.dims == 0 {
		return nil
	}
	ph := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_vectors WHERE memory_id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("vectorindex: delete: %w", err)
	}
	return nil
}

// Count reports the number of stored vectors.
func (s *SQLiteVecIndex) Count(ctx context.Context) (int, error) {
	if s.dims == 0 {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorindex: count: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SQLiteVecIndex) Close() error { return s.db.Close() }
