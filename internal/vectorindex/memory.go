package vectorindex

import (
	"context"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force in-process Index. It is the fallback when no
// vec-capable backend is configured and the fixture backend for tests.
// Exact rather than approximate, which still satisfies the Index contract.
type MemoryIndex struct {
	mu      sync.RWMutex
	dims    int
	vectors map[string]memoryRecord
}

type memoryRecord struct {
	vec     []float32
	agentID string
}

// NewMemoryIndex returns an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string]memoryRecord)}
}

var _ Index = (*MemoryIndex)(nil)

// Initialize fixes the dimensionality. Idempotent for the same value.
func (m *MemoryIndex) Initialize(_ context.Context, dimensions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims != 0 && m.dims != dimensions {
		return ErrDimensionMismatch
	}
	m.dims = dimensions
	return nil
}

// Upsert replaces any prior record for id.
func (m *MemoryIndex) Upsert(_ context.Context, id string, vector []float32, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims == 0 {
		return ErrNotInitialized
	}
	if len(vector) != m.dims {
		return ErrDimensionMismatch
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	m.vectors[id] = memoryRecord{vec: cp, agentID: agentID}
	return nil
}

// Search scans every record, computing cosine distance, and returns the
// topK closest sorted ascending, ties broken by id for determinism.
func (m *MemoryIndex) Search(_ context.Context, vector []float32, topK int, filter *Filter) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dims == 0 {
		return nil, ErrNotInitialized
	}
	if topK <= 0 {
		topK = 10
	}

	results := make([]Result, 0, len(m.vectors))
	for id, rec := range m.vectors {
		if filter != nil && filter.AgentID != "" && rec.agentID != filter.AgentID {
			continue
		}
		results = append(results, Result{ID: id, Distance: CosineDistance(vector, rec.vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes ids; missing ids are ignored.
func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

// Count reports the number of stored vectors.
func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors), nil
}

// Close is a no-op for the in-process index.
func (m *MemoryIndex) Close() error { return nil }
