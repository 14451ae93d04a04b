package vector

import (
	"context"
	"sync"

	"chatrelay/internal/models"
)

// MemoryIndex is a brute-force in-process Index
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
}

// NewMemoryIndex creates an empty index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]map[string]Point)}
}

// Upsert implements Index
func (m *MemoryIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]Point)
		m.collections[collection] = coll
	}
	for _, p := range points {
		coll[p.ID] = p
	}
	return nil
}

// Search implements Index
func (m *MemoryIndex) Search(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]models.VectorSearchHit, error) {
	m.mu.RLock()
	candidates := make([]Point, 0, len(m.collections[collection]))
	for _, p := range m.collections[collection] {
		candidates = append(candidates, p)
	}
	m.mu.RUnlock()

	return rank(vector, candidates, limit, filter), nil
}

// Delete implements Index
func (m *MemoryIndex) Delete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.collections[collection], id)
	}
	return nil
}

// DeleteMatching implements Index
func (m *MemoryIndex) DeleteMatching(ctx context.Context, collection string, filter Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, p := range m.collections[collection] {
		if filter.Matches(p.Payload) {
			delete(m.collections[collection], id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of points in collection
func (m *MemoryIndex) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}
