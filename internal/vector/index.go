// Package vector provides the nearest-neighbor index used for semantic
// retrieval of past chat turns and global instructions.
package vector

import (
	"context"
	"math"
	"sort"

	"chatrelay/internal/models"
)

// Collections
const (
	CollectionChatHistory  = "chat_history"
	CollectionInstructions = "instructions"
)

// Point is one stored vector with its payload
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Filter restricts a search to points whose payload fields equal the given values
type Filter map[string]string

// Matches reports whether payload satisfies every condition of f
func (f Filter) Matches(payload map[string]interface{}) bool {
	for field, want := range f {
		got, ok := payload[field].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Index is the vector index collaborator
type Index interface {
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns up to limit hits ordered by descending score
	Search(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]models.VectorSearchHit, error)
	Delete(ctx context.Context, collection string, ids []string) error
	// DeleteMatching removes every point whose payload satisfies filter and
	// returns how many were removed. An empty filter clears the collection.
	DeleteMatching(ctx context.Context, collection string, filter Filter) (int, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when undefined
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank scores candidates against query and returns the best limit hits
func rank(query []float32, candidates []Point, limit int, filter Filter) []models.VectorSearchHit {
	hits := make([]models.VectorSearchHit, 0, len(candidates))
	for _, p := range candidates {
		if len(filter) > 0 && !filter.Matches(p.Payload) {
			continue
		}
		hits = append(hits, models.VectorSearchHit{
			ID:      p.ID,
			Score:   Cosine(query, p.Vector),
			Payload: p.Payload,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
