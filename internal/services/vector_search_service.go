package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/llm"
	"chatrelay/internal/models"
	"chatrelay/internal/vector"

	"github.com/google/uuid"
)

// Search kinds, part of the cache key
const (
	searchKindHistory      = "history"
	searchKindInstructions = "instructions"
)

// VectorSearchService embeds queries and looks up similar past messages and
// instruction snippets. Embedding or index failures yield empty results.
type VectorSearchService struct {
	embedder llm.Embedder
	index    vector.Index
	cache    *cache.Tiered
	timeout  time.Duration

	pending sync.WaitGroup

	// generation per scope; bumped by Forget so in-flight indexing of a
	// forgotten scope is rolled back
	genMu sync.Mutex
	gens  map[string]uint64
}

// NewVectorSearchService creates the service. With a nil embedder or index
// every search returns no hits.
func NewVectorSearchService(embedder llm.Embedder, index vector.Index, caches *cache.Manager, timeout time.Duration) *VectorSearchService {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &VectorSearchService{
		embedder: embedder,
		index:    index,
		cache:    caches.VectorSearch(),
		timeout:  timeout,
		gens:     make(map[string]uint64),
	}
}

// Enabled reports whether an embedder and index are configured
func (s *VectorSearchService) Enabled() bool {
	return s != nil && s.embedder != nil && s.index != nil
}

// SearchHistory returns past messages of conversationID similar to query
func (s *VectorSearchService) SearchHistory(ctx context.Context, query, conversationID string, limit int) []models.VectorSearchHit {
	if conversationID == "" {
		return []models.VectorSearchHit{}
	}
	return s.search(ctx, searchKindHistory, vector.CollectionChatHistory, conversationID, query, limit,
		vector.Filter{"conversationId": conversationID})
}

// SearchInstructions returns instruction snippets similar to query
func (s *VectorSearchService) SearchInstructions(ctx context.Context, query string, limit int) []models.VectorSearchHit {
	return s.search(ctx, searchKindInstructions, vector.CollectionInstructions, cache.GlobalIdentity, query, limit, nil)
}

func (s *VectorSearchService) search(ctx context.Context, kind, collection, scope, query string, limit int, filter vector.Filter) []models.VectorSearchHit {
	if !s.Enabled() || query == "" {
		return []models.VectorSearchHit{}
	}
	if limit <= 0 {
		limit = 5
	}

	key := cache.Key(cache.KindVectorSearch, scope, cache.HashKey(query, kind, strconv.Itoa(limit)))
	hits, err := cache.GetOrFetch(ctx, s.cache, key, 0, func(ctx context.Context) ([]models.VectorSearchHit, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embedding failed: %w", err)
		}
		found, err := s.index.Search(ctx, collection, vec, limit, filter)
		if err != nil {
			return nil, fmt.Errorf("%s search failed: %w", collection, err)
		}
		if found == nil {
			found = []models.VectorSearchHit{}
		}
		return found, nil
	})
	if err != nil {
		log.Printf("⚠️  [VECTOR] %s search degraded to no results: %v", kind, err)
		return []models.VectorSearchHit{}
	}
	return hits
}

// IndexTurn embeds a persisted chat turn in the background
func (s *VectorSearchService) IndexTurn(ctx context.Context, conversationID string, turn models.ChatTurn) {
	if !s.Enabled() || turn.Content == "" {
		return
	}
	payload := map[string]interface{}{
		"content":        turn.Content,
		"role":           turn.Role,
		"conversationId": conversationID,
		"timestamp":      turn.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	s.detach(ctx, vector.CollectionChatHistory, conversationID, uuid.New().String(), turn.Content, payload, func() {
		s.cache.InvalidatePrefix(context.Background(), cache.Prefix(cache.KindVectorSearch, conversationID))
	})
}

// IndexInstruction implements InstructionIndexer
func (s *VectorSearchService) IndexInstruction(ctx context.Context, inst models.Instruction) {
	if !s.Enabled() || inst.Content == "" {
		return
	}
	payload := map[string]interface{}{
		"instruction": inst.Content,
		"contentType": inst.ContentType,
	}
	if inst.SourceURL != "" {
		payload["sourceUrl"] = inst.SourceURL
	}
	s.detach(ctx, vector.CollectionInstructions, cache.GlobalIdentity, inst.ID, inst.Content, payload, func() {
		s.cache.InvalidatePrefix(context.Background(), cache.Prefix(cache.KindVectorSearch, cache.GlobalIdentity))
	})
}

// ForgetHistory removes every indexed turn of conversationID
func (s *VectorSearchService) ForgetHistory(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	return s.forget(ctx, vector.CollectionChatHistory, conversationID, vector.Filter{"conversationId": conversationID})
}

// ForgetInstructions implements InstructionIndexer
func (s *VectorSearchService) ForgetInstructions(ctx context.Context) error {
	return s.forget(ctx, vector.CollectionInstructions, cache.GlobalIdentity, nil)
}

func (s *VectorSearchService) forget(ctx context.Context, collection, scope string, filter vector.Filter) error {
	if !s.Enabled() {
		return nil
	}
	s.genMu.Lock()
	s.gens[scope]++
	s.genMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.index.DeleteMatching(ctx, collection, filter)
	s.cache.InvalidatePrefix(context.Background(), cache.Prefix(cache.KindVectorSearch, scope))
	if err != nil {
		return fmt.Errorf("failed to forget %s vectors for %s: %w", collection, scope, err)
	}
	log.Printf("🗑️  [VECTOR] Forgot %d %s points for %s", n, collection, scope)
	return nil
}

func (s *VectorSearchService) generation(scope string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gens[scope]
}

// detach embeds text and upserts it without blocking the caller. A point
// whose scope was forgotten while it was in flight is deleted again.
func (s *VectorSearchService) detach(ctx context.Context, collection, scope, id, text string, payload map[string]interface{}, after func()) {
	ctx = context.WithoutCancel(ctx)
	gen := s.generation(scope)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [VECTOR] Panic while indexing %s/%s: %v", collection, id, r)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			log.Printf("⚠️  [VECTOR] Failed to embed %s/%s: %v", collection, id, err)
			return
		}
		if s.generation(scope) != gen {
			return
		}
		if err := s.index.Upsert(ctx, collection, []vector.Point{{ID: id, Vector: vec, Payload: payload}}); err != nil {
			log.Printf("⚠️  [VECTOR] Failed to index %s/%s: %v", collection, id, err)
			return
		}
		if s.generation(scope) != gen {
			_ = s.index.Delete(ctx, collection, []string{id})
			return
		}
		after()
	}()
}

// Wait blocks until background indexing has finished
func (s *VectorSearchService) Wait() {
	if s == nil {
		return
	}
	s.pending.Wait()
}
