package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/models"
	"chatrelay/internal/vector"
)

func TestVectorSearch_IndexAndSearchHistory(t *testing.T) {
	embedder := &keywordEmbedder{}
	svc := NewVectorSearchService(embedder, vector.NewMemoryIndex(), cache.NewManager(cache.DefaultTTLs(), nil), time.Second)
	ctx := context.Background()

	svc.IndexTurn(ctx, "u1", models.ChatTurn{Role: models.RoleUser, Content: "my cat is called Tom"})
	svc.IndexTurn(ctx, "u1", models.ChatTurn{Role: models.RoleAssistant, Content: "dogs need walks"})
	svc.IndexTurn(ctx, "u2", models.ChatTurn{Role: models.RoleUser, Content: "another cat owner"})
	svc.Wait()

	hits := svc.SearchHistory(ctx, "tell me about my cat", "u1", 5)
	if len(hits) != 2 {
		t.Fatalf("expected both u1 messages, got %d", len(hits))
	}
	if hits[0].Text() != "my cat is called Tom" || hits[0].Role() != models.RoleUser {
		t.Errorf("expected the cat message first, got %+v", hits[0])
	}
	if hits[0].Score < hits[1].Score {
		t.Error("hits should be ordered by descending score")
	}
	for _, hit := range hits {
		if hit.Payload["conversationId"] != "u1" {
			t.Errorf("hit from another conversation: %+v", hit)
		}
	}

	before := embedder.callCount()
	svc.SearchHistory(ctx, "tell me about my cat", "u1", 5)
	if embedder.callCount() != before {
		t.Error("repeated search should be served from cache")
	}
}

func TestVectorSearch_IndexingInvalidatesCachedResults(t *testing.T) {
	svc := NewVectorSearchService(&keywordEmbedder{}, vector.NewMemoryIndex(), cache.NewManager(cache.DefaultTTLs(), nil), time.Second)
	ctx := context.Background()

	if hits := svc.SearchHistory(ctx, "cat", "u1", 3); len(hits) != 0 {
		t.Fatalf("expected no hits on empty index, got %d", len(hits))
	}
	svc.IndexTurn(ctx, "u1", models.ChatTurn{Role: models.RoleUser, Content: "cat facts"})
	svc.Wait()

	if hits := svc.SearchHistory(ctx, "cat", "u1", 3); len(hits) != 1 {
		t.Errorf("new turn should be visible after indexing, got %d hits", len(hits))
	}
}

func TestVectorSearch_Instructions(t *testing.T) {
	svc := NewVectorSearchService(&keywordEmbedder{}, vector.NewMemoryIndex(), cache.NewManager(cache.DefaultTTLs(), nil), time.Second)
	ctx := context.Background()

	svc.IndexInstruction(ctx, models.Instruction{ID: "pets", Content: "Dogs are allowed in the office"})
	svc.IndexInstruction(ctx, models.Instruction{ID: "other", Content: "Lunch is at noon"})
	svc.Wait()

	hits := svc.SearchInstructions(ctx, "can I bring my dog", 1)
	if len(hits) != 1 || hits[0].ID != "pets" {
		t.Errorf("expected the pets instruction, got %+v", hits)
	}
}

func TestVectorSearch_Degrades(t *testing.T) {
	embedder := &keywordEmbedder{err: errors.New("embedding quota")}
	svc := NewVectorSearchService(embedder, vector.NewMemoryIndex(), cache.NewManager(cache.DefaultTTLs(), nil), time.Second)
	ctx := context.Background()

	hits := svc.SearchInstructions(ctx, "anything", 3)
	if hits == nil || len(hits) != 0 {
		t.Errorf("embedding failure should yield an empty result, got %#v", hits)
	}

	svc.SearchInstructions(ctx, "anything", 3)
	if embedder.callCount() != 2 {
		t.Errorf("failures must not be cached; expected 2 embed calls, got %d", embedder.callCount())
	}

	var disabled *VectorSearchService
	if disabled.Enabled() {
		t.Error("nil service should report disabled")
	}
	if hits := disabled.SearchHistory(ctx, "q", "u1", 3); len(hits) != 0 {
		t.Error("nil service should return no hits")
	}
}

func TestVectorSearch_ReplaceAllForgetsOldInstructions(t *testing.T) {
	caches := cache.NewManager(cache.DefaultTTLs(), nil)
	index := vector.NewMemoryIndex()
	search := NewVectorSearchService(&keywordEmbedder{}, index, caches, time.Second)
	insts := NewInstructionService(newFlakyStore(), caches, 0, 0)
	insts.SetIndexer(search)
	ctx := context.Background()

	if _, err := insts.Add(ctx, models.Instruction{ID: "dogs", Content: "Dogs are allowed in the office"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	search.Wait()
	if hits := search.SearchInstructions(ctx, "dog", 5); len(hits) != 1 {
		t.Fatalf("expected the added instruction to be searchable, got %d hits", len(hits))
	}

	if err := insts.ReplaceAll(ctx, []models.Instruction{{ID: "lunch", Content: "Lunch is at noon"}}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	search.Wait()

	for _, hit := range search.SearchInstructions(ctx, "dog", 5) {
		if hit.ID == "dogs" {
			t.Errorf("replaced instruction still returned: %+v", hit)
		}
	}
	if n := index.Count(vector.CollectionInstructions); n != 1 {
		t.Errorf("expected only the new instruction indexed, got %d points", n)
	}
}

func TestVectorSearch_ForgetHistoryKeepsOtherConversations(t *testing.T) {
	index := vector.NewMemoryIndex()
	svc := NewVectorSearchService(&keywordEmbedder{}, index, cache.NewManager(cache.DefaultTTLs(), nil), time.Second)
	ctx := context.Background()

	svc.IndexTurn(ctx, "u1", models.ChatTurn{Role: models.RoleUser, Content: "cat"})
	svc.IndexTurn(ctx, "u2", models.ChatTurn{Role: models.RoleUser, Content: "cat"})
	svc.Wait()

	if err := svc.ForgetHistory(ctx, "u1"); err != nil {
		t.Fatalf("ForgetHistory: %v", err)
	}
	if hits := svc.SearchHistory(ctx, "cat", "u1", 3); len(hits) != 0 {
		t.Errorf("expected u1 forgotten, got %d hits", len(hits))
	}
	if hits := svc.SearchHistory(ctx, "cat", "u2", 3); len(hits) != 1 {
		t.Errorf("expected u2 untouched, got %d hits", len(hits))
	}
}
