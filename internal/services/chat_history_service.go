package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/database"
	"chatrelay/internal/models"
)

// ChatHistoryService is the durable, append-only chat history per user,
// capped at the newest storedCap turns
type ChatHistoryService struct {
	store     database.Datastore
	cache     *cache.Tiered
	storedCap int
	timeout   time.Duration
}

// NewChatHistoryService creates a history service
func NewChatHistoryService(store database.Datastore, caches *cache.Manager, storedCap int, timeout time.Duration) *ChatHistoryService {
	if storedCap <= 0 {
		storedCap = 100
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &ChatHistoryService{
		store:     store,
		cache:     caches.ChatHistory(),
		storedCap: storedCap,
		timeout:   timeout,
	}
}

// StoredCap returns the maximum number of turns kept per user
func (s *ChatHistoryService) StoredCap() int {
	return s.storedCap
}

// Append persists one turn and drops the oldest turns beyond the cap
func (s *ChatHistoryService) Append(ctx context.Context, userID string, turn models.ChatTurn) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	rec := models.Record{
		"role":      turn.Role,
		"content":   turn.Content,
		"timestamp": turn.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.store.Insert(ctx, database.TableChatHistory, userID, rec); err != nil {
		return fmt.Errorf("failed to persist %s turn: %w", turn.Role, err)
	}

	if trimmed, err := s.store.Trim(ctx, database.TableChatHistory, userID, s.storedCap); err != nil {
		log.Printf("⚠️  [HISTORY] Failed to trim history for %s: %v", userID, err)
	} else if trimmed > 0 {
		log.Printf("✂️  [HISTORY] Dropped %d old turns for %s", trimmed, userID)
	}

	s.Invalidate(ctx, userID)
	return nil
}

// Recent returns the newest limit turns in chronological order
func (s *ChatHistoryService) Recent(ctx context.Context, userID string, limit int) ([]models.ChatTurn, error) {
	if limit <= 0 || limit > s.storedCap {
		limit = s.storedCap
	}
	key := cache.Key(cache.KindChatHistory, userID, strconv.Itoa(limit))
	return cache.GetOrFetch(ctx, s.cache, key, 0, func(ctx context.Context) ([]models.ChatTurn, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		rows, err := s.store.List(ctx, database.TableChatHistory, userID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat history: %w", err)
		}
		turns := make([]models.ChatTurn, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			turns = append(turns, turnFromRecord(rows[i]))
		}
		return turns, nil
	})
}

// All returns the full stored history in chronological order
func (s *ChatHistoryService) All(ctx context.Context, userID string) ([]models.ChatTurn, error) {
	return s.Recent(ctx, userID, s.storedCap)
}

// Clear deletes every stored turn for userID
func (s *ChatHistoryService) Clear(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	removed, err := s.store.Delete(ctx, database.TableChatHistory, userID)
	if err != nil {
		return fmt.Errorf("failed to clear chat history: %w", err)
	}
	s.Invalidate(ctx, userID)
	log.Printf("🗑️  [HISTORY] Cleared %d turns for %s", removed, userID)
	return nil
}

// Invalidate drops every cached history view for userID
func (s *ChatHistoryService) Invalidate(ctx context.Context, userID string) {
	s.cache.InvalidatePrefix(ctx, cache.Prefix(cache.KindChatHistory, userID))
}

func turnFromRecord(rec models.Record) models.ChatTurn {
	turn := models.ChatTurn{
		Role:    rec.String("role"),
		Content: rec.String("content"),
	}
	for _, field := range []string{"timestamp", "created_at"} {
		if ts, err := time.Parse(time.RFC3339Nano, rec.String(field)); err == nil {
			turn.Timestamp = ts
			break
		}
	}
	return turn
}
