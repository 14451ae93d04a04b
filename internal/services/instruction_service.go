package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/database"
	"chatrelay/internal/models"

	"github.com/google/uuid"
)

// InstructionIndexer receives instructions as they are added so they become
// searchable. ForgetInstructions drops everything indexed so far.
type InstructionIndexer interface {
	IndexInstruction(ctx context.Context, inst models.Instruction)
	ForgetInstructions(ctx context.Context) error
}

// InstructionService serves the global instruction set applied to every
// conversation. The set is cached under one global key and only invalidated
// by an explicit admin action or a seed-file reload.
type InstructionService struct {
	store      database.Datastore
	cache      *cache.Tiered
	charBudget int
	timeout    time.Duration
	indexer    InstructionIndexer
}

// NewInstructionService creates an instruction service. charBudget bounds the
// concatenated content size; the oldest instructions are dropped first.
func NewInstructionService(store database.Datastore, caches *cache.Manager, charBudget int, timeout time.Duration) *InstructionService {
	if charBudget <= 0 {
		charBudget = 12000
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &InstructionService{
		store:      store,
		cache:      caches.Instructions(),
		charBudget: charBudget,
		timeout:    timeout,
	}
}

// SetIndexer sets the vector indexer (optional)
func (s *InstructionService) SetIndexer(indexer InstructionIndexer) {
	s.indexer = indexer
}

func instructionsKey() string {
	return cache.Key(cache.KindInstructions, cache.GlobalIdentity)
}

// Get returns the budgeted instruction set, oldest first
func (s *InstructionService) Get(ctx context.Context) ([]models.Instruction, error) {
	return cache.GetOrFetch(ctx, s.cache, instructionsKey(), 0, func(ctx context.Context) ([]models.Instruction, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		rows, err := s.store.List(ctx, database.TableGlobalInstructions, database.GlobalOwner, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to load global instructions: %w", err)
		}
		all := make([]models.Instruction, 0, len(rows))
		for _, row := range rows {
			all = append(all, instructionFromRecord(row))
		}
		return applyCharBudget(all, s.charBudget), nil
	})
}

// applyCharBudget keeps the newest instructions whose combined content fits
// budget and returns them oldest first. newestFirst must be ordered newest first.
func applyCharBudget(newestFirst []models.Instruction, budget int) []models.Instruction {
	kept := make([]models.Instruction, 0, len(newestFirst))
	used := 0
	for _, inst := range newestFirst {
		size := len(inst.Content)
		if used+size > budget {
			if len(kept) == 0 {
				// a single oversized instruction is cut rather than dropped
				inst.Content = truncateUTF8(inst.Content, budget)
				kept = append(kept, inst)
			}
			break
		}
		used += size
		kept = append(kept, inst)
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// truncateUTF8 cuts s to at most maxBytes without splitting a rune
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return strings.ToValidUTF8(s[:maxBytes], "")
}

// Add stores a new instruction and invalidates the cached set
func (s *InstructionService) Add(ctx context.Context, inst models.Instruction) (models.Instruction, error) {
	inst = normalizeInstruction(inst)
	if strings.TrimSpace(inst.Content) == "" {
		return inst, fmt.Errorf("instruction content: %w", models.ErrMissingField)
	}

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.store.Insert(tctx, database.TableGlobalInstructions, database.GlobalOwner, instructionRecord(inst)); err != nil {
		return inst, fmt.Errorf("failed to store instruction: %w", err)
	}

	s.Invalidate(ctx)
	if s.indexer != nil {
		s.indexer.IndexInstruction(ctx, inst)
	}
	log.Printf("📝 [INSTRUCTIONS] Added instruction %s (%d chars)", inst.ID, len(inst.Content))
	return inst, nil
}

// ReplaceAll swaps the entire instruction set, preserving the given order
// (first element oldest)
func (s *InstructionService) ReplaceAll(ctx context.Context, insts []models.Instruction) error {
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.store.Delete(tctx, database.TableGlobalInstructions, database.GlobalOwner); err != nil {
		return fmt.Errorf("failed to clear instructions: %w", err)
	}

	stored := make([]models.Instruction, 0, len(insts))
	for _, inst := range insts {
		inst = normalizeInstruction(inst)
		if strings.TrimSpace(inst.Content) == "" {
			continue
		}
		if _, err := s.store.Insert(tctx, database.TableGlobalInstructions, database.GlobalOwner, instructionRecord(inst)); err != nil {
			s.Invalidate(ctx)
			return fmt.Errorf("failed to store instruction %s: %w", inst.ID, err)
		}
		stored = append(stored, inst)
	}

	s.Invalidate(ctx)
	if s.indexer != nil {
		if err := s.indexer.ForgetInstructions(ctx); err != nil {
			log.Printf("⚠️  [INSTRUCTIONS] Failed to drop replaced instruction vectors: %v", err)
		}
		for _, inst := range stored {
			s.indexer.IndexInstruction(ctx, inst)
		}
	}
	log.Printf("📝 [INSTRUCTIONS] Replaced instruction set (%d instructions)", len(stored))
	return nil
}

// Invalidate drops the cached instruction set
func (s *InstructionService) Invalidate(ctx context.Context) {
	s.cache.Invalidate(ctx, instructionsKey())
}

func normalizeInstruction(inst models.Instruction) models.Instruction {
	now := time.Now().UTC()
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.ContentType == "" {
		inst.ContentType = models.InstructionText
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	return inst
}

func instructionRecord(inst models.Instruction) models.Record {
	rec := models.Record{
		"id":           inst.ID,
		"content":      inst.Content,
		"content_type": inst.ContentType,
		"created_at":   inst.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   inst.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if inst.SourceURL != "" {
		rec["source_url"] = inst.SourceURL
	}
	return rec
}

func instructionFromRecord(rec models.Record) models.Instruction {
	inst := models.Instruction{
		ID:          rec.String("id"),
		Content:     rec.String("content"),
		ContentType: rec.String("content_type"),
		SourceURL:   rec.String("source_url"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, rec.String("created_at")); err == nil {
		inst.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, rec.String("updated_at")); err == nil {
		inst.UpdatedAt = ts
	}
	return inst
}
