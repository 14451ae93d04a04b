package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"chatrelay/internal/cache"
	"chatrelay/internal/database"
	"chatrelay/internal/models"
)

func TestApplyCharBudget(t *testing.T) {
	newestFirst := []models.Instruction{
		{ID: "c", Content: strings.Repeat("c", 40)},
		{ID: "b", Content: strings.Repeat("b", 40)},
		{ID: "a", Content: strings.Repeat("a", 40)},
	}

	kept := applyCharBudget(newestFirst, 100)
	if len(kept) != 2 {
		t.Fatalf("expected the two newest instructions, got %d", len(kept))
	}
	if kept[0].ID != "b" || kept[1].ID != "c" {
		t.Errorf("expected oldest-first order [b c], got [%s %s]", kept[0].ID, kept[1].ID)
	}

	all := applyCharBudget(newestFirst, 1000)
	if len(all) != 3 || all[0].ID != "a" {
		t.Errorf("everything should fit, oldest first; got %+v", all)
	}
}

func TestApplyCharBudget_OversizedSingle(t *testing.T) {
	big := strings.Repeat("é", 100) // 200 bytes
	kept := applyCharBudget([]models.Instruction{{ID: "x", Content: big}}, 51)
	if len(kept) != 1 {
		t.Fatalf("oversized instruction should be cut, not dropped")
	}
	if len(kept[0].Content) > 51 || !utf8.ValidString(kept[0].Content) {
		t.Errorf("cut content invalid: %d bytes, valid=%v", len(kept[0].Content), utf8.ValidString(kept[0].Content))
	}
}

func newInstructionFixture() (*InstructionService, *flakyStore) {
	store := newFlakyStore()
	return NewInstructionService(store, cache.NewManager(cache.DefaultTTLs(), nil), 0, 0), store
}

type recordingIndexer struct {
	ids     []string
	forgets int
}

func (r *recordingIndexer) ForgetInstructions(ctx context.Context) error {
	r.forgets++
	r.ids = nil
	return nil
}

func (r *recordingIndexer) IndexInstruction(ctx context.Context, inst models.Instruction) {
	r.ids = append(r.ids, inst.ID)
}

func TestInstructionService_AddInvalidatesAndIndexes(t *testing.T) {
	svc, store := newInstructionFixture()
	indexer := &recordingIndexer{}
	svc.SetIndexer(indexer)
	ctx := context.Background()

	if insts, _ := svc.Get(ctx); len(insts) != 0 {
		t.Fatalf("expected no instructions, got %d", len(insts))
	}
	svc.Get(ctx)
	if n := store.lists(database.TableGlobalInstructions); n != 1 {
		t.Fatalf("second Get should hit the cache, saw %d reads", n)
	}

	added, err := svc.Add(ctx, models.Instruction{Content: "Answer in English."})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if added.ID == "" || added.ContentType != models.InstructionText || added.CreatedAt.IsZero() {
		t.Errorf("instruction not normalized: %+v", added)
	}

	insts, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(insts) != 1 || insts[0].Content != "Answer in English." {
		t.Errorf("new instruction not visible after Add: %+v", insts)
	}
	if len(indexer.ids) != 1 || indexer.ids[0] != added.ID {
		t.Errorf("expected instruction to be indexed, got %v", indexer.ids)
	}

	if _, err := svc.Add(ctx, models.Instruction{Content: "  "}); err == nil {
		t.Error("blank instruction should be rejected")
	}
}

func TestInstructionService_ReplaceAllKeepsOrder(t *testing.T) {
	svc, _ := newInstructionFixture()
	ctx := context.Background()

	svc.Add(ctx, models.Instruction{Content: "stale"})
	err := svc.ReplaceAll(ctx, []models.Instruction{
		{ID: "first", Content: "one"},
		{ID: "blank", Content: ""},
		{ID: "second", Content: "two"},
	})
	if err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	insts, _ := svc.Get(ctx)
	if len(insts) != 2 || insts[0].ID != "first" || insts[1].ID != "second" {
		t.Errorf("expected [first second], got %+v", insts)
	}
}

func TestParseInstructionFile(t *testing.T) {
	data := []byte(`
instructions:
  - id: tone
    content: Answer in plain language.
  - content: https://example.com/policy
    content_type: url
    source_url: https://example.com/policy
`)
	insts, err := ParseInstructionFile(data)
	if err != nil {
		t.Fatalf("ParseInstructionFile failed: %v", err)
	}
	if len(insts) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(insts))
	}
	if insts[0].ID != "tone" || insts[1].ContentType != models.InstructionURL || insts[1].SourceURL == "" {
		t.Errorf("fields not decoded: %+v", insts)
	}
	if !insts[0].CreatedAt.Before(insts[1].CreatedAt) {
		t.Error("list order should give increasing creation times")
	}

	if _, err := ParseInstructionFile([]byte("instructions: [unclosed")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestInstructionFileWatcher_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.yaml")
	content := "instructions:\n  - id: a\n    content: first\n  - id: b\n    content: second\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	svc, _ := newInstructionFixture()
	w := NewInstructionFileWatcher(path, svc)
	if err := w.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	insts, _ := svc.Get(context.Background())
	if len(insts) != 2 || insts[0].ID != "a" || insts[1].ID != "b" {
		t.Errorf("expected [a b], got %+v", insts)
	}

	missing := NewInstructionFileWatcher(filepath.Join(t.TempDir(), "nope.yaml"), svc)
	if err := missing.Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}
