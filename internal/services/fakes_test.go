package services

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"

	"chatrelay/internal/cache"
	"chatrelay/internal/database"
	"chatrelay/internal/llm"
	"chatrelay/internal/models"
)

// scriptedModel streams fixed chunks, optionally ending with an error
type scriptedModel struct {
	mu       sync.Mutex
	chunks   []string
	err      error
	block    bool
	contents [][]llm.Content
}

func (m *scriptedModel) GenerateContentStream(ctx context.Context, contents []llm.Content, cfg llm.GenerationConfig) iter.Seq2[string, error] {
	m.mu.Lock()
	m.contents = append(m.contents, contents)
	chunks, err, block := m.chunks, m.err, m.block
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if block {
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

func (m *scriptedModel) GenerateContent(ctx context.Context, contents []llm.Content, cfg llm.GenerationConfig) (string, error) {
	return strings.Join(m.chunks, ""), m.err
}

func (m *scriptedModel) lastContents() []llm.Content {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.contents) == 0 {
		return nil
	}
	return m.contents[len(m.contents)-1]
}

// recordingSink collects every event sent to a client
type recordingSink struct {
	mu     sync.Mutex
	events []models.OutboundMessage
}

func (s *recordingSink) Send(msg models.OutboundMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msg)
	return true
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType()
	}
	return out
}

func (s *recordingSink) indexOf(eventType string) int {
	for i, t := range s.types() {
		if t == eventType {
			return i
		}
	}
	return -1
}

// flakyStore wraps a MemoryStore with injectable failures and call counters
type flakyStore struct {
	*database.MemoryStore

	mu         sync.Mutex
	failGet    map[string]error
	failList   map[string]error
	failInsert error
	failDelete error
	getCalls   map[string]int
	listCalls  map[string]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: database.NewMemoryStore(),
		failGet:     map[string]error{},
		failList:    map[string]error{},
		getCalls:    map[string]int{},
		listCalls:   map[string]int{},
	}
}

func (s *flakyStore) Get(ctx context.Context, table, owner string) (models.Record, error) {
	s.mu.Lock()
	s.getCalls[table]++
	err := s.failGet[table]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, table, owner)
}

func (s *flakyStore) List(ctx context.Context, table, owner string, limit int) ([]models.Record, error) {
	s.mu.Lock()
	s.listCalls[table]++
	err := s.failList[table]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.List(ctx, table, owner, limit)
}

func (s *flakyStore) Insert(ctx context.Context, table, owner string, rec models.Record) (string, error) {
	s.mu.Lock()
	err := s.failInsert
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.MemoryStore.Insert(ctx, table, owner, rec)
}

func (s *flakyStore) Delete(ctx context.Context, table, owner string) (int64, error) {
	s.mu.Lock()
	err := s.failDelete
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.MemoryStore.Delete(ctx, table, owner)
}

func (s *flakyStore) lists(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls[table]
}

func (s *flakyStore) gets(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls[table]
}

// keywordEmbedder maps text onto three axes: "cat", "dog" and everything else
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	vec := []float32{0, 0, 0.1}
	if strings.Contains(lower, "cat") {
		vec[0] = 1
	}
	if strings.Contains(lower, "dog") {
		vec[1] = 1
	}
	return vec, nil
}

func (e *keywordEmbedder) Dimensions() int { return 3 }

func (e *keywordEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	return f.text, f.err
}

type fakeSynthesizer struct {
	err error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("mp3:" + text), "audio/mpeg", nil
}

var errUnavailable = errors.New("datastore unavailable")

// chatFixture wires a ChatService over in-memory collaborators
type chatFixture struct {
	store        *flakyStore
	caches       *cache.Manager
	model        *scriptedModel
	history      *ChatHistoryService
	instructions *InstructionService
	userContext  *UserContextService
	chat         *ChatService
}

func newChatFixture(model *scriptedModel, cfg ChatConfig) *chatFixture {
	store := newFlakyStore()
	caches := cache.NewManager(cache.DefaultTTLs(), nil)
	f := &chatFixture{
		store:        store,
		caches:       caches,
		model:        model,
		history:      NewChatHistoryService(store, caches, 100, 0),
		instructions: NewInstructionService(store, caches, 0, 0),
		userContext:  NewUserContextService(store, caches, []string{"tasks"}, 10, 0),
	}
	f.chat = NewChatService(model, f.history, f.instructions, f.userContext, NewContextFormatter(5), nil, caches, cfg)
	return f
}
