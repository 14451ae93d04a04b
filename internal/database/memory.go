package database

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/models"

	"github.com/google/uuid"
)

type memoryRow struct {
	id        string
	rec       models.Record
	createdAt time.Time
}

// MemoryStore is an in-process Datastore for development and tests.
// Rows are kept per (table, owner) in insertion order.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string][]memoryRow
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string][]memoryRow)}
}

func copyRecord(rec models.Record) models.Record {
	out := make(models.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Get implements Datastore
func (s *MemoryStore) Get(ctx context.Context, table, owner string) (models.Record, error) {
	rows, err := s.List(ctx, table, owner, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// List implements Datastore
func (s *MemoryStore) List(ctx context.Context, table, owner string, limit int) ([]models.Record, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.rows[table][owner]
	out := make([]models.Record, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := copyRecord(rows[i].rec)
		decorate(rec, rows[i].id, rows[i].createdAt)
		out = append(out, rec)
	}
	return out, nil
}

// Insert implements Datastore
func (s *MemoryStore) Insert(ctx context.Context, table, owner string, rec models.Record) (string, error) {
	if err := ValidateTable(table); err != nil {
		return "", err
	}

	id := rec.String("id")
	if id == "" {
		id = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[table] == nil {
		s.rows[table] = make(map[string][]memoryRow)
	}
	s.rows[table][owner] = append(s.rows[table][owner], memoryRow{
		id:        id,
		rec:       copyRecord(rec),
		createdAt: time.Now().UTC(),
	})
	return id, nil
}

// Upsert implements Datastore
func (s *MemoryStore) Upsert(ctx context.Context, table, owner string, rec models.Record) error {
	if _, err := s.Delete(ctx, table, owner); err != nil {
		return err
	}
	_, err := s.Insert(ctx, table, owner, rec)
	return err
}

// Delete implements Datastore
func (s *MemoryStore) Delete(ctx context.Context, table, owner string) (int64, error) {
	if err := ValidateTable(table); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rows[table][owner])
	if s.rows[table] != nil {
		delete(s.rows[table], owner)
	}
	return int64(n), nil
}

// Trim implements Datastore
func (s *MemoryStore) Trim(ctx context.Context, table, owner string, keep int) (int64, error) {
	if keep <= 0 {
		return s.Delete(ctx, table, owner)
	}
	if err := ValidateTable(table); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[table][owner]
	if len(rows) <= keep {
		return 0, nil
	}
	removed := len(rows) - keep
	s.rows[table][owner] = append([]memoryRow(nil), rows[removed:]...)
	return int64(removed), nil
}

// Ping implements Datastore
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Datastore
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
