package cache

import (
	"strings"
	"sync"
	"time"
)

// Entry is a single cached value with its own time-to-live.
type Entry struct {
	Key      string
	Value    interface{}
	StoredAt time.Time
	TTL      time.Duration
}

// expired reports whether the entry is logically absent at now.
// An entry is still valid at exactly StoredAt+TTL.
func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// remaining returns the time left before the entry expires.
func (e *Entry) remaining(now time.Time) time.Duration {
	return e.TTL - now.Sub(e.StoredAt)
}

// StoreStats reports counters for a Store
type StoreStats struct {
	Name      string        `json:"name"`
	Entries   int           `json:"entries"`
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Evictions int64         `json:"evictions"`
	TTL       time.Duration `json:"default_ttl"`
}

// Store is the primary in-process cache tier.
// Expired entries are evicted lazily on read and in bulk by Cleanup.
type Store struct {
	name       string
	defaultTTL time.Duration
	now        func() time.Time

	mu        sync.Mutex
	entries   map[string]*Entry
	hits      int64
	misses    int64
	evictions int64
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a named store with a default TTL applied when Set receives ttl <= 0
func NewStore(name string, defaultTTL time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		name:       name,
		defaultTTL: defaultTTL,
		now:        time.Now,
		entries:    make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// DefaultTTL returns the TTL used when Set is called without one
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Set stores value under key, replacing any previous entry wholesale
func (s *Store) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &Entry{
		Key:      key,
		Value:    value,
		StoredAt: s.now(),
		TTL:      ttl,
	}
}

// Get returns the value for key. An expired entry is treated as absent and removed.
func (s *Store) Get(key string) (interface{}, bool) {
	value, _, ok := s.GetWithTTL(key)
	return value, ok
}

// GetWithTTL is Get that also returns the remaining lifetime of the entry
func (s *Store) GetWithTTL(key string) (interface{}, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, 0, false
	}

	now := s.now()
	if entry.expired(now) {
		delete(s.entries, key)
		s.evictions++
		s.misses++
		return nil, 0, false
	}

	s.hits++
	return entry.Value, entry.remaining(now), true
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// DeletePrefix removes every key starting with prefix and returns how many were removed
func (s *Store) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
}

// Cleanup removes all expired entries and returns how many were reclaimed
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	s.evictions += int64(removed)
	return removed
}

// Size returns the number of stored entries, including expired ones not yet reclaimed
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a snapshot of the store counters
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{
		Name:      s.name,
		Entries:   len(s.entries),
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		TTL:       s.defaultTTL,
	}
}
