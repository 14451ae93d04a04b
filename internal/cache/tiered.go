package cache

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Tier labels reported to the Observer
const (
	TierMemory  = "memory"
	TierPrimary = "primary"
	TierShared  = "shared"
)

// SharedTier is an optional out-of-process tier behind the primary store
// (e.g. Redis shared between relay instances). Values are JSON encoded.
// Get also reports the entry's remaining lifetime, or 0 when unknown.
type SharedTier interface {
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Observer receives hit/miss notifications (metrics)
type Observer interface {
	CacheHit(cache, tier string)
	CacheMiss(cache string)
}

// Tiered reads through memory -> primary -> shared -> fetch and populates
// every tier on the way back up. Any cache failure degrades to calling fetch.
type Tiered struct {
	name      string
	memory    *gocache.Cache
	memoryTTL time.Duration
	primary   *Store
	shared    SharedTier
	observer  Observer

	group singleflight.Group

	mu      sync.Mutex
	pending map[string]*pendingFetch
}

// pendingFetch tracks fetches in flight for one key. gen is bumped by any
// invalidation that covers the key so the fetched value is not cached.
type pendingFetch struct {
	gen  uint64
	refs int
}

// NewTiered creates a tiered cache. memoryTTL bounds how long the memory tier
// may serve a value; shared may be nil.
func NewTiered(primary *Store, memoryTTL time.Duration, shared SharedTier) *Tiered {
	cleanup := memoryTTL * 4
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &Tiered{
		name:      primary.Name(),
		memory:    gocache.New(memoryTTL, cleanup),
		memoryTTL: memoryTTL,
		primary:   primary,
		shared:    shared,
		pending:   make(map[string]*pendingFetch),
	}
}

// Name returns the cache name
func (t *Tiered) Name() string {
	return t.name
}

// Primary exposes the primary store
func (t *Tiered) Primary() *Store {
	return t.primary
}

// SetObserver installs a hit/miss observer
func (t *Tiered) SetObserver(o Observer) {
	t.observer = o
}

func (t *Tiered) hit(tier string) {
	if t.observer != nil {
		t.observer.CacheHit(t.name, tier)
	}
}

func (t *Tiered) miss() {
	if t.observer != nil {
		t.observer.CacheMiss(t.name)
	}
}

func (t *Tiered) memoryTTLFor(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < t.memoryTTL {
		return ttl
	}
	return t.memoryTTL
}

// lookup checks the in-process tiers only
func (t *Tiered) lookup(key string) (interface{}, bool) {
	if v, ok := t.memory.Get(key); ok {
		t.hit(TierMemory)
		return v, true
	}
	if v, remaining, ok := t.primary.GetWithTTL(key); ok {
		t.memory.Set(key, v, t.memoryTTLFor(remaining))
		t.hit(TierPrimary)
		return v, true
	}
	return nil, false
}

// Set writes value into every tier
func (t *Tiered) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.primary.DefaultTTL()
	}
	t.primary.Set(key, value, ttl)
	t.memory.Set(key, value, t.memoryTTLFor(ttl))

	if t.shared != nil {
		data, err := json.Marshal(value)
		if err != nil {
			log.Printf("⚠️  [CACHE] %s: cannot encode %s for shared tier: %v", t.name, key, err)
			return
		}
		if err := t.shared.Set(ctx, key, data, ttl); err != nil {
			log.Printf("⚠️  [CACHE] %s: shared tier set failed for %s: %v", t.name, key, err)
		}
	}
}

// Invalidate removes keys from every tier. Deleting missing keys is safe.
func (t *Tiered) Invalidate(ctx context.Context, keys ...string) {
	t.mu.Lock()
	for _, key := range keys {
		if p := t.pending[key]; p != nil {
			p.gen++
		}
		t.memory.Delete(key)
		t.primary.Delete(key)
		t.group.Forget(key)
	}
	t.mu.Unlock()

	if t.shared != nil && len(keys) > 0 {
		if err := t.shared.Delete(ctx, keys...); err != nil {
			log.Printf("⚠️  [CACHE] %s: shared tier delete failed: %v", t.name, err)
		}
	}
}

// InvalidatePrefix removes every key starting with prefix from every tier
func (t *Tiered) InvalidatePrefix(ctx context.Context, prefix string) {
	t.mu.Lock()
	for key, p := range t.pending {
		if strings.HasPrefix(key, prefix) {
			p.gen++
		}
	}
	t.primary.DeletePrefix(prefix)
	for key := range t.memory.Items() {
		if strings.HasPrefix(key, prefix) {
			t.memory.Delete(key)
			t.group.Forget(key)
		}
	}
	t.mu.Unlock()

	if t.shared != nil {
		if err := t.shared.DeletePrefix(ctx, prefix); err != nil {
			log.Printf("⚠️  [CACHE] %s: shared tier prefix delete failed: %v", t.name, err)
		}
	}
}

// Clear empties the in-process tiers
func (t *Tiered) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		p.gen++
	}
	t.memory.Flush()
	t.primary.Clear()
}

// Cleanup reclaims expired entries from the in-process tiers
func (t *Tiered) Cleanup() int {
	t.memory.DeleteExpired()
	return t.primary.Cleanup()
}

// beginFetch registers an in-flight fetch for key and returns its generation
func (t *Tiered) beginFetch(key string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending[key]
	if p == nil {
		p = &pendingFetch{}
		t.pending[key] = p
	}
	p.refs++
	return p.gen
}

// endFetch releases key and reports whether no invalidation covered it since
// beginFetch returned gen
func (t *Tiered) endFetch(key string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending[key]
	if p == nil {
		return false
	}
	fresh := p.gen == gen
	p.refs--
	if p.refs == 0 {
		delete(t.pending, key)
	}
	return fresh
}

// GetOrFetch returns the cached value for key or calls fetch and caches its result.
// Errors from fetch are returned and never cached. Concurrent misses for the same
// key share one fetch.
func GetOrFetch[T any](ctx context.Context, t *Tiered, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := t.lookup(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
		t.Invalidate(ctx, key)
	}

	if t.shared != nil {
		if value, ok := fromShared[T](ctx, t, key, ttl); ok {
			return value, nil
		}
	}

	t.miss()
	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		gen := t.beginFetch(key)
		value, err := fetch(ctx)
		fresh := t.endFetch(key, gen)
		if err != nil {
			return nil, err
		}
		if fresh {
			t.Set(ctx, key, value, ttl)
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}

func fromShared[T any](ctx context.Context, t *Tiered, key string, ttl time.Duration) (T, bool) {
	var out T
	raw, remaining, ok, err := t.shared.Get(ctx, key)
	if err != nil {
		log.Printf("⚠️  [CACHE] %s: shared tier get failed for %s: %v", t.name, key, err)
		return out, false
	}
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Printf("⚠️  [CACHE] %s: shared tier value for %s undecodable: %v", t.name, key, err)
		return out, false
	}

	if ttl <= 0 {
		ttl = t.primary.DefaultTTL()
	}
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	t.primary.Set(key, out, ttl)
	t.memory.Set(key, out, t.memoryTTLFor(ttl))
	t.hit(TierShared)
	return out, true
}
