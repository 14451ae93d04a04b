package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type failingShared struct{}

func (failingShared) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	return nil, 0, false, errors.New("connection refused")
}
func (failingShared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (failingShared) Delete(ctx context.Context, keys ...string) error {
	return errors.New("connection refused")
}
func (failingShared) DeletePrefix(ctx context.Context, prefix string) error {
	return errors.New("connection refused")
}

type mapShared struct {
	mu      sync.Mutex
	data    map[string][]byte
	expires map[string]time.Time
}

func newMapShared() *mapShared {
	return &mapShared{data: make(map[string][]byte), expires: make(map[string]time.Time)}
}

func (m *mapShared) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	var remaining time.Duration
	if exp, has := m.expires[key]; has {
		remaining = time.Until(exp)
	}
	return v, remaining, ok, nil
}
func (m *mapShared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	}
	return nil
}
func (m *mapShared) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
func (m *mapShared) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.data, k)
		}
	}
	return nil
}

type countingObserver struct {
	mu     sync.Mutex
	hits   map[string]int
	misses int
}

func (o *countingObserver) CacheHit(cache, tier string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hits == nil {
		o.hits = make(map[string]int)
	}
	o.hits[tier]++
}

func (o *countingObserver) CacheMiss(cache string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses++
}

func TestTiered_ReadThroughPopulatesTiers(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Second, nil)
	obs := &countingObserver{}
	tiered.SetObserver(obs)

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetOrFetch(ctx, tiered, "k", 0, fetch)
		if err != nil || v != "value" {
			t.Fatalf("unexpected result %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("fetch should run once, ran %d times", calls)
	}
	if _, ok := tiered.Primary().Get("k"); !ok {
		t.Error("primary tier not populated")
	}
	if obs.misses != 1 || obs.hits[TierMemory] != 2 {
		t.Errorf("unexpected observer counts: misses=%d hits=%v", obs.misses, obs.hits)
	}
}

func TestTiered_PrimaryHitRefillsMemory(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Second, nil)
	tiered.Primary().Set("k", 42, 0)

	v, err := GetOrFetch(ctx, tiered, "k", 0, func(context.Context) (int, error) {
		t.Fatal("fetch should not run on primary hit")
		return 0, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d (%v)", v, err)
	}
	if _, ok := tiered.memory.Get("k"); !ok {
		t.Error("memory tier should be filled from primary hit")
	}
}

func TestTiered_FetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Second, nil)

	_, err := GetOrFetch(ctx, tiered, "k", 0, func(context.Context) (string, error) {
		return "", errors.New("datastore down")
	})
	if err == nil {
		t.Fatal("expected fetch error to propagate")
	}
	if tiered.Primary().Size() != 0 {
		t.Error("failed fetch must not populate the cache")
	}

	v, err := GetOrFetch(ctx, tiered, "k", 0, func(context.Context) (string, error) {
		return "recovered", nil
	})
	if err != nil || v != "recovered" {
		t.Errorf("expected retry to fetch, got %q (%v)", v, err)
	}
}

func TestTiered_SharedTierFailureDegradesToFetch(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Second, failingShared{})

	v, err := GetOrFetch(ctx, tiered, "k", 0, func(context.Context) (string, error) {
		return "fresh", nil
	})
	if err != nil || v != "fresh" {
		t.Fatalf("cache outage must not fail the read: %q, %v", v, err)
	}
	tiered.Invalidate(ctx, "k")
}

func TestTiered_SharedTierHit(t *testing.T) {
	ctx := context.Background()
	shared := newMapShared()
	writer := NewTiered(NewStore("a", time.Minute), time.Second, shared)
	reader := NewTiered(NewStore("b", time.Minute), time.Second, shared)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	writer.Set(ctx, "k", payload{Name: "x", Count: 3}, 0)

	got, err := GetOrFetch(ctx, reader, "k", 0, func(context.Context) (payload, error) {
		t.Fatal("fetch should not run when shared tier has the value")
		return payload{}, nil
	})
	if err != nil || got.Name != "x" || got.Count != 3 {
		t.Fatalf("unexpected shared value %+v (%v)", got, err)
	}
	if _, ok := reader.Primary().Get("k"); !ok {
		t.Error("shared hit should populate primary tier")
	}
}

func TestTiered_SharedHitKeepsRemainingLifetime(t *testing.T) {
	ctx := context.Background()
	shared := newMapShared()
	shared.Set(ctx, "k", []byte(`"v"`), 2*time.Second)
	reader := NewTiered(NewStore("r", time.Hour), time.Minute, shared)

	if _, err := GetOrFetch(ctx, reader, "k", 0, func(context.Context) (string, error) {
		t.Fatal("fetch should not run on shared hit")
		return "", nil
	}); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	_, remaining, ok := reader.Primary().GetWithTTL("k")
	if !ok {
		t.Fatal("shared hit should populate primary tier")
	}
	if remaining > 2*time.Second {
		t.Errorf("primary entry should expire with the shared one, got %v left", remaining)
	}
}

func TestTiered_InvalidationOnlyDropsCoveredFetches(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Minute, nil)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	slow := func(v string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) {
			started <- struct{}{}
			<-release
			return v, nil
		}
	}

	u1 := Key(KindUserContext, "u1", "ctx")
	u2 := Key(KindUserContext, "u2", "ctx")
	var wg sync.WaitGroup
	for key, v := range map[string]string{u1: "one", u2: "two"} {
		wg.Add(1)
		go func(key, v string) {
			defer wg.Done()
			GetOrFetch(ctx, tiered, key, 0, slow(v))
		}(key, v)
	}
	<-started
	<-started

	tiered.Invalidate(ctx, u1)
	close(release)
	wg.Wait()

	if _, ok := tiered.Primary().Get(u1); ok {
		t.Error("fetch raced by an invalidation must not be cached")
	}
	if _, ok := tiered.Primary().Get(u2); !ok {
		t.Error("another key's invalidation must not drop this fetch")
	}
}

func TestTiered_InvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Minute, newMapShared())

	version := 0
	fetch := func(context.Context) (int, error) {
		version++
		return version, nil
	}

	first, _ := GetOrFetch(ctx, tiered, "k", 0, fetch)
	tiered.Invalidate(ctx, "k")
	tiered.Invalidate(ctx, "k")
	second, _ := GetOrFetch(ctx, tiered, "k", 0, fetch)

	if first == second {
		t.Errorf("expected refetch after invalidation, got %d twice", first)
	}
}

func TestTiered_InvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Minute, nil)
	tiered.Set(ctx, Key(KindFormattedContext, "u1", "a"), "x", 0)
	tiered.Set(ctx, Key(KindFormattedContext, "u2", "a"), "y", 0)

	tiered.InvalidatePrefix(ctx, Prefix(KindFormattedContext, "u1"))

	if _, ok := tiered.lookup(Key(KindFormattedContext, "u1", "a")); ok {
		t.Error("u1 entry should be gone from every in-process tier")
	}
	if _, ok := tiered.lookup(Key(KindFormattedContext, "u2", "a")); !ok {
		t.Error("u2 entry should survive")
	}
}

func TestTiered_ConcurrentMissesShareFetch(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(NewStore("t", time.Minute), time.Second, nil)

	var calls int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := GetOrFetch(ctx, tiered, "k", 0, fetch); err != nil || v != "v" {
				t.Errorf("unexpected %q, %v", v, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single shared fetch, got %d", n)
	}
}

func TestManager_CleanupAll(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ttls := DefaultTTLs()
	m := NewManager(ttls, nil, WithClock(clock.Now))

	m.ChatHistory().Primary().Set("h", 1, time.Second)
	m.Instructions().Primary().Set("i", 1, time.Hour)
	clock.Advance(5 * time.Second)

	if n := m.CleanupAll(); n != 1 {
		t.Errorf("expected 1 reclaimed entry, got %d", n)
	}
	if len(m.Stats()) != 5 {
		t.Errorf("expected 5 named caches, got %d", len(m.Stats()))
	}
}
