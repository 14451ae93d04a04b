package cache

import (
	"log"
	"time"
)

// TTLs holds the default lifetime of each named cache.
// Volatile data gets short TTLs, near-static data long ones.
type TTLs struct {
	UserContext      time.Duration
	Instructions     time.Duration
	ChatHistory      time.Duration
	VectorSearch     time.Duration
	FormattedContext time.Duration
	Memory           time.Duration
}

// DefaultTTLs returns the TTLs used when nothing is configured
func DefaultTTLs() TTLs {
	return TTLs{
		UserContext:      5 * time.Minute,
		Instructions:     30 * time.Minute,
		ChatHistory:      1 * time.Minute,
		VectorSearch:     2 * time.Minute,
		FormattedContext: 5 * time.Minute,
		Memory:           5 * time.Second,
	}
}

// Manager owns the process-wide named caches. It is constructed once at
// startup and passed to every component that reads through a cache.
type Manager struct {
	tiers map[string]*Tiered
	order []string
}

// NewManager builds the named caches. shared may be nil.
func NewManager(ttls TTLs, shared SharedTier, opts ...StoreOption) *Manager {
	m := &Manager{tiers: make(map[string]*Tiered)}
	m.add(KindUserContext, ttls.UserContext, ttls.Memory, shared, opts)
	m.add(KindInstructions, ttls.Instructions, ttls.Memory, shared, opts)
	m.add(KindChatHistory, ttls.ChatHistory, ttls.Memory, shared, opts)
	m.add(KindVectorSearch, ttls.VectorSearch, ttls.Memory, shared, opts)
	// formatted context is large and cheap to rebuild; keep it process-local
	m.add(KindFormattedContext, ttls.FormattedContext, ttls.Memory, nil, opts)
	return m
}

func (m *Manager) add(name string, ttl, memoryTTL time.Duration, shared SharedTier, opts []StoreOption) {
	m.tiers[name] = NewTiered(NewStore(name, ttl, opts...), memoryTTL, shared)
	m.order = append(m.order, name)
}

// Tier returns the named cache, or nil if unknown
func (m *Manager) Tier(name string) *Tiered {
	return m.tiers[name]
}

func (m *Manager) UserContext() *Tiered      { return m.tiers[KindUserContext] }
func (m *Manager) Instructions() *Tiered     { return m.tiers[KindInstructions] }
func (m *Manager) ChatHistory() *Tiered      { return m.tiers[KindChatHistory] }
func (m *Manager) VectorSearch() *Tiered     { return m.tiers[KindVectorSearch] }
func (m *Manager) FormattedContext() *Tiered { return m.tiers[KindFormattedContext] }

// SetObserver installs o on every cache
func (m *Manager) SetObserver(o Observer) {
	for _, t := range m.tiers {
		t.SetObserver(o)
	}
}

// CleanupAll sweeps expired entries from every cache
func (m *Manager) CleanupAll() int {
	total := 0
	for _, name := range m.order {
		total += m.tiers[name].Cleanup()
	}
	if total > 0 {
		log.Printf("🧹 [CACHE] Cleanup reclaimed %d expired entries", total)
	}
	return total
}

// Stats returns per-cache counters in construction order
func (m *Manager) Stats() []StoreStats {
	stats := make([]StoreStats, 0, len(m.order))
	for _, name := range m.order {
		stats = append(stats, m.tiers[name].Primary().Stats())
	}
	return stats
}
