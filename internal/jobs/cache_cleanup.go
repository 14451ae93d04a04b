package jobs

import (
	"context"
	"log"

	"chatrelay/internal/cache"
)

// Sweeper forgets idle per-user state
type Sweeper interface {
	Sweep() int
}

// CacheCleanupJob reclaims expired cache entries and idle rate limiters.
// Expired entries are already invisible to readers; this only frees memory.
type CacheCleanupJob struct {
	caches   *cache.Manager
	sweepers []Sweeper
}

// NewCacheCleanupJob creates the job
func NewCacheCleanupJob(caches *cache.Manager, sweepers ...Sweeper) *CacheCleanupJob {
	return &CacheCleanupJob{caches: caches, sweepers: sweepers}
}

// Run implements Job
func (j *CacheCleanupJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reclaimed := j.caches.CleanupAll()
	swept := 0
	for _, s := range j.sweepers {
		swept += s.Sweep()
	}

	if reclaimed > 0 || swept > 0 {
		log.Printf("🧹 [CACHE-CLEANUP] Reclaimed %d cache entries, %d idle limiters", reclaimed, swept)
	}
	return nil
}
