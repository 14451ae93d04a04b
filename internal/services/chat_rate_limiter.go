package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ChatRateLimiter throttles chat and audio turns per user. Limiters idle
// longer than idleTTL are dropped by Sweep.
type ChatRateLimiter struct {
	perMinute int
	burst     int
	idleTTL   time.Duration
	limiters  sync.Map // map[string]*userLimiter
}

type userLimiter struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	seen    time.Time
}

// NewChatRateLimiter allows perMinute turns per user with a burst of half
// that. perMinute <= 0 disables limiting.
func NewChatRateLimiter(perMinute int) *ChatRateLimiter {
	burst := perMinute / 2
	if burst < 1 {
		burst = 1
	}
	return &ChatRateLimiter{
		perMinute: perMinute,
		burst:     burst,
		idleTTL:   10 * time.Minute,
	}
}

// Allow reports whether userID may start another turn now
func (rl *ChatRateLimiter) Allow(userID string) bool {
	if rl == nil || rl.perMinute <= 0 {
		return true
	}

	ul := rl.getOrCreate(userID)
	ul.mu.Lock()
	ul.seen = time.Now()
	ul.mu.Unlock()
	return ul.limiter.Allow()
}

func (rl *ChatRateLimiter) getOrCreate(userID string) *userLimiter {
	if v, ok := rl.limiters.Load(userID); ok {
		return v.(*userLimiter)
	}
	limit := rate.Every(time.Minute / time.Duration(rl.perMinute))
	v, _ := rl.limiters.LoadOrStore(userID, &userLimiter{
		limiter: rate.NewLimiter(limit, rl.burst),
		seen:    time.Now(),
	})
	return v.(*userLimiter)
}

// Sweep forgets limiters idle past the TTL and returns how many were removed
func (rl *ChatRateLimiter) Sweep() int {
	if rl == nil {
		return 0
	}
	cutoff := time.Now().Add(-rl.idleTTL)
	removed := 0
	rl.limiters.Range(func(key, value interface{}) bool {
		ul := value.(*userLimiter)
		ul.mu.Lock()
		idle := ul.seen.Before(cutoff)
		ul.mu.Unlock()
		if idle {
			rl.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
