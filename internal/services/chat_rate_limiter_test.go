package services

import (
	"testing"
	"time"
)

func TestChatRateLimiter_Burst(t *testing.T) {
	rl := NewChatRateLimiter(4)

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("burst of two should be allowed")
	}
	if rl.Allow("u1") {
		t.Error("third immediate turn should be throttled")
	}
	if !rl.Allow("u2") {
		t.Error("limits are per user")
	}
}

func TestChatRateLimiter_Disabled(t *testing.T) {
	rl := NewChatRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("u1") {
			t.Fatal("disabled limiter should allow everything")
		}
	}

	var nilLimiter *ChatRateLimiter
	if !nilLimiter.Allow("u1") {
		t.Error("nil limiter should allow")
	}
}

func TestChatRateLimiter_Sweep(t *testing.T) {
	rl := NewChatRateLimiter(10)
	rl.Allow("u1")
	rl.Allow("u2")

	if n := rl.Sweep(); n != 0 {
		t.Errorf("fresh limiters should survive, removed %d", n)
	}

	rl.idleTTL = -time.Second
	if n := rl.Sweep(); n != 2 {
		t.Errorf("expected both idle limiters removed, got %d", n)
	}
}
