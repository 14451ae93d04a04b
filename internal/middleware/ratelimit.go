package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds the HTTP-level request limits. Per-user chat turn
// throttling lives in services.ChatRateLimiter.
type RateLimitConfig struct {
	GlobalAPIMax        int // per IP, all /api routes
	GlobalAPIExpiration time.Duration

	AdminMax        int // per admin user
	AdminExpiration time.Duration

	WebSocketMax        int // upgrade attempts per IP
	WebSocketExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalAPIMax:        200,
		GlobalAPIExpiration: time.Minute,

		AdminMax:        60,
		AdminExpiration: time.Minute,

		WebSocketMax:        20,
		WebSocketExpiration: time.Minute,
	}
}

// LoadRateLimitConfig applies RATE_LIMIT_* overrides to the defaults
func LoadRateLimitConfig() *RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	overrideMax(&cfg.GlobalAPIMax, "RATE_LIMIT_GLOBAL_API")
	overrideMax(&cfg.AdminMax, "RATE_LIMIT_ADMIN")
	overrideMax(&cfg.WebSocketMax, "RATE_LIMIT_WEBSOCKET")

	if os.Getenv("ENVIRONMENT") == "development" {
		cfg.GlobalAPIMax = 1000
		cfg.WebSocketMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}
	return cfg
}

func overrideMax(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*target = n
		}
	}
}

// newLimiter builds a fiber limiter that answers 429 with a retry hint
func newLimiter(scope string, max int, window time.Duration, key func(*fiber.Ctx) string, message string) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:          max,
		Expiration:   window,
		KeyGenerator: func(c *fiber.Ctx) string { return scope + ":" + key(c) },
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] %s limit reached for %s on %s", scope, key(c), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       message,
				"retry_after": int(window.Seconds()),
			})
		},
	})
}

func clientIP(c *fiber.Ctx) string {
	return c.IP()
}

// GlobalAPIRateLimiter limits every /api request per client IP
func GlobalAPIRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return newLimiter("global", cfg.GlobalAPIMax, cfg.GlobalAPIExpiration, clientIP,
		"Too many requests. Please slow down.")
}

// AdminRateLimiter limits admin operations per authenticated user, falling
// back to the client IP
func AdminRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return newLimiter("admin", cfg.AdminMax, cfg.AdminExpiration, func(c *fiber.Ctx) string {
		if userID, ok := c.Locals("user_id").(string); ok && userID != "" && userID != "anonymous" {
			return userID
		}
		return "ip-" + c.IP()
	}, "Too many requests. Please wait before trying again.")
}

// WebSocketRateLimiter limits WebSocket upgrade attempts per client IP
func WebSocketRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return newLimiter("ws", cfg.WebSocketMax, cfg.WebSocketExpiration, clientIP,
		"Too many connection attempts. Please wait before reconnecting.")
}
