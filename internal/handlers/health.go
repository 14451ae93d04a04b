package handlers

import (
	"context"
	"log"
	"time"

	"chatrelay/internal/services"

	"github.com/gofiber/fiber/v2"
)

// Pinger is a dependency the health check probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	deps        map[string]Pinger
	timeout     time.Duration
}

// NewHealthHandler creates a new health handler. Nil dependencies are skipped.
func NewHealthHandler(connManager *services.ConnectionManager, deps map[string]Pinger) *HealthHandler {
	live := make(map[string]Pinger, len(deps))
	for name, dep := range deps {
		if dep != nil {
			live[name] = dep
		}
	}
	return &HealthHandler{connManager: connManager, deps: live, timeout: 2 * time.Second}
}

// Handle responds with server health status. Any failing dependency turns
// the response into 503 "degraded".
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	status := "healthy"
	checks := make(fiber.Map, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			log.Printf("⚠️  [HEALTH] %s unhealthy: %v", name, err)
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":      status,
		"connections": h.connManager.Count(),
		"checks":      checks,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
