package handlers

import (
	"errors"
	"log"
	"strings"

	"chatrelay/internal/cache"
	"chatrelay/internal/jobs"
	"chatrelay/internal/models"
	"chatrelay/internal/services"

	"github.com/gofiber/fiber/v2"
)

// AdminHandler exposes instruction management and cache controls
type AdminHandler struct {
	instructions *services.InstructionService
	userContext  *services.UserContextService
	history      *services.ChatHistoryService
	caches       *cache.Manager
	connManager  *services.ConnectionManager
	scheduler    *jobs.JobScheduler
}

// NewAdminHandler creates a new admin handler. scheduler may be nil.
func NewAdminHandler(
	instructions *services.InstructionService,
	userContext *services.UserContextService,
	history *services.ChatHistoryService,
	caches *cache.Manager,
	connManager *services.ConnectionManager,
	scheduler *jobs.JobScheduler,
) *AdminHandler {
	return &AdminHandler{
		instructions: instructions,
		userContext:  userContext,
		history:      history,
		caches:       caches,
		connManager:  connManager,
		scheduler:    scheduler,
	}
}

// Register mounts the admin routes on router
func (h *AdminHandler) Register(router fiber.Router) {
	router.Get("/instructions", h.ListInstructions)
	router.Post("/instructions", h.AddInstruction)
	router.Post("/instructions/invalidate", h.InvalidateInstructions)
	router.Post("/users/invalidate", h.InvalidateAllUsers)
	router.Post("/users/:userID/invalidate", h.InvalidateUser)
	router.Get("/cache/stats", h.CacheStats)
	router.Post("/jobs/:name/run", h.RunJob)
}

func adminID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

// ListInstructions returns the active instruction set, newest first
// GET /api/admin/instructions
func (h *AdminHandler) ListInstructions(c *fiber.Ctx) error {
	insts, err := h.instructions.Get(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Instructions unavailable",
		})
	}
	return c.JSON(fiber.Map{"instructions": insts, "count": len(insts)})
}

// AddInstruction stores a new global instruction
// POST /api/admin/instructions
func (h *AdminHandler) AddInstruction(c *fiber.Ctx) error {
	var req models.Instruction
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "content is required",
		})
	}

	inst, err := h.instructions.Add(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, models.ErrMissingField) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		log.Printf("❌ [ADMIN] Failed to add instruction: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store instruction",
		})
	}

	log.Printf("📝 [ADMIN] %s added instruction %s", adminID(c), inst.ID)
	return c.Status(fiber.StatusCreated).JSON(inst)
}

// InvalidateInstructions drops the cached instruction set
// POST /api/admin/instructions/invalidate
func (h *AdminHandler) InvalidateInstructions(c *fiber.Ctx) error {
	h.instructions.Invalidate(c.UserContext())
	log.Printf("🗑️  [ADMIN] %s invalidated instructions cache", adminID(c))
	return c.JSON(fiber.Map{"success": true})
}

// InvalidateUser drops one user's cached context and history
// POST /api/admin/users/:userID/invalidate
func (h *AdminHandler) InvalidateUser(c *fiber.Ctx) error {
	userID := c.Params("userID")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	h.userContext.Invalidate(c.UserContext(), userID)
	h.history.Invalidate(c.UserContext(), userID)
	log.Printf("🗑️  [ADMIN] %s invalidated caches for user %s", adminID(c), userID)
	return c.JSON(fiber.Map{"success": true, "user_id": userID})
}

// InvalidateAllUsers drops every cached user context
// POST /api/admin/users/invalidate
func (h *AdminHandler) InvalidateAllUsers(c *fiber.Ctx) error {
	h.userContext.InvalidateAll(c.UserContext())
	log.Printf("🗑️  [ADMIN] %s invalidated all user contexts", adminID(c))
	return c.JSON(fiber.Map{"success": true})
}

// CacheStats reports per-kind cache counters, live sessions and job status
// GET /api/admin/cache/stats
func (h *AdminHandler) CacheStats(c *fiber.Ctx) error {
	resp := fiber.Map{
		"caches":      h.caches.Stats(),
		"connections": h.connManager.Stats(),
	}
	if h.scheduler != nil {
		resp["jobs"] = h.scheduler.GetStatus()
	}
	return c.JSON(resp)
}

// RunJob triggers a registered job immediately
// POST /api/admin/jobs/:name/run
func (h *AdminHandler) RunJob(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Scheduler not running",
		})
	}
	name := c.Params("name")
	if err := h.scheduler.RunNow(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	log.Printf("▶️  [ADMIN] %s ran job %s", adminID(c), name)
	return c.JSON(fiber.Map{"success": true, "job": name})
}
