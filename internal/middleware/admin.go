package middleware

import (
	"slices"

	"chatrelay/internal/config"

	"github.com/gofiber/fiber/v2"
)

// AdminMiddleware checks if the authenticated user is a superadmin: either the
// token carries role "admin" or the user id is listed in SUPERADMIN_USER_IDS.
func AdminMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("user_id").(string)
		if !ok || userID == "" || userID == "anonymous" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		role, _ := c.Locals("user_role").(string)
		if role != "admin" && !IsSuperadmin(userID, cfg) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Superadmin access required",
			})
		}

		c.Locals("is_superadmin", true)
		return c.Next()
	}
}

// IsSuperadmin reports whether userID is listed in SUPERADMIN_USER_IDS
func IsSuperadmin(userID string, cfg *config.Config) bool {
	return slices.Contains(cfg.SuperadminUserIDs, userID)
}
