package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

func whoami(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	return c.SendString(userID)
}

func body(t *testing.T, app *fiber.App, target, authHeader string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestOptionalLocalAuth(t *testing.T) {
	jwtAuth, _ := auth.NewLocalJWTAuth("secret", time.Minute)
	token, _ := jwtAuth.IssueToken("u1", "", "user")

	app := fiber.New()
	app.Get("/", OptionalLocalAuthMiddleware(jwtAuth), whoami)

	if _, got := body(t, app, "/", ""); got != "anonymous" {
		t.Errorf("no token should be anonymous, got %q", got)
	}
	if _, got := body(t, app, "/", "Bearer "+token); got != "u1" {
		t.Errorf("header token should bind u1, got %q", got)
	}
	if _, got := body(t, app, "/?token="+token, ""); got != "u1" {
		t.Errorf("query token should bind u1, got %q", got)
	}
	if _, got := body(t, app, "/", "Bearer garbage"); got != "anonymous" {
		t.Errorf("invalid token should fall back to anonymous, got %q", got)
	}
}

func TestAdminMiddleware(t *testing.T) {
	jwtAuth, _ := auth.NewLocalJWTAuth("secret", time.Minute)
	cfg := &config.Config{SuperadminUserIDs: []string{"boss"}}

	app := fiber.New()
	app.Get("/admin", LocalAuthMiddleware(jwtAuth), AdminMiddleware(cfg), whoami)

	userToken, _ := jwtAuth.IssueToken("someone", "", "user")
	bossToken, _ := jwtAuth.IssueToken("boss", "", "user")
	roleToken, _ := jwtAuth.IssueToken("ops", "", "admin")

	if status, _ := body(t, app, "/admin", ""); status != fiber.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", status)
	}
	if status, _ := body(t, app, "/admin", "Bearer "+userToken); status != fiber.StatusForbidden {
		t.Errorf("plain user: expected 403, got %d", status)
	}
	if status, got := body(t, app, "/admin", "Bearer "+bossToken); status != fiber.StatusOK || got != "boss" {
		t.Errorf("listed superadmin: expected 200, got %d %q", status, got)
	}
	if status, _ := body(t, app, "/admin", "Bearer "+roleToken); status != fiber.StatusOK {
		t.Errorf("admin role: expected 200, got %d", status)
	}
}

func TestWebSocketRateLimiter(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.WebSocketMax = 2

	app := fiber.New()
	app.Get("/ws", WebSocketRateLimiter(cfg), whoami)

	for i := 0; i < 2; i++ {
		if status, _ := body(t, app, "/ws", ""); status != fiber.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, status)
		}
	}
	if status, _ := body(t, app, "/ws", ""); status != fiber.StatusTooManyRequests {
		t.Errorf("expected 429 after limit, got %d", status)
	}
}
