package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithConnection returns a logger with session fields attached.
// Use this for everything logged on behalf of one WebSocket connection.
func WithConnection(connID, userID string) *slog.Logger {
	return slog.With(
		"conn_id", connID,
		"user_id", userID,
	)
}

// WithTurn returns a logger scoped to one chat turn within a session.
func WithTurn(logger *slog.Logger, turnID, kind string) *slog.Logger {
	return logger.With(
		"turn_id", turnID,
		"turn_kind", kind,
	)
}
