// README: Preconfigured slog JSON logger.
package logger

import (
	"log/slog"
	"os"
)

// New creates a JSON slog.Logger at the given level.
func New(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
