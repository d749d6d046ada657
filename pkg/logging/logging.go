// Package logging sets up the shared slog handler for the host-side
// tools. The embedded engine never imports this; it receives a logger
// through its config instead.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a tinted stderr logger at the given level.
func New(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	return slog.New(handler)
}

// Logger is the default tool logger at Info level.
var Logger = New(slog.LevelInfo)
