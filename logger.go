package tilemap

import (
	"log/slog"

	"github.com/gogpu/tilemap/internal/logging"
)

// SetLogger configures the logger for tilemap and all its sub-packages.
// By default, tilemap produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by tilemap:
//   - [slog.LevelDebug]: cache transitions, uploads, evictions
//   - [slog.LevelInfo]: engine lifecycle
//   - [slog.LevelWarn]: persistent tier failures, dropped geometry, retries
//   - [slog.LevelError]: unexpected GPU upload failures
//
// Example:
//
//	tilemap.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by tilemap.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.L()
}
