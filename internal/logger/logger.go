// Package logger provides structured logging setup for Conclave.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/conclave/internal/config"
)

const (
	asyncBuffer  = 4096
	asyncWorkers = 2
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// The returned Closer flushes the async handler when logging.async is set.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return newWithWriter(cfg, os.Stdout)
}

func newWithWriter(cfg config.Logging, w io.Writer) (*slog.Logger, Closer) {
	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(h, asyncBuffer, asyncWorkers)
		h, closer = ah, ah
	}

	return slog.New(NewContextHandler(h)).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
