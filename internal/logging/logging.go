// Package logging provides structured logging configuration for the rootbridge daemon.
//
// Logging Strategy:
// - JSON format so logcat/journald redirection stays machine-parseable
// - Source locations included for debugging (file:line)
// - Log levels configurable via config file (debug, info, warn, error)
// - Default logger set globally for convenience, also returned for explicit passing
//
// Usage:
//
//	logger := logging.SetupLogger("info")
//	logger.Info("action description", "key", value, "component", "server")
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogger creates and configures a structured JSON logger.
// The level parameter accepts: "debug", "info", "warn", "error" (case-insensitive).
// Invalid levels default to "info".
//
// The logger writes JSON to stderr so that the namespace worker children,
// which inherit stderr from the daemon, land in the same stream.
//
// The logger is also set as the default via slog.SetDefault, allowing
// use of the global slog.Info(), slog.Error(), etc. functions.
func SetupLogger(level string) *slog.Logger {
	slogLevel := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten source paths by removing the module prefix
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					if idx := strings.Index(source.File, "internal/"); idx != -1 {
						source.File = source.File[idx:]
					} else {
						source.File = filepath.Base(source.File)
					}
					if idx := strings.Index(source.Function, "internal/"); idx != -1 {
						source.Function = source.Function[idx:]
					}
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(os.Stderr, opts)
	logger := slog.New(handler)

	slog.SetDefault(logger)

	return logger
}

// parseLevel converts a string log level to slog.Level.
// Accepts: "debug", "info", "warn", "error" (case-insensitive).
// Returns slog.LevelInfo for unrecognized values.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
