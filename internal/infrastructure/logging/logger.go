package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
)

// ServiceName is attached to every log entry as the "service" field.
const ServiceName = "graylogic-gira"

// Logger is a slog.Logger whose With keeps the concrete type, so components
// can pass *Logger down after adding their own fields.
//
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds the process logger from config.
//
// Parameters:
//   - cfg: level (debug, info, warn, error), format (json, text) and output (stdout, stderr)
//   - version: build version stamped on every entry
//
// Returns:
//   - *Logger: logger carrying service and version fields
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(out, cfg, version)
}

// NewWithWriter is New with an explicit destination; cfg.Output is ignored.
func NewWithWriter(out io.Writer, cfg config.LoggingConfig, version string) *Logger {
	handler := newHandler(out, cfg.Format, parseLevel(cfg.Level)).WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

func newHandler(out io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// parseLevel accepts slog level names case-insensitively plus "warning".
// Anything else is info.
func parseLevel(name string) slog.Level {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if name == "" || level.UnmarshalText([]byte(name)) != nil {
		return slog.LevelInfo
	}
	return level
}

// With returns a child logger with extra key-value fields.
//
//	sessionLogger := logger.With("component", "gira", "host", "x1-main")
//	sessionLogger.Info("registered") // component=gira host=x1-main
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the JSON info logger used before config has loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// TokenPrefix returns a log-safe prefix of a device token.
// Full tokens are never written to logs.
func TokenPrefix(token string) string {
	const prefixLen = 4
	switch {
	case token == "":
		return ""
	case len(token) <= prefixLen:
		return "..."
	default:
		return token[:prefixLen] + "..."
	}
}
