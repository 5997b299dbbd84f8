// Package logger builds the process logger: slog with the level, format
// and destination taken from configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"council/internal/infra/config"
)

// New builds the root *slog.Logger. The returned close function releases
// the log destination and must run at shutdown.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	out, closeOut, err := sink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("log output %q: %w", cfg.Output, err)
	}

	level := Level(cfg.Level)
	opts := &slog.HandlerOptions{
		Level: level,
		// Call-site resolution is only worth its cost when debugging.
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeOut, nil
}

// ForAgent scopes a logger to one agent so every record it emits carries
// the agent id.
func ForAgent(base *slog.Logger, agentID string) *slog.Logger {
	return base.With("agent_id", agentID)
}

// Level maps a config string to a slog.Level. Unknown values fall back
// to info rather than failing startup.
func Level(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// sink resolves the output target: stdout, stderr or a file path. Files
// are created private to the process and appended to.
func sink(target string) (io.Writer, func() error, error) {
	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	case "stderr", "":
		return os.Stderr, func() error { return nil }, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
