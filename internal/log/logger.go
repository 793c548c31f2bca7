// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"firestige.xyz/dcamera/internal/config"
)

// Init installs the global slog logger. Console output goes to console, or
// stdout when nil. The returned close func releases the rotating log file.
func Init(cfg config.LogConfig, console io.Writer) (func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if console == nil {
		console = os.Stdout
	}

	out := NewMultiWriter().Add(console)
	closeFn := func() error { return nil }
	if cfg.Outputs.File.Enabled {
		closer, err := out.AddFileAppender(cfg.Outputs.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create file output: %w", err)
		}
		closeFn = closer.Close
	}

	handler, err := newHandler(out, cfg.Format, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}
