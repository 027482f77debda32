// Package logger builds the process-wide slog.Logger. Records logged with a
// context that carries a mission ID (see domain.ContextWithMissionID) get a
// mission_id attribute stamped on automatically, so every component's log
// lines can be correlated per mission without threading the ID by hand.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// New creates a configured *slog.Logger.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(missionHandler{handler}), closer, nil
}

// Discard returns a logger that drops everything. Subcommands that format
// their own stdout output use it to keep component noise off the terminal.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// missionHandler decorates records with the mission ID carried by the log
// call's context, when the caller used one of the *Context variants.
type missionHandler struct {
	slog.Handler
}

func (h missionHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := domain.MissionIDFromContext(ctx); id != "" {
		rec.AddAttrs(slog.String("mission_id", id))
	}
	return h.Handler.Handle(ctx, rec)
}

func (h missionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return missionHandler{h.Handler.WithAttrs(attrs)}
}

func (h missionHandler) WithGroup(name string) slog.Handler {
	return missionHandler{h.Handler.WithGroup(name)}
}

// parseLevel converts a string level to slog.Level.
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

// openOutput returns an io.Writer for the configured output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	case "discard":
		return io.Discard, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
