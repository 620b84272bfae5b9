// Package obslog configures the structured logger shared by every component
// of the pulse engine. It wraps log/slog with a level filter so that noisy
// third-party packages (the MCP client, the SQL driver) can be quieted
// independently of the application's own verbosity.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Options controls logger construction.
type Options struct {
	Level     string // debug, info, warn, error
	JSON      bool
	QuietPkgs []string // logger name prefixes to cap at warn regardless of Level
}

// New builds a slog.Logger with a filtering handler installed and also
// installs it as the process-wide default via slog.SetDefault.
func New(opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)

	var handler slog.Handler
	base := slog.HandlerOptions{Level: level}
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &base)
	} else {
		handler = slog.NewTextHandler(os.Stderr, &base)
	}

	fh := &filteringHandler{
		inner: handler,
		level: level,
		quiet: append([]string(nil), opts.QuietPkgs...),
	}

	logger := slog.New(fh)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a case-insensitive level name to a slog.Level, defaulting
// to Info on an unrecognized value.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// filteringHandler caps log records from noisy logger names (matched by the
// "component" attribute) at warn, regardless of the configured level.
type filteringHandler struct {
	inner slog.Handler
	level slog.Level
	quiet []string
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelWarn {
		component := componentOf(r)
		for _, q := range h.quiet {
			if strings.HasPrefix(component, q) {
				return nil
			}
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{inner: h.inner.WithAttrs(attrs), level: h.level, quiet: h.quiet}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{inner: h.inner.WithGroup(name), level: h.level, quiet: h.quiet}
}

func componentOf(r slog.Record) string {
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	return component
}
