// Package logger provides per-subsystem structured logging on top of log/slog.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Subsystem names used for per-subsystem log levels (LOG_LEVEL_<SUBSYSTEM>).
const (
	SubsystemAPI       = "API"
	SubsystemImages    = "IMAGES"
	SubsystemOverlays  = "OVERLAYS"
	SubsystemVMM       = "VMM"
	SubsystemConsole   = "CONSOLE"
	SubsystemNodes     = "NODES"
	SubsystemLifecycle = "LIFECYCLE"
)

type contextKey struct{}

// Config holds the default log level and per-subsystem overrides.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
}

// NewConfig reads LOG_LEVEL and LOG_LEVEL_<SUBSYSTEM> from the environment.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    ParseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[string]slog.Level),
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "LOG_LEVEL_") {
			continue
		}
		subsystem := strings.TrimPrefix(key, "LOG_LEVEL_")
		cfg.SubsystemLevels[subsystem] = ParseLevel(value, cfg.DefaultLevel)
	}
	return cfg
}

// LevelFor returns the effective level for a subsystem.
func (c Config) LevelFor(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

// ParseLevel parses debug/info/warn/error (trace maps to debug).
func ParseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// NewSubsystemLogger creates a JSON logger on stdout tagged with the subsystem.
// When otelHandler is non-nil, records are also sent to it.
func NewSubsystemLogger(subsystem string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	level := cfg.LevelFor(subsystem)
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if otelHandler != nil {
		handler = &fanoutHandler{
			level:    level,
			handlers: []slog.Handler{handler, otelHandler},
		}
	}
	return slog.New(handler).With("subsystem", subsystem)
}

// AddToContext returns a context carrying the logger.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
			return log
		}
	}
	return slog.Default()
}

// fanoutHandler writes each record to every handler that accepts its level.
type fanoutHandler struct {
	level    slog.Level
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{level: h.level, handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{level: h.level, handlers: next}
}
