// Package observability provides structured logging for tagsync.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/tagsync/internal/config"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// CycleIDKey is the context key for job cycle IDs.
	CycleIDKey contextKey = "cycle_id"
)

// NewLogger creates a new slog.Logger based on the provided configuration.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
// Struct fields tagged `masq:"secret"` and well-known credential field names are
// redacted from every record. Records logged with a context carrying a cycle or
// request ID get that ID attached unless the logger already has one.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	redact := masq.New(
		masq.WithTag("secret"),
		masq.WithFieldName("Password"),
		masq.WithFieldName("SecretKey"),
		masq.WithFieldName("AccessKey"),
	)

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return redact(groups, a)
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// contextHandler copies correlation IDs from the record context.
type contextHandler struct {
	slog.Handler
	hasCycle   bool
	hasRequest bool
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.hasCycle {
		if id := CycleIDFromContext(ctx); id != "" {
			r.AddAttrs(slog.String(string(CycleIDKey), id))
		}
	}
	if !h.hasRequest {
		if id := RequestIDFromContext(ctx); id != "" {
			r.AddAttrs(slog.String(string(RequestIDKey), id))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &contextHandler{Handler: h.Handler.WithAttrs(attrs), hasCycle: h.hasCycle, hasRequest: h.hasRequest}
	for _, a := range attrs {
		switch a.Key {
		case string(CycleIDKey):
			next.hasCycle = true
		case string(RequestIDKey):
			next.hasRequest = true
		}
	}
	return next
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name), hasCycle: h.hasCycle, hasRequest: h.hasRequest}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithCycleID adds a job cycle ID to the logger.
func WithCycleID(logger *slog.Logger, cycleID string) *slog.Logger {
	return logger.With(slog.String(string(CycleIDKey), cycleID))
}

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// CycleIDFromContext extracts a job cycle ID from the context.
func CycleIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(CycleIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithCycleID adds a job cycle ID to the context.
func ContextWithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, CycleIDKey, cycleID)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError times an operation and logs its outcome when the
// returned function runs. The error is read through errPtr at that point, so
// it reflects whatever the operation finally returned.
//
//	var err error
//	defer observability.TimedOperationWithError(ctx, logger, "fetch", &err)()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	return func() {
		attrs := []any{
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		}
		if errPtr != nil && *errPtr != nil {
			logger.WarnContext(ctx, "operation failed", append(attrs, slog.String("error", (*errPtr).Error()))...)
			return
		}
		logger.DebugContext(ctx, "operation completed", attrs...)
	}
}
