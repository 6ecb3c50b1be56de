package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workIDKey ctxKey = iota
	activityIDKey
	workflowIDKey
)

// WithWorkID returns a context with the work ID set.
func WithWorkID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workIDKey, id)
}

// WithActivityID returns a context with the activity ID set.
func WithActivityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, activityIDKey, id)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WorkID extracts the work ID from the context, or "" if absent.
func WorkID(ctx context.Context) string {
	v, _ := ctx.Value(workIDKey).(string)
	return v
}

// ActivityID extracts the activity ID from the context, or "" if absent.
func ActivityID(ctx context.Context) string {
	v, _ := ctx.Value(activityIDKey).(string)
	return v
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, workID, activityID, workflowID string) context.Context {
	ctx = WithWorkID(ctx, workID)
	ctx = WithActivityID(ctx, activityID)
	ctx = WithWorkflowID(ctx, workflowID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := WorkID(ctx); id != "" {
		logger = logger.With(slog.String("work_id", id))
	}
	if id := ActivityID(ctx); id != "" {
		logger = logger.With(slog.String("activity_id", id))
	}
	if id := WorkflowID(ctx); id != "" {
		logger = logger.With(slog.String("workflow_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := WorkID(ctx); v != "" {
		r.AddAttrs(slog.String("work_id", v))
	}
	if v := ActivityID(ctx); v != "" {
		r.AddAttrs(slog.String("activity_id", v))
	}
	if v := WorkflowID(ctx); v != "" {
		r.AddAttrs(slog.String("workflow_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
