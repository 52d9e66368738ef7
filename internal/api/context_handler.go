package api

import (
	"context"
	"log/slog"
)

// ContextHandler is an slog.Handler that enriches log records with values
// carried on the context — currently the request ID attached by the
// RequestID middleware — so component packages can log through
// slog.InfoContext/ErrorContext without threading the ID explicitly.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps inner so every record gains context-derived attrs.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		record.AddAttrs(slog.String("request_id", reqID))
	}
	return h.inner.Handle(ctx, record)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
