package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithOp tags the context logger with the name of the operation in flight
// (e.g. "login", "refresh", "health"). Nested calls overwrite the tag.
func WithOp(ctx context.Context, op string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("op", op))
}
