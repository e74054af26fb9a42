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

// WithIdentity attaches an identity_id attribute to the context logger so
// every log line on that request path carries the subject it concerns.
func WithIdentity(ctx context.Context, identityID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("identity_id", identityID))
}
