package api

import (
	"context"

	"github.com/hyperengineering/reconcile/internal/validation"
)

const maxIdempotencyKeyLength = validation.MaxIDLength

type idempotencyKeyContextKey struct{}

// WithIdempotencyKey returns a context carrying a client request id.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// IdempotencyKeyFromContext returns the client request id, if any.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyContextKey{}).(string)
	return key, ok && key != ""
}
