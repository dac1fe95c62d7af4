package api

import (
	"context"
	"testing"
)

func TestIdempotencyKeyContext(t *testing.T) {
	if _, ok := IdempotencyKeyFromContext(context.Background()); ok {
		t.Error("key found in empty context")
	}

	ctx := WithIdempotencyKey(context.Background(), "nilai_update_1700000000000_abc")
	key, ok := IdempotencyKeyFromContext(ctx)
	if !ok || key != "nilai_update_1700000000000_abc" {
		t.Errorf("IdempotencyKeyFromContext() = %q, %v", key, ok)
	}

	if _, ok := IdempotencyKeyFromContext(WithIdempotencyKey(context.Background(), "")); ok {
		t.Error("empty key reported present")
	}
}
