package middleware

import (
	"context"

	"github.com/google/uuid"
)

type key int

const CorrelationKey key = 0

// EnsureCorrelationID returns a context carrying the given correlation id,
// minting one when the caller has none.
func EnsureCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, CorrelationKey, id)
}

func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationKey).(string); ok {
		return id
	}
	return "unknown"
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationKey, id)
}
