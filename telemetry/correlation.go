package telemetry

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const correlationKey ctxKey = "correlation_id"

// WithCorrelationID returns a context carrying the given correlation id,
// generating a new one when id is empty.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID extracts the correlation id from ctx, or "" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}
