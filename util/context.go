package util

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok && id != ""
}

// CtxLogger returns lg annotated with the correlation id carried by ctx, if
// any.
func CtxLogger(ctx context.Context, lg *zap.Logger) *zap.Logger {
	if id, ok := CorrelationID(ctx); ok {
		return lg.With(zap.String("correlation_id", id))
	}
	return lg
}
