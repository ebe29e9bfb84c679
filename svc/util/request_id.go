package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored by SetRequestID, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// NewRequestID honours a well formed inbound X-Request-ID and otherwise mints one.
func NewRequestID(inbound string) string {
	if inbound != "" {
		if _, err := uuid.Parse(inbound); err == nil {
			return inbound
		}
	}
	return uuid.New().String()
}
