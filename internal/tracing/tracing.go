package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	startTimeKey contextKey = "start_time"
)

// NewRequestID returns an identifier for one control API request.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithStartTime(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, start)
}

// Duration is the time elapsed since WithStartTime, zero if never set.
func Duration(ctx context.Context) time.Duration {
	start, ok := ctx.Value(startTimeKey).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(start)
}
