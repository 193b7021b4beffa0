package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"adminchat/internal/constants"
	"adminchat/internal/retry"
)

var dbBackoff = retry.NewBackoff(retry.BackoffConfig{
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
})

// withRetry runs a database operation, retrying transient sqlite errors
func withRetry(ctx context.Context, operation func() error) error {
	return dbBackoff.RetryWithPredicate(ctx, operation, isRetryableDBError)
}

// isRetryableDBError reports whether a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "disk I/O error")
}
