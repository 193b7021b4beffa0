package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(attempts int) *Backoff {
	return NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  attempts,
	})
}

func TestBackoff_DefaultConfig(t *testing.T) {
	config := DefaultBackoffConfig()

	assert.Equal(t, 100*time.Millisecond, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.Equal(t, 5, config.MaxAttempts)
	assert.True(t, config.Jitter)
}

func TestBackoff_SuccessFirstAttempt(t *testing.T) {
	attempts := 0
	err := fastBackoff(3).Retry(context.Background(), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := fastBackoff(3).Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBackoff_ExhaustsAndReturnsLastError(t *testing.T) {
	attempts := 0
	err := fastBackoff(4).Retry(context.Background(), func() error {
		attempts++
		return errors.New("still down")
	})

	require.EqualError(t, err, "still down")
	assert.Equal(t, 4, attempts)
}

func TestBackoff_PredicateStopsEarly(t *testing.T) {
	fatal := errors.New("auth rejected")
	attempts := 0
	err := fastBackoff(5).RetryWithPredicate(context.Background(), func() error {
		attempts++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) })

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestBackoff_NotifyCalledBetweenAttempts(t *testing.T) {
	var notified []int
	_ = fastBackoff(3).RetryNotify(context.Background(), func() error {
		return errors.New("down")
	}, nil, func(attempt int, delay time.Duration, err error) {
		notified = append(notified, attempt)
		assert.Greater(t, delay, time.Duration(0))
	})

	assert.Equal(t, []int{1, 2}, notified)
}

func TestBackoff_ContextCancelled(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   1,
		MaxAttempts:  3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := backoff.Retry(ctx, func() error { return errors.New("down") })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoff_DelayGrowthAndCap(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  10,
	})

	assert.Equal(t, 100*time.Millisecond, backoff.GetNextDelay(1))
	assert.Equal(t, 200*time.Millisecond, backoff.GetNextDelay(2))
	assert.Equal(t, 400*time.Millisecond, backoff.GetNextDelay(3))
	assert.Equal(t, 500*time.Millisecond, backoff.GetNextDelay(4))
	assert.Equal(t, 500*time.Millisecond, backoff.GetNextDelay(20))
}

func TestBackoff_FixedDelay(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: 3 * time.Second, MaxDelay: 3 * time.Second, Multiplier: 1, MaxAttempts: 5})

	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 3*time.Second, backoff.GetNextDelay(attempt))
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	})

	for i := 0; i < 100; i++ {
		d := backoff.GetNextDelay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestNewBackoff_NormalisesConfig(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Second, MaxDelay: 0, Multiplier: 0, MaxAttempts: 0})

	assert.Equal(t, 1, backoff.MaxAttempts())
	assert.Equal(t, time.Second, backoff.GetNextDelay(3))
}
