package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend unavailable")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if cfg.Name == "" {
		cfg.Name = "admin-api"
	}
	cb := New(cfg, logger)
	c := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cb.now = c.Now
	return cb, c
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{Name: "x"}, nil)
	assert.Equal(t, uint32(5), cb.cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cb.cfg.OpenTimeout)
	assert.Equal(t, uint32(3), cb.cfg.HalfOpenMaxCalls)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_PassesThroughResults(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 3})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)

	stats := cb.Stats()
	assert.Equal(t, uint64(2), stats.Requests)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Equal(t, uint32(1), stats.Failures)
	assert.Equal(t, "CLOSED", stats.State)
}

func TestExecute_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed), "a success resets the streak")
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(err))
	assert.True(t, IsCircuitBreakerError(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "circuit breaker 'admin-api' is OPEN", err.Error())
	assert.Equal(t, uint64(1), cb.Stats().Rejected)
}

func TestExecute_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(Config{MaxFailures: 1, OpenTimeout: time.Minute, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(59 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
	clk.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(Config{MaxFailures: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Advance(time.Minute)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	// the open timeout restarts from the failed probe
	clk.Advance(30 * time.Second)
	assert.True(t, IsCircuitBreakerError(cb.Execute(ctx, succeed)))
}

func TestExecute_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb, clk := newTestBreaker(Config{MaxFailures: 1, OpenTimeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.True(t, IsCircuitBreakerError(cb.Execute(ctx, succeed)), "second probe is rejected")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_IgnoredErrorsDoNotTrip(t *testing.T) {
	errClient := errors.New("bad request")
	cb, _ := newTestBreaker(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errClient) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errClient }), errClient)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_CancelledContext(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), cb.Stats().Requests)

	// cancellation surfacing from the call is not a backend failure
	err = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_Concurrent(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(ctx, succeed)
			} else {
				_ = cb.Execute(ctx, fail)
			}
		}(i)
	}
	wg.Wait()

	stats := cb.Stats()
	assert.Equal(t, uint64(50), stats.Requests)
	assert.Equal(t, uint64(25), stats.Successes)
}
