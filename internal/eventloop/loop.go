// Package eventloop runs every state mutation of the chat client on one
// goroutine, so handlers, timers and command results never interleave.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// Timer is a cancellable callback scheduled with a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler schedules callbacks and tells the time.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Loop is an unbounded FIFO of closures drained by a single goroutine.
type Loop struct {
	logger *logrus.Logger

	mu      sync.Mutex
	pending []func()
	closed  bool
	started bool

	wake chan struct{}
	done chan struct{}
}

func New(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// Post queues fn. It returns false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it. Must not be called from
// inside the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new work, runs what is already queued and waits for the
// loop goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if l.started {
			<-l.done
		}
		return
	}
	l.closed = true
	started := l.started
	l.mu.Unlock()

	if !started {
		close(l.done)
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			closed := l.closed
			l.mu.Unlock()

			for _, fn := range batch {
				l.invoke(fn)
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in event loop")
		}
	}()
	fn()
}

// AfterFunc runs fn on the loop after d. A Stop issued from the loop
// guarantees fn will not run, even if the timer already fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.cancelled.Load() {
				fn()
			}
		})
	})
	return t
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

type loopTimer struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.cancelled.Store(true)
	return t.timer.Stop()
}
