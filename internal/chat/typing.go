package chat

import (
	"time"

	"golang.org/x/time/rate"

	apperrors "adminchat/internal/errors"
	"adminchat/internal/eventloop"
)

// TypingNotifier turns keystrokes into throttled adminTyping events and
// emits adminStopTyping once input goes idle. Event loop only.
type TypingNotifier struct {
	adminID string
	emitter Emitter
	sched   eventloop.Scheduler
	idle    time.Duration
	limiter *rate.Limiter

	counterpart string
	active      bool
	timer       eventloop.Timer
}

func NewTypingNotifier(adminID string, emitter Emitter, sched eventloop.Scheduler, idle, throttle time.Duration) *TypingNotifier {
	return &TypingNotifier{
		adminID: adminID,
		emitter: emitter,
		sched:   sched,
		idle:    idle,
		limiter: rate.NewLimiter(rate.Every(throttle), 1),
	}
}

// Keystroke signals typing towards counterpartID and rearms the idle timer.
func (t *TypingNotifier) Keystroke(counterpartID string) error {
	if counterpartID == "" {
		return apperrors.NewValidationError("counterpart", "no conversation selected")
	}
	if t.active && t.counterpart != counterpartID {
		_ = t.Stop()
	}

	allowed := t.limiter.AllowN(t.sched.Now(), 1)
	if !t.active || allowed {
		if err := t.emitter.Emit(EventAdminTyping, roomPayload{AdminID: t.adminID, UserID: counterpartID}); err != nil {
			return err
		}
	}

	t.active = true
	t.counterpart = counterpartID
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.sched.AfterFunc(t.idle, func() { _ = t.Stop() })
	return nil
}

// Stop cancels the idle timer and emits adminStopTyping if typing was on.
func (t *TypingNotifier) Stop() error {
	if !t.active {
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.active = false
	return t.emitter.Emit(EventAdminStopTyping, roomPayload{AdminID: t.adminID, UserID: t.counterpart})
}

func (t *TypingNotifier) Active() bool {
	return t.active
}
