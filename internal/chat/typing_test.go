package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "adminchat/internal/errors"
	"adminchat/internal/eventloop"
)

func newTestTyping() (*TypingNotifier, *fakeEmitter, *eventloop.ManualScheduler) {
	sched := eventloop.NewManualScheduler(t0)
	em := &fakeEmitter{}
	return NewTypingNotifier("a1", em, sched, 3*time.Second, 2*time.Second), em, sched
}

func TestTyping_ThrottleAndIdleStop(t *testing.T) {
	typing, em, sched := newTestTyping()

	require.NoError(t, typing.Keystroke("U1"))
	sched.Advance(time.Second)
	require.NoError(t, typing.Keystroke("U1"))
	assert.Len(t, em.named(EventAdminTyping), 1, "second keystroke is throttled")

	sched.Advance(1500 * time.Millisecond)
	require.NoError(t, typing.Keystroke("U1"))
	assert.Len(t, em.named(EventAdminTyping), 2)
	assert.True(t, typing.Active())

	// idle timer was rearmed by the last keystroke
	sched.Advance(2900 * time.Millisecond)
	assert.Empty(t, em.named(EventAdminStopTyping))
	sched.Advance(100 * time.Millisecond)

	stops := em.named(EventAdminStopTyping)
	require.Len(t, stops, 1)
	assert.Equal(t, roomPayload{AdminID: "a1", UserID: "U1"}, stops[0])
	assert.False(t, typing.Active())
}

func TestTyping_ExplicitStop(t *testing.T) {
	typing, em, sched := newTestTyping()

	require.NoError(t, typing.Stop())
	assert.Empty(t, em.names(), "stop without typing is silent")

	require.NoError(t, typing.Keystroke("U1"))
	require.NoError(t, typing.Stop())
	sched.Advance(10 * time.Second)

	assert.Equal(t, []string{EventAdminTyping, EventAdminStopTyping}, em.names())
}

func TestTyping_SwitchingCounterpart(t *testing.T) {
	typing, em, _ := newTestTyping()

	require.NoError(t, typing.Keystroke("U1"))
	require.NoError(t, typing.Keystroke("U2"))

	assert.Equal(t, []string{EventAdminTyping, EventAdminStopTyping, EventAdminTyping}, em.names())
	stops := em.named(EventAdminStopTyping)
	assert.Equal(t, roomPayload{AdminID: "a1", UserID: "U1"}, stops[0])
}

func TestTyping_RequiresCounterpart(t *testing.T) {
	typing, em, _ := newTestTyping()
	err := typing.Keystroke("")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
	assert.Empty(t, em.names())
}
