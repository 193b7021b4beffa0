package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adminchat/internal/models"
)

type historyResult struct {
	msgs []models.Message
	err  error
}

// fakeHistory blocks FetchHistory until the test responds for that id
type fakeHistory struct {
	mu        sync.Mutex
	responses map[string]chan historyResult
	marked    []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{responses: make(map[string]chan historyResult)}
}

func (f *fakeHistory) ch(id string) chan historyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.responses[id]
	if !ok {
		c = make(chan historyResult, 1)
		f.responses[id] = c
	}
	return c
}

func (f *fakeHistory) respond(id string, msgs []models.Message, err error) {
	f.ch(id) <- historyResult{msgs: msgs, err: err}
}

func (f *fakeHistory) FetchHistory(ctx context.Context, id string) ([]models.Message, error) {
	select {
	case r := <-f.ch(id):
		return r.msgs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeHistory) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeHistory) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

// postQueue stands in for the event loop; the test drains it explicitly
type postQueue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *postQueue) post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fns = append(q.fns, fn)
	return true
}

func (q *postQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fns)
}

func (q *postQueue) drain() {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func newTestSelector() (*Selector, *Engine, *fakeEmitter, *fakeHistory, *postQueue) {
	e, em, _ := newTestEngine(EngineConfig{})
	hist := newFakeHistory()
	q := &postQueue{}
	s := NewSelector("a1", e, em, nil, hist, q.post, time.Second, quietLogger())
	return s, e, em, hist, q
}

func TestSelector_StaleHistoryIsDropped(t *testing.T) {
	s, e, em, hist, q := newTestSelector()

	require.NoError(t, s.Select("U1"))
	require.NoError(t, s.Select("U2"))

	hist.respond("U1", []models.Message{inboundFrom("U1", "u1-old", "from U1", t0)}, nil)
	hist.respond("U2", []models.Message{inboundFrom("U2", "u2-old", "from U2", t0)}, nil)
	require.Eventually(t, func() bool { return q.len() == 2 }, time.Second, 5*time.Millisecond)
	q.drain()

	v := activeView(t, e)
	assert.Equal(t, "U2", v.CounterpartID)
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "u2-old", v.Messages[0].ID)
	assert.False(t, v.Loading)

	assert.Equal(t, []string{
		EventAdminJoinChat, EventGetUserStatus,
		EventAdminLeaveChat,
		EventAdminJoinChat, EventGetUserStatus,
		EventAdminMarkRead,
	}, em.names())
	assert.Equal(t, roomPayload{AdminID: "a1", UserID: "U1"}, em.named(EventAdminLeaveChat)[0])
	assert.Equal(t, roomPayload{AdminID: "a1", UserID: "U2"}, em.named(EventAdminMarkRead)[0])
	assert.Equal(t, "U2", em.named(EventGetUserStatus)[1])

	require.Eventually(t, func() bool { return len(hist.markedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"U2"}, hist.markedIDs())
}

func TestSelector_HistoryFailureKeepsLiveEntries(t *testing.T) {
	s, e, em, hist, q := newTestSelector()

	require.NoError(t, s.Select("U1"))
	e.OnInboundMessage(inboundFrom("U1", "live", "hey", t0))

	hist.respond("U1", nil, errors.New("backend unavailable"))
	require.Eventually(t, func() bool { return q.len() == 1 }, time.Second, 5*time.Millisecond)
	q.drain()

	v := activeView(t, e)
	assert.False(t, v.Loading)
	assert.Contains(t, v.HistoryError, "backend unavailable")
	require.Len(t, v.Messages, 1)
	assert.Empty(t, em.named(EventAdminMarkRead), "nothing is marked read without history")
}

func TestSelector_DeselectDropsLateHistory(t *testing.T) {
	s, e, em, hist, q := newTestSelector()

	require.NoError(t, s.Select("U1"))
	s.Deselect()
	hist.respond("U1", []models.Message{inboundFrom("U1", "m1", "x", t0)}, nil)
	require.Eventually(t, func() bool { return q.len() == 1 }, time.Second, 5*time.Millisecond)
	q.drain()

	_, ok := e.View()
	assert.False(t, ok)
	assert.Len(t, em.named(EventAdminLeaveChat), 1)
	assert.Empty(t, em.named(EventAdminMarkRead))
}

func TestSelector_RejoinAndMarkRead(t *testing.T) {
	s, _, em, _, _ := newTestSelector()

	s.Rejoin()
	assert.Empty(t, em.names(), "nothing to rejoin")
	assert.Error(t, s.MarkRead())

	require.NoError(t, s.Select("U1"))
	s.Rejoin()
	require.NoError(t, s.MarkRead())

	assert.Len(t, em.named(EventAdminJoinChat), 2)
	assert.Len(t, em.named(EventAdminMarkRead), 1)
	assert.Equal(t, uint64(1), s.Generation())
}

func TestSelector_RejoinRepeatsReadAfterSeed(t *testing.T) {
	s, _, em, hist, q := newTestSelector()

	require.NoError(t, s.Select("U1"))
	hist.respond("U1", []models.Message{inboundFrom("U1", "m1", "hi", t0)}, nil)
	require.Eventually(t, func() bool { return q.len() == 1 }, time.Second, 5*time.Millisecond)
	q.drain()
	require.Len(t, em.named(EventAdminMarkRead), 1)

	s.Rejoin()
	assert.Len(t, em.named(EventAdminJoinChat), 2)
	assert.Len(t, em.named(EventAdminMarkRead), 2)
	require.Eventually(t, func() bool { return len(hist.markedIDs()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSelector_RejoinWithoutHistorySkipsRead(t *testing.T) {
	s, _, em, hist, q := newTestSelector()

	require.NoError(t, s.Select("U1"))
	s.Rejoin()
	assert.Empty(t, em.named(EventAdminMarkRead), "history still loading")

	hist.respond("U1", nil, errors.New("backend unavailable"))
	require.Eventually(t, func() bool { return q.len() == 1 }, time.Second, 5*time.Millisecond)
	q.drain()
	s.Rejoin()
	assert.Empty(t, em.named(EventAdminMarkRead))
}

func TestSelector_RequiresCounterpart(t *testing.T) {
	s, _, em, _, _ := newTestSelector()
	assert.Error(t, s.Select(""))
	assert.Empty(t, em.names())
}
