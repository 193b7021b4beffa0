package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "adminchat/internal/errors"
	"adminchat/internal/eventloop"
	"adminchat/internal/models"
	"adminchat/pkg/socketio"
)

// fakeTransport dispatches handlers on the loop the way Session does
type fakeTransport struct {
	fakeEmitter
	loop *eventloop.Loop

	mu         sync.Mutex
	handlers   map[string][]socketio.Handler
	state      socketio.ConnectionState
	lastErr    error
	connectErr error
	creds      []socketio.Credentials
}

func newFakeTransport(loop *eventloop.Loop) *fakeTransport {
	return &fakeTransport{loop: loop, handlers: make(map[string][]socketio.Handler)}
}

func (f *fakeTransport) Connect(_ context.Context, creds socketio.Credentials) error {
	f.mu.Lock()
	f.creds = append(f.creds, creds)
	err := f.connectErr
	if err == nil {
		f.state = socketio.StateConnected
		f.lastErr = nil
	}
	f.mu.Unlock()

	if err != nil {
		f.deliver(socketio.EventConnectError, socketio.ErrorInfo{Code: apperrors.GetCode(err), Message: err.Error()})
		return err
	}
	f.deliver(socketio.EventConnect, socketio.ConnectInfo{SessionID: "sid"})
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.state = socketio.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(event string, fn socketio.Handler) socketio.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
	return socketio.Subscription{}
}

func (f *fakeTransport) Unsubscribe(socketio.Subscription) {}

func (f *fakeTransport) State() socketio.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creds)
}

func (f *fakeTransport) deliver(event string, payload interface{}) {
	raw, ok := payload.(string)
	if !ok {
		b, _ := json.Marshal(payload)
		raw = string(b)
	}
	f.mu.Lock()
	hs := append([]socketio.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h := h
		f.loop.Post(func() { h(json.RawMessage(raw)) })
	}
}

// lose simulates a transport giving up after its reconnect attempts
func (f *fakeTransport) lose() {
	f.mu.Lock()
	f.state = socketio.StateDisconnected
	f.lastErr = apperrors.NewConnectionLostError(5, nil)
	f.mu.Unlock()
	f.deliver(socketio.EventConnectionLost, socketio.ErrorInfo{Code: apperrors.ErrCodeConnectionLost, Message: "reconnect attempts exhausted"})
}

// closeFromServer simulates the server ending the session
func (f *fakeTransport) closeFromServer() {
	f.mu.Lock()
	f.state = socketio.StateDisconnected
	f.mu.Unlock()
	f.deliver(socketio.EventDisconnect, socketio.DisconnectInfo{Reason: socketio.ReasonServerDisconnect})
}

func newTestClient(t *testing.T) (*Client, *fakeTransport, *fakeHistory) {
	t.Helper()
	loop := eventloop.New(quietLogger())
	loop.Start()
	t.Cleanup(loop.Stop)

	tr := newFakeTransport(loop)
	hist := newFakeHistory()
	c := NewClient(Options{Engine: EngineConfig{AdminID: "a1"}}, tr, hist, loop, quietLogger())
	return c, tr, hist
}

// settle waits until everything posted so far has run
func settle(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.Unread(context.Background())
	require.NoError(t, err)
}

func TestClient_ConversationFlow(t *testing.T) {
	ctx := context.Background()
	c, tr, hist := newTestClient(t)

	require.NoError(t, c.Start(ctx, "tok"))
	settle(t, c)
	assert.Equal(t, []interface{}{"a1"}, tr.named(EventAdminConnected))
	assert.Equal(t, socketio.Credentials{Token: "tok", AdminID: "a1"}, tr.creds[0])
	assert.Equal(t, SessionStatus{State: "connected"}, c.Status())

	require.NoError(t, c.Select(ctx, "U1"))
	hist.respond("U1", []models.Message{inboundFrom("U1", "m0", "earlier", t0)}, nil)
	require.Eventually(t, func() bool {
		v, ok, err := c.Active(ctx)
		return err == nil && ok && !v.Loading
	}, time.Second, 5*time.Millisecond)

	tr.deliver(EventNewMessage, `{"message":{"_id":"b1","content":"psst","sender":"U2","receiver":"a1","createdAt":"2026-03-01T10:00:01Z"}}`)
	tr.deliver(EventReceiveMessage, `{"_id":"b1","content":"psst","sender":"U2","receiver":"a1","createdAt":"2026-03-01T10:00:01Z"}`)
	unread, err := c.Unread(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"U2": 1}, unread)

	tempID, err := c.SendText(ctx, "Hello")
	require.NoError(t, err)
	v, _, err := c.Active(ctx)
	require.NoError(t, err)
	require.Len(t, v.Messages, 2)
	assert.Equal(t, models.DeliveryPending, v.Messages[1].DeliveryState)

	tr.deliver(EventMessageSent, `{"_id":"m1","clientTempId":"`+tempID+`","content":"Hello","sender":"a1","receiver":"U1","createdAt":"2026-03-01T10:00:02Z"}`)
	tr.deliver(EventMessagesRead, `{"userId":"U1"}`)
	v, _, err = c.Active(ctx)
	require.NoError(t, err)
	require.Len(t, v.Messages, 2)
	assert.Equal(t, "m1", v.Messages[1].ID)
	assert.Equal(t, models.DeliveryRead, v.Messages[1].DeliveryState)

	tr.deliver(EventOnlineUsers, `["U1"]`)
	tr.deliver(EventUserTyping, `{"userId":"U1"}`)
	v, _, err = c.Active(ctx)
	require.NoError(t, err)
	assert.True(t, v.Typing)
	require.Len(t, c.Presence(), 1)
	assert.True(t, c.Presence()[0].Online)

	require.NoError(t, c.Close(ctx))
	assert.Len(t, tr.named(EventAdminLeaveChat), 1)
}

func TestClient_MalformedEventIsIgnored(t *testing.T) {
	ctx := context.Background()
	c, tr, hist := newTestClient(t)
	require.NoError(t, c.Start(ctx, "tok"))
	require.NoError(t, c.Select(ctx, "U1"))
	hist.respond("U1", nil, nil)

	tr.deliver(EventNewMessage, `{"content":"no id","sender":"U1"}`)
	tr.deliver(EventNewMessage, `not json`)

	v, ok, err := c.Active(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, v.Messages)
}

func TestClient_ReconnectRejoinsActiveRoom(t *testing.T) {
	ctx := context.Background()
	c, tr, _ := newTestClient(t)
	require.NoError(t, c.Start(ctx, "tok"))
	require.NoError(t, c.Select(ctx, "U1"))

	tr.deliver(socketio.EventConnect, socketio.ConnectInfo{SessionID: "sid-2", Reconnected: true})
	settle(t, c)

	assert.Len(t, tr.named(EventAdminConnected), 2)
	assert.Len(t, tr.named(EventAdminJoinChat), 2)
}

func TestClient_ConnectionLostRetriesOnNextCommand(t *testing.T) {
	ctx := context.Background()
	c, tr, _ := newTestClient(t)
	require.NoError(t, c.Start(ctx, "tok"))

	tr.lose()
	settle(t, c)
	status := c.Status()
	assert.Equal(t, string(apperrors.ErrCodeConnectionLost), status.Code)
	assert.Equal(t, "disconnected", status.State)

	require.NoError(t, c.Select(ctx, "U1"))
	assert.Equal(t, 2, tr.connects())
	settle(t, c)
	assert.Empty(t, c.Status().Code)
}

func TestClient_ServerDisconnectRetriesOnNextCommand(t *testing.T) {
	ctx := context.Background()
	c, tr, _ := newTestClient(t)
	require.NoError(t, c.Start(ctx, "tok"))

	tr.closeFromServer()
	settle(t, c)
	status := c.Status()
	assert.Equal(t, string(apperrors.ErrCodeConnectionLost), status.Code)
	assert.Equal(t, "disconnected", status.State)

	require.NoError(t, c.Select(ctx, "U1"))
	assert.Equal(t, 2, tr.connects())
	settle(t, c)
	assert.Empty(t, c.Status().Code)
	assert.Len(t, tr.named(EventAdminJoinChat), 1)
}

func TestClient_CloseIsNotASessionError(t *testing.T) {
	ctx := context.Background()
	c, tr, _ := newTestClient(t)
	require.NoError(t, c.Start(ctx, "tok"))

	tr.mu.Lock()
	tr.state = socketio.StateDisconnected
	tr.mu.Unlock()
	tr.deliver(socketio.EventDisconnect, socketio.DisconnectInfo{Reason: socketio.ReasonClientDisconnect})
	settle(t, c)
	assert.Empty(t, c.Status().Code)
}

func TestClient_AuthErrorBlocksCommands(t *testing.T) {
	ctx := context.Background()
	c, tr, _ := newTestClient(t)
	tr.connectErr = apperrors.NewAuthError("jwt expired")

	err := c.Start(ctx, "stale")
	require.Error(t, err)
	settle(t, c)

	status := c.Status()
	assert.Equal(t, string(apperrors.ErrCodeAuthentication), status.Code)

	err = c.Select(ctx, "U1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuthentication))
	_, err = c.SendText(ctx, "hello")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuthentication))
	assert.Equal(t, 1, tr.connects(), "auth failures are not retried")
}

func TestClient_TypingNeedsSelection(t *testing.T) {
	ctx := context.Background()
	c, tr, _ := newTestClient(t)
	require.NoError(t, c.Start(ctx, "tok"))

	assert.True(t, apperrors.Is(c.Typing(ctx), apperrors.ErrCodeValidationFailed))

	require.NoError(t, c.Select(ctx, "U1"))
	require.NoError(t, c.Typing(ctx))
	_, err := c.SendText(ctx, "done")
	require.NoError(t, err)

	assert.Len(t, tr.named(EventAdminTyping), 1)
	assert.Len(t, tr.named(EventAdminStopTyping), 1)
}
