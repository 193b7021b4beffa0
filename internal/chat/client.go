package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"adminchat/internal/constants"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/eventloop"
	"adminchat/internal/metrics"
	"adminchat/internal/models"
	"adminchat/pkg/socketio"
)

// Transport is the realtime session the client drives. Its handlers must
// be dispatched on the same event loop the client was built with.
type Transport interface {
	Emitter
	Connect(ctx context.Context, creds socketio.Credentials) error
	Disconnect() error
	Subscribe(event string, fn socketio.Handler) socketio.Subscription
	Unsubscribe(sub socketio.Subscription)
	State() socketio.ConnectionState
	Err() error
}

// Options for NewClient
type Options struct {
	Engine         EngineConfig
	TypingIdle     time.Duration
	TypingThrottle time.Duration
	HistoryTimeout time.Duration
}

// SessionStatus reports the transport state and any session-level error
type SessionStatus struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Client is the goroutine-safe facade over the chat core. Every command
// is executed on the event loop.
type Client struct {
	adminID   string
	transport Transport
	loop      *eventloop.Loop
	logger    *logrus.Logger

	engine   *Engine
	selector *Selector
	typing   *TypingNotifier
	presence *PresenceTracker

	mu         sync.RWMutex
	subs       []socketio.Subscription
	token      string
	sessionErr error
}

func NewClient(opts Options, transport Transport, history HistorySource, loop *eventloop.Loop, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = time.Duration(constants.DefaultTypingIdleMs) * time.Millisecond
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = time.Duration(constants.DefaultTypingThrottleMs) * time.Millisecond
	}

	adminID := opts.Engine.AdminID
	engine := NewEngine(opts.Engine, transport, loop, logger)
	typing := NewTypingNotifier(adminID, transport, loop, opts.TypingIdle, opts.TypingThrottle)

	return &Client{
		adminID:   adminID,
		transport: transport,
		loop:      loop,
		logger:    logger,
		engine:    engine,
		typing:    typing,
		selector:  NewSelector(adminID, engine, transport, typing, history, loop.Post, opts.HistoryTimeout, logger),
		presence:  NewPresenceTracker(loop.Now),
	}
}

// Start subscribes to the realtime namespace and connects.
func (c *Client) Start(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.subscribe()
	err := c.transport.Connect(ctx, socketio.Credentials{Token: token, AdminID: c.adminID})
	if err != nil {
		c.setSessionErr(err)
		return err
	}
	return nil
}

// Close leaves the active conversation and disconnects.
func (c *Client) Close(ctx context.Context) error {
	if err := c.loop.Call(ctx, c.selector.Deselect); err != nil {
		c.logger.WithError(err).Debug("Deselect on close skipped")
	}
	err := c.transport.Disconnect()

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		c.transport.Unsubscribe(sub)
	}
	return err
}

func (c *Client) subscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		return
	}

	c.subs = append(c.subs,
		c.transport.Subscribe(socketio.EventConnect, c.onConnect),
		c.transport.Subscribe(socketio.EventConnectError, c.onConnectError),
		c.transport.Subscribe(socketio.EventDisconnect, c.onDisconnect),
		c.transport.Subscribe(socketio.EventReconnecting, c.onReconnecting),
		c.transport.Subscribe(socketio.EventConnectionLost, c.onConnectionLost),
	)
	for _, name := range InboundEvents {
		c.subs = append(c.subs, c.transport.Subscribe(name, c.handler(name)))
	}
}

func (c *Client) onConnect(payload json.RawMessage) {
	var info socketio.ConnectInfo
	_ = json.Unmarshal(payload, &info)

	c.setSessionErr(nil)
	metrics.IncrementCounter("socket_connects", nil, "Successful socket connections")
	c.logger.WithField("reconnected", info.Reconnected).Info("Chat session connected")

	if err := c.transport.Emit(EventAdminConnected, c.adminID); err != nil {
		c.logger.WithError(err).Warn("Failed to announce admin")
	}
	c.selector.Rejoin()
}

func (c *Client) onConnectError(payload json.RawMessage) {
	var info socketio.ErrorInfo
	_ = json.Unmarshal(payload, &info)

	var err error
	if info.Code == apperrors.ErrCodeAuthentication {
		err = apperrors.NewAuthError(info.Message)
	} else {
		err = apperrors.NewNetworkError("connect", apperrors.New(info.Code, info.Message))
	}
	c.setSessionErr(err)
	c.logger.WithError(err).Error("Chat session connect failed")
}

func (c *Client) onDisconnect(payload json.RawMessage) {
	var info socketio.DisconnectInfo
	_ = json.Unmarshal(payload, &info)
	c.logger.WithField("reason", info.Reason).Info("Chat session disconnected")

	// the session does not reconnect after a server-side disconnect
	if info.Reason == socketio.ReasonServerDisconnect && c.transport.State() == socketio.StateDisconnected {
		c.setSessionErr(apperrors.New(apperrors.ErrCodeConnectionLost, "server closed the chat session").
			WithUserMessage("Disconnected by server, retrying on next action"))
		metrics.IncrementCounter("socket_server_disconnects", nil, "Sessions closed by the server")
	}
}

func (c *Client) onReconnecting(payload json.RawMessage) {
	var info socketio.ReconnectInfo
	_ = json.Unmarshal(payload, &info)
	metrics.IncrementCounter("socket_reconnect_attempts", nil, "Socket reconnect attempts")
	c.logger.WithFields(logrus.Fields{"attempt": info.Attempt, "delay_ms": info.DelayMs}).Info("Chat session reconnecting")
}

func (c *Client) onConnectionLost(json.RawMessage) {
	err := c.transport.Err()
	if err == nil {
		err = apperrors.NewConnectionLostError(0, nil)
	}
	c.setSessionErr(err)
	metrics.IncrementCounter("socket_connection_lost", nil, "Sessions lost after exhausting reconnects")
	c.logger.WithError(err).Error("Chat session lost")
}

func (c *Client) handler(name string) socketio.Handler {
	return func(payload json.RawMessage) {
		ev, err := decodeEvent(name, payload, c.adminID)
		if err != nil {
			metrics.IncrementCounter("socket_events_rejected", map[string]string{"event": name}, "Malformed realtime events")
			c.logger.WithField(LogFieldEvent, name).WithError(err).Warn("Rejected malformed event")
			return
		}
		metrics.IncrementCounter("socket_events", map[string]string{"event": name}, "Realtime events received")
		c.apply(ev)
	}
}

func (c *Client) apply(ev Event) {
	switch e := ev.(type) {
	case PresenceSnapshot:
		c.presence.OnSnapshot(e.UserIDs)
	case PresenceDelta:
		c.presence.OnDelta(e.UserID, e.Online, e.LastActive)
	case InboundMessage:
		c.engine.OnInboundMessage(e.Message)
	case SendAck:
		c.engine.OnSendAck(e.Message)
	case SendError:
		c.engine.OnSendError(e.ClientTempID, e.Reason)
	case TypingStatus:
		c.engine.OnTyping(e.UserID, e.Typing)
	case ReadReceipt:
		c.engine.OnReadReceipt(e.UserID)
	}
}

func (c *Client) setSessionErr(err error) {
	c.mu.Lock()
	c.sessionErr = err
	c.mu.Unlock()
}

// gate refuses chat commands while a session-level error is pending. A
// lost connection is retried once per command; auth failures need a new
// token.
func (c *Client) gate(ctx context.Context) error {
	c.mu.RLock()
	err := c.sessionErr
	token := c.token
	c.mu.RUnlock()

	if !apperrors.IsSessionLevel(err) {
		return nil
	}
	if apperrors.Is(err, apperrors.ErrCodeAuthentication) {
		return err
	}
	if c.transport.State() != socketio.StateDisconnected {
		return err
	}

	c.logger.Info("Retrying lost chat session")
	if cerr := c.transport.Connect(ctx, socketio.Credentials{Token: token, AdminID: c.adminID}); cerr != nil {
		c.setSessionErr(cerr)
		return cerr
	}
	c.setSessionErr(nil)
	return nil
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	if err := c.gate(ctx); err != nil {
		return err
	}
	var err error
	if callErr := c.loop.Call(ctx, func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

// Select binds the conversation with counterpartID
func (c *Client) Select(ctx context.Context, counterpartID string) error {
	return c.do(ctx, func() error { return c.selector.Select(counterpartID) })
}

// Deselect leaves the active conversation
func (c *Client) Deselect(ctx context.Context) error {
	return c.loop.Call(ctx, c.selector.Deselect)
}

// SendText sends text to the active counterpart and returns its temp id
func (c *Client) SendText(ctx context.Context, text string) (string, error) {
	var tempID string
	err := c.do(ctx, func() error {
		var err error
		tempID, err = c.engine.SendText(text)
		if err == nil {
			_ = c.typing.Stop()
		}
		return err
	})
	return tempID, err
}

// SendImage sends an image to the active counterpart
func (c *Client) SendImage(ctx context.Context, data, mimeType string) (string, error) {
	var tempID string
	err := c.do(ctx, func() error {
		var err error
		tempID, err = c.engine.SendImage(data, mimeType)
		return err
	})
	return tempID, err
}

// Resend retries a failed message
func (c *Client) Resend(ctx context.Context, tempID string) error {
	return c.do(ctx, func() error { return c.engine.Resend(tempID) })
}

// MarkRead re-issues the read request for the active conversation
func (c *Client) MarkRead(ctx context.Context) error {
	return c.do(ctx, c.selector.MarkRead)
}

// Typing registers a keystroke in the active conversation
func (c *Client) Typing(ctx context.Context) error {
	return c.do(ctx, func() error {
		active := c.engine.Active()
		if active == nil {
			return apperrors.NewValidationError("counterpart", "no conversation selected")
		}
		return c.typing.Keystroke(active.CounterpartID)
	})
}

// StopTyping ends the typing indicator immediately
func (c *Client) StopTyping(ctx context.Context) error {
	return c.do(ctx, c.typing.Stop)
}

// Active snapshots the active conversation
func (c *Client) Active(ctx context.Context) (models.ConversationView, bool, error) {
	var (
		view models.ConversationView
		ok   bool
	)
	err := c.loop.Call(ctx, func() { view, ok = c.engine.View() })
	return view, ok, err
}

// Unread returns unread counters of inactive conversations
func (c *Client) Unread(ctx context.Context) (map[string]int, error) {
	var out map[string]int
	err := c.loop.Call(ctx, func() { out = c.engine.Unread() })
	return out, err
}

// Presence returns every known presence entry
func (c *Client) Presence() []models.PresenceEntry {
	return c.presence.Snapshot()
}

// Status reports the transport state and session error
func (c *Client) Status() SessionStatus {
	c.mu.RLock()
	err := c.sessionErr
	c.mu.RUnlock()

	status := SessionStatus{State: c.transport.State().String()}
	if err != nil {
		status.Error = err.Error()
		if appErr, ok := apperrors.As(err); ok && appErr.UserMessage != "" {
			status.Error = appErr.UserMessage
		}
		status.Code = string(apperrors.GetCode(err))
	}
	return status
}
