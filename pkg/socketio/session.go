package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "adminchat/internal/errors"
	"adminchat/internal/retry"
)

// Lifecycle signals delivered to subscribers like any server event.
const (
	EventConnect        = "connect"
	EventConnectError   = "connect_error"
	EventDisconnect     = "disconnect"
	EventReconnecting   = "reconnecting"
	EventConnectionLost = "connection_lost"
)

// Disconnect reasons carried in DisconnectInfo. Neither is followed by a
// reconnect.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
)

var errNotConnected = errors.New("socket is not connected")

// ConnectionState of a Session
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Credentials authenticate the admin on the realtime namespace.
type Credentials struct {
	Token   string
	AdminID string
}

type authPayload struct {
	Token   string `json:"token"`
	AdminID string `json:"adminId"`
}

// Lifecycle payloads
type ConnectInfo struct {
	SessionID   string `json:"sid"`
	Reconnected bool   `json:"reconnected"`
}

type DisconnectInfo struct {
	Reason string `json:"reason"`
}

type ReconnectInfo struct {
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delayMs"`
}

type ErrorInfo struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// Handler receives the raw JSON payload of one event.
type Handler func(payload json.RawMessage)

// Dispatcher serializes handler invocations. Post returns false when the
// dispatcher no longer accepts work.
type Dispatcher interface {
	Post(fn func()) bool
}

// Subscription identifies a registered handler.
type Subscription struct {
	event string
	id    uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Config for a Session
type Config struct {
	URL               string
	Path              string
	Namespace         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Session owns one Socket.IO connection with automatic reconnection.
// Handlers are never invoked concurrently when a Dispatcher is supplied.
type Session struct {
	cfg        Config
	dialer     Dialer
	dispatcher Dispatcher
	logger     *logrus.Logger
	backoff    *retry.Backoff

	mu       sync.Mutex
	state    ConnectionState
	run      *run
	conn     Conn
	sid      string
	creds    Credentials
	lastErr  error
	handlers map[string][]handlerEntry
	nextID   uint64

	writeMu sync.Mutex
}

func NewSession(cfg Config, dialer Dialer, dispatcher Dispatcher, logger *logrus.Logger) *Session {
	if cfg.Path == "" {
		cfg.Path = "/socket.io/"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "/"
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &Session{
		cfg:        cfg,
		dialer:     dialer,
		dispatcher: dispatcher,
		logger:     logger,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: cfg.ReconnectDelay,
			MaxDelay:     cfg.MaxReconnectDelay,
			Multiplier:   1.5,
			MaxAttempts:  cfg.ReconnectAttempts,
		}),
		handlers: make(map[string][]handlerEntry),
	}
}

// State returns the current connection state
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the server-assigned session id of the live connection
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Err returns the terminal error of the last connection, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect establishes the connection and blocks until the namespace
// handshake succeeds. Missing or rejected credentials yield an
// authentication error; transport failures a network error.
func (s *Session) Connect(ctx context.Context, creds Credentials) error {
	if creds.Token == "" || creds.AdminID == "" {
		err := apperrors.NewAuthError("missing admin credentials")
		s.setErr(err)
		s.dispatch(EventConnectError, errorInfo(err))
		return err
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is already %s", state)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: runCtx, cancel: cancel}
	s.run = r
	s.state = StateConnecting
	s.creds = creds
	s.lastErr = nil
	s.mu.Unlock()

	conn, sid, keepalive, err := s.open(ctx, creds)
	if err != nil {
		s.mu.Lock()
		if s.run == r {
			s.run = nil
			s.state = StateDisconnected
		}
		s.lastErr = err
		s.mu.Unlock()
		cancel()
		s.logger.WithError(err).Warn("Socket connect failed")
		s.dispatch(EventConnectError, errorInfo(err))
		return err
	}

	if !s.attach(r, conn, sid) {
		_ = conn.Close()
		return apperrors.NewNetworkError("connect", errors.New("session closed during handshake"))
	}

	s.logger.WithField("sid", sid).Info("Socket connected")
	s.dispatch(EventConnect, ConnectInfo{SessionID: sid})
	go s.readLoop(r, conn, keepalive)
	return nil
}

// Disconnect tears the connection down. Safe to call at any time and
// more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	r := s.run
	conn := s.conn
	s.run = nil
	s.conn = nil
	s.sid = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	if r == nil {
		return nil
	}

	var err error
	if conn != nil {
		_ = s.writeFrame(conn, encodeDisconnect(s.cfg.Namespace))
		err = conn.Close()
	}
	r.cancel()
	s.logger.Info("Socket disconnected by client")
	s.dispatch(EventDisconnect, DisconnectInfo{Reason: ReasonClientDisconnect})
	return err
}

// Emit sends one event without waiting for any acknowledgement.
func (s *Session) Emit(event string, payload interface{}) error {
	if isReserved(event) {
		return apperrors.NewValidationError("event", fmt.Sprintf("%q is a reserved event name", event))
	}

	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || conn == nil {
		return apperrors.NewNetworkError("emit "+event, errNotConnected)
	}

	frame, err := encodeEvent(s.cfg.Namespace, event, payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidationFailed, "invalid event payload")
	}
	if err := s.writeFrame(conn, frame); err != nil {
		return apperrors.NewNetworkError("emit "+event, err)
	}

	s.logger.WithField("event", event).Debug("Socket event emitted")
	return nil
}

// Subscribe registers a handler. Several handlers per event are allowed
// and run in registration order.
func (s *Session) Subscribe(event string, fn Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: s.nextID, fn: fn})
	return Subscription{event: event, id: s.nextID}
}

// Unsubscribe removes a handler. Pending deliveries to it are dropped.
func (s *Session) Unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.handlers[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			s.handlers[sub.event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.handlers[sub.event]) == 0 {
		delete(s.handlers, sub.event)
	}
}

func (s *Session) handlersFor(event string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.handlers[event]
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}

func (s *Session) dispatch(event string, payload interface{}) {
	raw, ok := payload.(json.RawMessage)
	if !ok && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.WithError(err).WithField("event", event).Error("Failed to encode lifecycle payload")
			return
		}
		raw = data
	}

	deliver := func() {
		for _, h := range s.handlersFor(event) {
			h(raw)
		}
	}

	if s.dispatcher == nil {
		deliver()
		return
	}
	if !s.dispatcher.Post(deliver) {
		s.logger.WithField("event", event).Debug("Dispatcher closed, event dropped")
	}
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid socket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
	u.Path = s.cfg.Path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// open dials and runs the Engine.IO and Socket.IO handshakes.
func (s *Session) open(ctx context.Context, creds Credentials) (Conn, string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	endpoint, err := s.endpoint()
	if err != nil {
		return nil, "", 0, apperrors.NewNetworkError("connect", err)
	}

	header := http.Header{}
	header.Set("Authorization", bearer(creds.Token))

	conn, err := s.dialer.Dial(ctx, endpoint, header)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return nil, "", 0, err
		}
		return nil, "", 0, apperrors.NewNetworkError("websocket dial", err)
	}

	sid, keepalive, err := s.handshake(ctx, conn, creds)
	if err != nil {
		_ = conn.Close()
		return nil, "", 0, err
	}
	return conn, sid, keepalive, nil
}

func (s *Session) handshake(ctx context.Context, conn Conn, creds Credentials) (string, time.Duration, error) {
	frame, err := conn.Read(ctx)
	if err != nil {
		return "", 0, apperrors.NewNetworkError("engine.io open", err)
	}
	typ, data, err := decodeEngine(frame)
	if err != nil || typ != engineOpen {
		return "", 0, apperrors.NewNetworkError("engine.io open", fmt.Errorf("unexpected first frame %q", frame))
	}
	hs, err := decodeHandshake(data)
	if err != nil {
		return "", 0, apperrors.NewNetworkError("engine.io open", err)
	}

	keepalive := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	if keepalive <= 0 {
		keepalive = 45 * time.Second
	}

	connect, err := encodeConnect(s.cfg.Namespace, authPayload{Token: bearer(creds.Token), AdminID: creds.AdminID})
	if err != nil {
		return "", 0, apperrors.NewNetworkError("socket.io connect", err)
	}
	if err := conn.Write(ctx, connect); err != nil {
		return "", 0, apperrors.NewNetworkError("socket.io connect", err)
	}

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return "", 0, apperrors.NewNetworkError("socket.io connect", err)
		}
		typ, data, err := decodeEngine(frame)
		if err != nil {
			continue
		}
		switch typ {
		case enginePing:
			if err := conn.Write(ctx, []byte{enginePong}); err != nil {
				return "", 0, apperrors.NewNetworkError("socket.io connect", err)
			}
		case engineClose:
			return "", 0, apperrors.NewNetworkError("socket.io connect", errors.New("server closed during handshake"))
		case engineMessage:
			p, err := decodePacket(data)
			if err != nil || p.Namespace != s.cfg.Namespace {
				continue
			}
			switch p.Type {
			case packetConnect:
				var cd connectData
				if len(p.Data) > 0 {
					_ = json.Unmarshal(p.Data, &cd)
				}
				if cd.SID == "" {
					cd.SID = hs.SID
				}
				return cd.SID, keepalive, nil
			case packetConnectError:
				var cd connectData
				_ = json.Unmarshal(p.Data, &cd)
				if cd.Message == "" {
					cd.Message = "namespace connection refused"
				}
				return "", 0, apperrors.NewAuthError(cd.Message)
			}
		}
	}
}

// attach publishes a freshly opened conn unless the run was cancelled.
func (s *Session) attach(r *run, conn Conn, sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != r {
		return false
	}
	s.conn = conn
	s.sid = sid
	s.state = StateConnected
	return true
}

func (s *Session) readLoop(r *run, conn Conn, keepalive time.Duration) {
	for {
		ctx, cancel := context.WithTimeout(r.ctx, keepalive)
		frame, err := conn.Read(ctx)
		cancel()
		if err != nil {
			s.handleDrop(r, conn, "transport error", err)
			return
		}

		typ, data, err := decodeEngine(frame)
		if err != nil {
			s.logger.WithError(err).Warn("Dropping malformed engine.io frame")
			continue
		}

		switch typ {
		case enginePing:
			if err := s.writeFrame(conn, []byte{enginePong}); err != nil {
				s.logger.WithError(err).Warn("Failed to answer ping")
			}
		case engineClose:
			s.handleDrop(r, conn, "transport close", nil)
			return
		case engineMessage:
			p, err := decodePacket(data)
			if err != nil {
				s.logger.WithError(err).Warn("Dropping malformed socket.io packet")
				continue
			}
			if p.Namespace != s.cfg.Namespace {
				continue
			}
			switch p.Type {
			case packetEvent:
				name, payload, err := decodeEventArgs(p.Data)
				if err != nil {
					s.logger.WithError(err).Warn("Dropping malformed event")
					continue
				}
				if isReserved(name) {
					s.logger.WithField("event", name).Warn("Server sent a reserved event name")
					continue
				}
				s.dispatch(name, payload)
			case packetDisconnect:
				s.closeRun(r, conn, nil, ReasonServerDisconnect)
				return
			case packetConnectError:
				var cd connectData
				_ = json.Unmarshal(p.Data, &cd)
				s.closeRun(r, conn, apperrors.NewAuthError(cd.Message), "")
				return
			}
		}
	}
}

// handleDrop starts reconnection after an unexpected loss of conn.
func (s *Session) handleDrop(r *run, conn Conn, reason string, cause error) {
	s.mu.Lock()
	if s.run != r || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.sid = ""
	s.state = StateReconnecting
	creds := s.creds
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.WithFields(logrus.Fields{
		"reason": reason,
		"error":  cause,
	}).Warn("Socket connection dropped, reconnecting")
	s.dispatch(EventDisconnect, DisconnectInfo{Reason: reason})
	s.reconnect(r, creds)
}

func (s *Session) reconnect(r *run, creds Credentials) {
	var lastErr error
	attempts := s.backoff.MaxAttempts()

	for attempt := 1; attempt <= attempts; attempt++ {
		delay := s.backoff.GetNextDelay(attempt)
		s.dispatch(EventReconnecting, ReconnectInfo{Attempt: attempt, DelayMs: delay.Milliseconds()})

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, sid, keepalive, err := s.open(r.ctx, creds)
		if err == nil {
			if !s.attach(r, conn, sid) {
				_ = conn.Close()
				return
			}
			s.logger.WithFields(logrus.Fields{
				"sid":     sid,
				"attempt": attempt,
			}).Info("Socket reconnected")
			s.dispatch(EventConnect, ConnectInfo{SessionID: sid, Reconnected: true})
			go s.readLoop(r, conn, keepalive)
			return
		}

		lastErr = err
		if r.ctx.Err() != nil {
			return
		}
		if apperrors.Is(err, apperrors.ErrCodeAuthentication) {
			s.closeRun(r, nil, err, "")
			return
		}
		s.logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
	}

	s.closeRun(r, nil, apperrors.NewConnectionLostError(attempts, lastErr), "")
}

// closeRun ends a run for good. A nil err is a clean server-side
// disconnect; otherwise err becomes the session error.
func (s *Session) closeRun(r *run, conn Conn, err error, reason string) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.conn = nil
	s.sid = ""
	s.state = StateDisconnected
	s.lastErr = err
	s.mu.Unlock()

	r.cancel()
	if conn != nil {
		_ = conn.Close()
	}

	switch {
	case err == nil:
		s.logger.WithField("reason", reason).Info("Socket closed by server")
		s.dispatch(EventDisconnect, DisconnectInfo{Reason: reason})
	case apperrors.Is(err, apperrors.ErrCodeAuthentication):
		s.logger.WithError(err).Error("Socket authentication failed")
		s.dispatch(EventConnectError, errorInfo(err))
	default:
		s.logger.WithError(err).Error("Socket connection lost")
		s.dispatch(EventConnectionLost, errorInfo(err))
	}
}

func (s *Session) writeFrame(conn Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, frame)
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func errorInfo(err error) ErrorInfo {
	return ErrorInfo{Code: apperrors.GetCode(err), Message: err.Error()}
}

func bearer(token string) string {
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}

func isReserved(event string) bool {
	switch event {
	case EventConnect, EventConnectError, EventDisconnect, EventReconnecting, EventConnectionLost:
		return true
	}
	return false
}
