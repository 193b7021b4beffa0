package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"adminchat/internal/constants"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/eventloop"
	"adminchat/internal/metrics"
	"adminchat/internal/models"
	"adminchat/internal/privacy"
)

// Emitter publishes realtime events. *socketio.Session implements it.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// EngineConfig tunes message reconciliation
type EngineConfig struct {
	AdminID         string
	TextAckTimeout  time.Duration
	ImageAckTimeout time.Duration
	DedupWindow     time.Duration
	// StrictTempIDs disables the content based duplicate heuristic
	StrictTempIDs bool
	MaxImageBytes int
	// Verbose allows message bodies in debug logs
	Verbose bool
}

// outstanding tracks an unconfirmed send in the conversation that owns it,
// which may no longer be the active one.
type outstanding struct {
	conv  *Conversation
	timer eventloop.Timer
}

// Engine reconciles optimistic sends, acknowledgements and pushed
// messages into one duplicate free log. It is not safe for concurrent
// use: every method must run on the event loop.
type Engine struct {
	cfg     EngineConfig
	emitter Emitter
	sched   eventloop.Scheduler
	logger  *logrus.Logger
	newID   func() string

	active  *Conversation
	sends   map[string]*outstanding
	unread  map[string]int
	counted map[string]*idWindow
}

func NewEngine(cfg EngineConfig, emitter Emitter, sched eventloop.Scheduler, logger *logrus.Logger) *Engine {
	if cfg.TextAckTimeout <= 0 {
		cfg.TextAckTimeout = time.Duration(constants.DefaultTextAckTimeoutSec) * time.Second
	}
	if cfg.ImageAckTimeout <= 0 {
		cfg.ImageAckTimeout = time.Duration(constants.DefaultImageAckTimeoutSec) * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Duration(constants.DefaultDedupWindowMs) * time.Millisecond
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = constants.DefaultMaxImageBytes
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &Engine{
		cfg:     cfg,
		emitter: emitter,
		sched:   sched,
		logger:  logger,
		newID:   uuid.NewString,
		sends:   make(map[string]*outstanding),
		unread:  make(map[string]int),
		counted: make(map[string]*idWindow),
	}
}

// Active returns the bound conversation, or nil
func (e *Engine) Active() *Conversation {
	return e.active
}

// Bind makes a fresh, loading conversation for counterpartID active.
func (e *Engine) Bind(counterpartID string) *Conversation {
	e.active = newConversation(counterpartID)
	e.active.loading = true
	e.prune()
	return e.active
}

// Unbind drops the active conversation. Outstanding sends keep running
// against their owning conversation.
func (e *Engine) Unbind() {
	e.active = nil
	e.prune()
}

// prune forgets failed sends of detached conversations; they can no
// longer be resent.
func (e *Engine) prune() {
	for tempID, o := range e.sends {
		if o.conv == e.active {
			continue
		}
		if i := o.conv.indexOfTempID(tempID); i >= 0 {
			if p, ok := o.conv.entries[i].(*PendingEntry); ok && !p.Failed {
				continue
			}
		}
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(e.sends, tempID)
	}
}

// SendText appends an optimistic text message and emits it.
func (e *Engine) SendText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperrors.NewValidationError("text", "message is empty")
	}
	return e.send(models.KindText, text, "")
}

// SendImage appends an optimistic image message. data is a base64 payload
// or data URL as accepted by the backend.
func (e *Engine) SendImage(data, mimeType string) (string, error) {
	if data == "" {
		return "", apperrors.NewValidationError("image", "image is empty")
	}
	if len(data) > e.cfg.MaxImageBytes {
		return "", apperrors.NewValidationError("image", "image exceeds the size limit")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return "", apperrors.NewValidationError("mimeType", "not an image type")
	}
	return e.send(models.KindImage, data, mimeType)
}

func (e *Engine) send(kind models.Kind, body, mimeType string) (string, error) {
	if e.active == nil {
		return "", apperrors.NewValidationError("counterpart", "no conversation selected")
	}

	p := &PendingEntry{
		ClientTempID:    e.newID(),
		ConversationKey: e.active.CounterpartID,
		SenderID:        e.cfg.AdminID,
		Kind:            kind,
		Body:            body,
		MimeType:        mimeType,
		CreatedAt:       e.sched.Now(),
	}
	e.active.append(p)
	e.sends[p.ClientTempID] = &outstanding{conv: e.active}

	metrics.IncrementCounter("messages_sent", map[string]string{"kind": string(kind)}, "Outbound messages issued")
	e.logger.WithFields(messageFields(p.ConversationKey, p.ClientTempID, "")).
		WithField(LogFieldKind, kind).
		WithField(LogFieldBody, privacy.RedactBody(body, e.cfg.Verbose)).
		Debug("Optimistic message appended")

	e.transmit(p)
	return p.ClientTempID, nil
}

// transmit emits p and arms its ack timer. An emit failure fails the
// entry immediately.
func (e *Engine) transmit(p *PendingEntry) {
	o := e.sends[p.ClientTempID]

	payload := sendPayload{
		AdminID:      e.cfg.AdminID,
		UserID:       p.ConversationKey,
		Type:         p.Kind,
		ClientTempID: p.ClientTempID,
	}
	event := EventAdminSendMessage
	if p.Kind == models.KindImage {
		event = EventAdminSendImage
		payload.Image = p.Body
		payload.MimeType = p.MimeType
	} else {
		payload.Text = p.Body
	}

	if err := e.emitter.Emit(event, payload); err != nil {
		e.fail(p.ClientTempID, err)
		return
	}

	timeout := e.ackTimeout(p.Kind)
	tempID := p.ClientTempID
	o.timer = e.sched.AfterFunc(timeout, func() {
		e.fail(tempID, apperrors.NewSendTimeoutError(tempID, timeout))
	})
}

func (e *Engine) ackTimeout(kind models.Kind) time.Duration {
	if kind == models.KindImage {
		return e.cfg.ImageAckTimeout
	}
	return e.cfg.TextAckTimeout
}

// fail marks a still pending send as failed, keeping its content.
func (e *Engine) fail(tempID string, err error) {
	o, ok := e.sends[tempID]
	if !ok {
		return
	}
	i := o.conv.indexOfTempID(tempID)
	if i < 0 {
		delete(e.sends, tempID)
		return
	}
	p, ok := o.conv.entries[i].(*PendingEntry)
	if !ok || p.Failed {
		return
	}

	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	p.Failed = true
	p.Err = err

	metrics.IncrementCounter("messages_failed", map[string]string{"code": string(apperrors.GetCode(err))}, "Outbound messages that failed")
	e.logger.WithFields(messageFields(p.ConversationKey, tempID, "")).
		WithError(err).
		Warn("Message send failed")

	if o.conv != e.active {
		delete(e.sends, tempID)
	}
}

// Resend re-issues a failed message with its original body and temp id.
func (e *Engine) Resend(tempID string) error {
	o, ok := e.sends[tempID]
	if !ok {
		return apperrors.NewNotFoundError("message", tempID)
	}
	if o.conv != e.active {
		return apperrors.NewValidationError("clientTempId", "message belongs to an inactive conversation")
	}
	i := o.conv.indexOfTempID(tempID)
	if i < 0 {
		return apperrors.NewNotFoundError("message", tempID)
	}
	p, ok := o.conv.entries[i].(*PendingEntry)
	if !ok || !p.Failed {
		return apperrors.NewValidationError("clientTempId", "only failed messages can be resent")
	}

	p.Failed = false
	p.Err = nil
	metrics.IncrementCounter("messages_resent", nil, "Failed messages resent")
	e.logger.WithFields(messageFields(p.ConversationKey, tempID, "")).Info("Resending failed message")
	e.transmit(p)
	return nil
}

// OnSendAck confirms the pending entry a server acknowledgement refers to.
func (e *Engine) OnSendAck(m models.Message) {
	m.Direction = models.DirectionOutbound
	if m.DeliveryState != models.DeliveryRead {
		m.DeliveryState = models.DeliverySent
	}

	if conv, i := e.locatePending(m); conv != nil {
		e.confirm(conv, i, m)
		return
	}

	// unknown or repeated ack: duplicates are dropped on append
	e.appendConfirmed(m)
}

// locatePending finds the pending slot for a confirmation: by temp id in
// the owning conversation, then by content in the active conversation
// and in conversations with outstanding sends.
func (e *Engine) locatePending(m models.Message) (*Conversation, int) {
	if m.ClientTempID != "" {
		if o, ok := e.sends[m.ClientTempID]; ok {
			if i := o.conv.pendingFor(m, e.cfg.DedupWindow, true); i >= 0 {
				return o.conv, i
			}
		}
	}
	if e.cfg.StrictTempIDs {
		return nil, -1
	}

	seen := make(map[*Conversation]bool)
	candidates := make([]*Conversation, 0, 1+len(e.sends))
	if e.active != nil {
		candidates = append(candidates, e.active)
		seen[e.active] = true
	}
	for _, o := range e.sends {
		if !seen[o.conv] {
			seen[o.conv] = true
			candidates = append(candidates, o.conv)
		}
	}
	for _, conv := range candidates {
		if m.ConversationKey != "" && conv.CounterpartID != m.ConversationKey {
			continue
		}
		m.ClientTempID = ""
		if i := conv.pendingFor(m, e.cfg.DedupWindow, false); i >= 0 {
			return conv, i
		}
	}
	return nil, -1
}

// confirm replaces pending slot i with the confirmed message in place.
func (e *Engine) confirm(conv *Conversation, i int, m models.Message) {
	p := conv.entries[i].(*PendingEntry)
	m.ClientTempID = p.ClientTempID
	if m.ConversationKey == "" {
		m.ConversationKey = p.ConversationKey
	}
	if m.SenderID == "" {
		m.SenderID = p.SenderID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = p.CreatedAt
	}
	if m.Kind == "" {
		m.Kind = p.Kind
	}

	// an echo may already hold the server id; the earlier slot survives
	switch j := conv.indexOfID(m.ID); {
	case j > i:
		if conv.entries[j].View().DeliveryState == models.DeliveryRead {
			m.DeliveryState = models.DeliveryRead
		}
		conv.entries[i] = &ConfirmedEntry{Message: m}
		conv.remove(j)
	case j >= 0 && j < i:
		conv.entries[j].(*ConfirmedEntry).ClientTempID = m.ClientTempID
		conv.remove(i)
	default:
		conv.entries[i] = &ConfirmedEntry{Message: m}
	}

	if o, ok := e.sends[p.ClientTempID]; ok {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(e.sends, p.ClientTempID)
	}

	metrics.IncrementCounter("messages_confirmed", nil, "Outbound messages confirmed by the server")
	e.logger.WithFields(messageFields(m.ConversationKey, m.ClientTempID, m.ID)).Debug("Message confirmed")

	// the counterpart may have been reselected while the send was in flight
	if conv != e.active && e.active != nil && e.active.CounterpartID == m.ConversationKey {
		e.appendConfirmed(m)
	}
}

// appendConfirmed adds a server message to the active log unless it is
// a duplicate or belongs to another counterpart.
func (e *Engine) appendConfirmed(m models.Message) {
	if e.active == nil || m.ConversationKey != e.active.CounterpartID {
		e.logger.WithFields(messageFields(m.ConversationKey, m.ClientTempID, m.ID)).Debug("Message for inactive conversation not appended")
		return
	}
	if e.active.duplicateOf(m, e.cfg.DedupWindow, e.cfg.StrictTempIDs) >= 0 {
		metrics.IncrementCounter("messages_deduplicated", nil, "Duplicate messages dropped")
		e.logger.WithFields(messageFields(m.ConversationKey, m.ClientTempID, m.ID)).Debug("Duplicate message dropped")
		return
	}
	e.active.append(&ConfirmedEntry{Message: m})
}

// OnSendError fails the send the server rejected. Without a temp id the
// error is attributed to the only outstanding send, if there is exactly one.
func (e *Engine) OnSendError(tempID, reason string) {
	if tempID == "" {
		var only string
		for id, o := range e.sends {
			if i := o.conv.indexOfTempID(id); i >= 0 {
				if p, ok := o.conv.entries[i].(*PendingEntry); ok && !p.Failed {
					if only != "" {
						only = ""
						break
					}
					only = id
				}
			}
		}
		if only == "" {
			e.logger.WithField("reason", reason).Warn("Send error without a correlatable message")
			return
		}
		tempID = only
	}
	e.fail(tempID, apperrors.NewSendRejectedError(tempID, reason))
}

// OnInboundMessage handles a pushed message. Messages for other
// counterparts only bump their unread counter.
func (e *Engine) OnInboundMessage(m models.Message) {
	if e.active == nil || m.ConversationKey != e.active.CounterpartID {
		if m.Direction == models.DirectionInbound {
			e.countUnread(m)
		}
		return
	}

	if m.Direction == models.DirectionOutbound {
		if conv, i := e.locatePending(m); conv != nil {
			e.confirm(conv, i, m)
			return
		}
	} else {
		m.DeliveryState = models.DeliverySent
	}

	e.appendConfirmed(m)
}

func (e *Engine) countUnread(m models.Message) {
	key := m.ConversationKey
	if key == "" {
		return
	}
	if m.ID != "" {
		seen := e.counted[key]
		if seen == nil {
			seen = newIDWindow(maxCountedIDs)
			e.counted[key] = seen
		}
		if !seen.add(m.ID) {
			return
		}
	}
	e.unread[key]++
	metrics.IncrementCounter("messages_unread", nil, "Inbound messages for inactive conversations")
}

// OnReadReceipt marks every confirmed outbound message to counterpartID
// as read. Read is terminal.
func (e *Engine) OnReadReceipt(counterpartID string) {
	if e.active == nil || e.active.CounterpartID != counterpartID {
		return
	}
	flipped := 0
	for _, entry := range e.active.entries {
		ce, ok := entry.(*ConfirmedEntry)
		if !ok || ce.Direction != models.DirectionOutbound {
			continue
		}
		if ce.DeliveryState == models.DeliverySent {
			ce.DeliveryState = models.DeliveryRead
			flipped++
		}
	}
	e.logger.WithFields(messageFields(counterpartID, "", "")).WithField(LogFieldCount, flipped).Debug("Read receipt applied")
}

// OnTyping updates the typing indicator of the active conversation
func (e *Engine) OnTyping(counterpartID string, typing bool) {
	if e.active != nil && e.active.CounterpartID == counterpartID {
		e.active.typing = typing
	}
}

// MarkRead emits a read request for counterpartID and clears its unread
// counter.
func (e *Engine) MarkRead(counterpartID string) error {
	if counterpartID == "" {
		return apperrors.NewValidationError("counterpart", "no conversation selected")
	}
	delete(e.unread, counterpartID)
	delete(e.counted, counterpartID)
	return e.emitter.Emit(EventAdminMarkRead, roomPayload{AdminID: e.cfg.AdminID, UserID: counterpartID})
}

// SeedHistory places fetched history before the live entries that
// arrived while it loaded. Live duplicates of history are dropped and
// pending sends found in history are confirmed.
func (e *Engine) SeedHistory(counterpartID string, history []models.Message) {
	conv := e.active
	if conv == nil || conv.CounterpartID != counterpartID {
		return
	}

	seeded := newConversation(counterpartID)
	for _, m := range history {
		if m.ConversationKey == "" {
			m.ConversationKey = counterpartID
		}
		if m.Direction == models.DirectionInbound || m.DeliveryState == "" {
			m.DeliveryState = models.DeliverySent
		}
		if seeded.duplicateOf(m, e.cfg.DedupWindow, true) >= 0 {
			continue
		}
		seeded.append(&ConfirmedEntry{Message: m})
	}

	for _, entry := range conv.entries {
		switch v := entry.(type) {
		case *ConfirmedEntry:
			if j := seeded.duplicateOf(v.Message, e.cfg.DedupWindow, e.cfg.StrictTempIDs); j >= 0 {
				// history may predate a read receipt applied while it loaded
				if hist, ok := seeded.entries[j].(*ConfirmedEntry); ok {
					if v.DeliveryState == models.DeliveryRead {
						hist.DeliveryState = models.DeliveryRead
					}
					if hist.ClientTempID == "" {
						hist.ClientTempID = v.ClientTempID
					}
				}
				continue
			}
			seeded.append(v)
		case *PendingEntry:
			probe := v.View()
			j := seeded.indexOfTempID(v.ClientTempID)
			if j < 0 && !e.cfg.StrictTempIDs {
				probe.ClientTempID = ""
				j = seeded.duplicateOf(probe, e.cfg.DedupWindow, false)
			}
			if j >= 0 {
				ce := seeded.entries[j].(*ConfirmedEntry)
				ce.ClientTempID = v.ClientTempID
				if o, ok := e.sends[v.ClientTempID]; ok {
					if o.timer != nil {
						o.timer.Stop()
					}
					delete(e.sends, v.ClientTempID)
				}
				continue
			}
			seeded.append(v)
		}
	}

	conv.entries = seeded.entries
	conv.loading = false
	conv.historyErr = nil
	e.logger.WithFields(messageFields(counterpartID, "", "")).WithField(LogFieldCount, len(history)).Debug("History seeded")
}

// FailHistory records a history load failure; live entries are kept.
func (e *Engine) FailHistory(counterpartID string, err error) {
	if e.active == nil || e.active.CounterpartID != counterpartID {
		return
	}
	e.active.loading = false
	e.active.historyErr = err
}

// View snapshots the active conversation
func (e *Engine) View() (models.ConversationView, bool) {
	if e.active == nil {
		return models.ConversationView{}, false
	}
	return e.active.view(e.unread[e.active.CounterpartID]), true
}

// Unread returns a copy of the unread counters
func (e *Engine) Unread() map[string]int {
	out := make(map[string]int, len(e.unread))
	for k, v := range e.unread {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Outstanding counts sends that still await an ack or can be resent
func (e *Engine) Outstanding() int {
	return len(e.sends)
}

// maxCountedIDs bounds the ids remembered per unread counterpart. Replays
// of anything older are counted again.
const maxCountedIDs = 256

// idWindow remembers the most recent ids in insertion order.
type idWindow struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newIDWindow(size int) *idWindow {
	return &idWindow{ids: make(map[string]struct{}, size), ring: make([]string, 0, size)}
}

// add reports whether id was not already in the window.
func (w *idWindow) add(id string) bool {
	if _, dup := w.ids[id]; dup {
		return false
	}
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, id)
	} else {
		delete(w.ids, w.ring[w.next])
		w.ring[w.next] = id
		w.next = (w.next + 1) % len(w.ring)
	}
	w.ids[id] = struct{}{}
	return true
}

func (w *idWindow) len() int { return len(w.ids) }
