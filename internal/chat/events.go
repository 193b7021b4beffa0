package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"adminchat/internal/models"
)

// Inbound realtime events
const (
	EventOnlineUsers       = "onlineUsers"
	EventUserStatusChanged = "userStatusChanged"
	EventUserStatus        = "userStatus"
	EventNewMessage        = "newMessage"
	EventReceiveMessage    = "receiveMessage"
	EventMessageSent       = "messageSent"
	EventMessageError      = "messageError"
	EventUserTyping        = "userTyping"
	EventUserStopTyping    = "userStopTyping"
	EventMessagesRead      = "messagesRead"
)

// Outbound realtime events
const (
	EventAdminConnected   = "adminConnected"
	EventAdminJoinChat    = "adminJoinChat"
	EventAdminLeaveChat   = "adminLeaveChat"
	EventAdminSendMessage = "adminSendMessage"
	EventAdminSendImage   = "adminSendImage"
	EventAdminTyping      = "adminTyping"
	EventAdminStopTyping  = "adminStopTyping"
	EventAdminMarkRead    = "adminMarkRead"
	EventGetUserStatus    = "getUserStatus"
)

// InboundEvents lists every server event the client subscribes to
var InboundEvents = []string{
	EventOnlineUsers,
	EventUserStatusChanged,
	EventUserStatus,
	EventNewMessage,
	EventReceiveMessage,
	EventMessageSent,
	EventMessageError,
	EventUserTyping,
	EventUserStopTyping,
	EventMessagesRead,
}

// Event is a decoded inbound event. Each server event name maps to
// exactly one of the types below.
type Event interface {
	event()
}

type PresenceSnapshot struct {
	UserIDs []string
}

type PresenceDelta struct {
	UserID     string
	Online     bool
	LastActive time.Time
}

type InboundMessage struct {
	Message models.Message
}

type SendAck struct {
	Message models.Message
}

type SendError struct {
	ClientTempID string
	UserID       string
	Reason       string
}

type TypingStatus struct {
	UserID string
	Typing bool
}

type ReadReceipt struct {
	UserID string
	ReadAt time.Time
}

func (PresenceSnapshot) event() {}
func (PresenceDelta) event()    {}
func (InboundMessage) event()   {}
func (SendAck) event()          {}
func (SendError) event()        {}
func (TypingStatus) event()     {}
func (ReadReceipt) event()      {}

type userStatusPayload struct {
	UserID     string          `json:"userId"`
	IsOnline   bool            `json:"isOnline"`
	LastActive models.FlexTime `json:"lastActive"`
}

type userPayload struct {
	UserID string          `json:"userId"`
	ReadAt models.FlexTime `json:"readAt"`
}

type messageErrorPayload struct {
	Message      string `json:"message"`
	Error        string `json:"error"`
	ClientTempID string `json:"clientTempId"`
	UserID       string `json:"userId"`
}

// decodeEvent validates a raw payload and converts it to its typed form.
func decodeEvent(name string, payload json.RawMessage, adminID string) (Event, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%s: empty payload", name)
	}

	switch name {
	case EventOnlineUsers:
		var refs []models.PartyRef
		if err := json.Unmarshal(payload, &refs); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		ids := make([]string, 0, len(refs))
		for _, r := range refs {
			if r.ID != "" {
				ids = append(ids, r.ID)
			}
		}
		return PresenceSnapshot{UserIDs: ids}, nil

	case EventUserStatusChanged, EventUserStatus:
		var p userStatusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing userId", name)
		}
		return PresenceDelta{UserID: p.UserID, Online: p.IsOnline, LastActive: p.LastActive.Time}, nil

	case EventNewMessage, EventReceiveMessage:
		m, err := decodeMessage(payload, adminID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%s: message without id", name)
		}
		return InboundMessage{Message: m}, nil

	case EventMessageSent:
		m, err := decodeMessage(payload, adminID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%s: acknowledgement without id", name)
		}
		// acks always concern our own sends
		m.Direction = models.DirectionOutbound
		return SendAck{Message: m}, nil

	case EventMessageError:
		var p messageErrorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		reason := p.Message
		if reason == "" {
			reason = p.Error
		}
		if reason == "" {
			reason = "message rejected by server"
		}
		return SendError{ClientTempID: p.ClientTempID, UserID: p.UserID, Reason: reason}, nil

	case EventUserTyping, EventUserStopTyping:
		var p userPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing userId", name)
		}
		return TypingStatus{UserID: p.UserID, Typing: name == EventUserTyping}, nil

	case EventMessagesRead:
		var p userPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing userId", name)
		}
		return ReadReceipt{UserID: p.UserID, ReadAt: p.ReadAt.Time}, nil
	}

	return nil, fmt.Errorf("unknown event %q", name)
}

// decodeMessage accepts both `{message: {...}}` envelopes and bare records.
func decodeMessage(payload json.RawMessage, adminID string) (models.Message, error) {
	var env struct {
		Message json.RawMessage `json:"message"`
	}
	raw := payload
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Message) > 0 && env.Message[0] == '{' {
		raw = env.Message
	}

	var w models.WireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Message{}, err
	}
	return w.ToMessage(adminID)
}

type roomPayload struct {
	AdminID string `json:"adminId"`
	UserID  string `json:"userId"`
}

type sendPayload struct {
	AdminID      string      `json:"adminId"`
	UserID       string      `json:"userId"`
	Text         string      `json:"text,omitempty"`
	Image        string      `json:"image,omitempty"`
	MimeType     string      `json:"mimeType,omitempty"`
	Type         models.Kind `json:"type"`
	ClientTempID string      `json:"clientTempId"`
}
