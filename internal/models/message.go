package models

import "time"

// Direction tells whether this admin sent the message or received it
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Kind is the content type of a message
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// DeliveryState tracks an outbound message from optimistic insert to read.
// Inbound messages are always DeliverySent.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
	DeliveryRead    DeliveryState = "read"
)

// Message is one unit of conversation content as rendered
type Message struct {
	ID              string        `json:"id,omitempty"`
	ClientTempID    string        `json:"clientTempId,omitempty"`
	ConversationKey string        `json:"conversationKey"`
	SenderID        string        `json:"senderId"`
	Direction       Direction     `json:"direction"`
	Kind            Kind          `json:"kind"`
	Body            string        `json:"body"`
	MimeType        string        `json:"mimeType,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	DeliveryState   DeliveryState `json:"deliveryState"`
	Error           string        `json:"error,omitempty"`
}

// ConversationView is a read-only snapshot of the active conversation
type ConversationView struct {
	CounterpartID string    `json:"counterpartId"`
	Messages      []Message `json:"messages"`
	Typing        bool      `json:"typing"`
	UnreadCount   int       `json:"unreadCount"`
	Loading       bool      `json:"loading"`
	HistoryError  string    `json:"historyError,omitempty"`
}

// PresenceEntry is the online status of one counterpart
type PresenceEntry struct {
	CounterpartID string    `json:"counterpartId"`
	Online        bool      `json:"online"`
	LastActiveAt  time.Time `json:"lastActiveAt,omitempty"`
}

// Notification is one entry of the admin notification feed
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}
