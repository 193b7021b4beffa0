package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexTime accepts RFC 3339 strings or epoch milliseconds.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// PartyRef is a user reference sent either as a bare id or as an object
// carrying `_id`, `id` or `userId`.
type PartyRef struct {
	ID string
}

func (p *PartyRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.ID = s
		return nil
	}
	var obj struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		UserID  string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid user reference: %w", err)
	}
	switch {
	case obj.MongoID != "":
		p.ID = obj.MongoID
	case obj.ID != "":
		p.ID = obj.ID
	default:
		p.ID = obj.UserID
	}
	return nil
}

// WireMessage is a chat message as the admin backend serializes it, over
// both REST and the realtime channel.
type WireMessage struct {
	MongoID      string    `json:"_id"`
	ID           string    `json:"id"`
	ClientTempID string    `json:"clientTempId"`
	Content      string    `json:"content"`
	Text         string    `json:"text"`
	Image        string    `json:"image"`
	ImageURL     string    `json:"imageUrl"`
	MimeType     string    `json:"mimeType"`
	Type         string    `json:"type"`
	Sender       *PartyRef `json:"sender"`
	SenderID     *PartyRef `json:"senderId"`
	Receiver     *PartyRef `json:"receiver"`
	ReceiverID   *PartyRef `json:"receiverId"`
	CreatedAt    FlexTime  `json:"createdAt"`
	IsRead       bool      `json:"isRead"`
	Read         bool      `json:"read"`
}

func firstRef(refs ...*PartyRef) string {
	for _, r := range refs {
		if r != nil && r.ID != "" {
			return r.ID
		}
	}
	return ""
}

// ToMessage resolves direction and conversation from the admin's point
// of view. The sender is required.
func (w WireMessage) ToMessage(adminID string) (Message, error) {
	sender := firstRef(w.Sender, w.SenderID)
	if sender == "" {
		return Message{}, fmt.Errorf("message without sender")
	}
	receiver := firstRef(w.Receiver, w.ReceiverID)

	m := Message{
		ID:            w.MongoID,
		ClientTempID:  w.ClientTempID,
		SenderID:      sender,
		CreatedAt:     w.CreatedAt.Time,
		DeliveryState: DeliverySent,
		MimeType:      w.MimeType,
	}
	if m.ID == "" {
		m.ID = w.ID
	}

	if sender == adminID {
		m.Direction = DirectionOutbound
		m.ConversationKey = receiver
		if w.IsRead || w.Read {
			m.DeliveryState = DeliveryRead
		}
	} else {
		m.Direction = DirectionInbound
		m.ConversationKey = sender
	}

	switch {
	case w.Type == string(KindImage) || w.Image != "" || w.ImageURL != "":
		m.Kind = KindImage
		m.Body = w.Image
		if m.Body == "" {
			m.Body = w.ImageURL
		}
		if m.Body == "" {
			m.Body = w.Content
		}
	default:
		m.Kind = KindText
		m.Body = w.Content
		if m.Body == "" {
			m.Body = w.Text
		}
	}
	return m, nil
}
