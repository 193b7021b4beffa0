package chat

import (
	"time"

	"adminchat/internal/models"
)

// Entry is one slot of a conversation log. The only implementations are
// *PendingEntry and *ConfirmedEntry.
type Entry interface {
	View() models.Message
	sealed()
}

// PendingEntry is an optimistic outbound message awaiting its ack. A
// failed send stays pending-shaped so it can be resent or late-confirmed.
type PendingEntry struct {
	ClientTempID    string
	ConversationKey string
	SenderID        string
	Kind            models.Kind
	Body            string
	MimeType        string
	CreatedAt       time.Time
	Failed          bool
	Err             error
}

func (p *PendingEntry) View() models.Message {
	m := models.Message{
		ClientTempID:    p.ClientTempID,
		ConversationKey: p.ConversationKey,
		SenderID:        p.SenderID,
		Direction:       models.DirectionOutbound,
		Kind:            p.Kind,
		Body:            p.Body,
		MimeType:        p.MimeType,
		CreatedAt:       p.CreatedAt,
		DeliveryState:   models.DeliveryPending,
	}
	if p.Failed {
		m.DeliveryState = models.DeliveryFailed
		if p.Err != nil {
			m.Error = p.Err.Error()
		}
	}
	return m
}

func (*PendingEntry) sealed() {}

// ConfirmedEntry is a message carrying its server identity.
type ConfirmedEntry struct {
	models.Message
}

func (c *ConfirmedEntry) View() models.Message {
	return c.Message
}

func (*ConfirmedEntry) sealed() {}
