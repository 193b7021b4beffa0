package chat

import (
	"time"

	"adminchat/internal/models"
)

// Conversation is the ordered log for one counterpart. It is owned by the
// Engine and only touched on the event loop.
type Conversation struct {
	CounterpartID string

	entries    []Entry
	typing     bool
	loading    bool
	historyErr error
}

func newConversation(counterpartID string) *Conversation {
	return &Conversation{CounterpartID: counterpartID}
}

func (c *Conversation) Len() int {
	return len(c.entries)
}

// At returns the entry in slot i
func (c *Conversation) At(i int) Entry {
	return c.entries[i]
}

func (c *Conversation) append(e Entry) {
	c.entries = append(c.entries, e)
}

func (c *Conversation) remove(i int) {
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
}

func (c *Conversation) indexOfTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range c.entries {
		if e.View().ClientTempID == tempID {
			return i
		}
	}
	return -1
}

func (c *Conversation) indexOfID(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range c.entries {
		if ce, ok := e.(*ConfirmedEntry); ok && ce.ID == id {
			return i
		}
	}
	return -1
}

// duplicateOf returns the slot holding a message that m duplicates, or -1.
// Identity is the server id or the client temp id; unless strict, a
// matching direction, sender and body created within window also counts.
func (c *Conversation) duplicateOf(m models.Message, window time.Duration, strict bool) int {
	for i, e := range c.entries {
		v := e.View()
		if m.ID != "" && v.ID == m.ID {
			return i
		}
		if m.ClientTempID != "" && v.ClientTempID == m.ClientTempID {
			return i
		}
		if !strict && sameContent(v, m, window) {
			return i
		}
	}
	return -1
}

// pendingFor finds the pending slot a confirmation belongs to.
func (c *Conversation) pendingFor(m models.Message, window time.Duration, strict bool) int {
	if i := c.indexOfTempID(m.ClientTempID); i >= 0 {
		if _, ok := c.entries[i].(*PendingEntry); ok {
			return i
		}
		return -1
	}
	if strict {
		return -1
	}
	for i, e := range c.entries {
		if p, ok := e.(*PendingEntry); ok && sameContent(p.View(), m, window) {
			return i
		}
	}
	return -1
}

func sameContent(a, b models.Message, window time.Duration) bool {
	if a.Direction != b.Direction || a.SenderID != b.SenderID || a.Body != b.Body {
		return false
	}
	if a.CreatedAt.IsZero() || b.CreatedAt.IsZero() {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < window
}

func (c *Conversation) view(unread int) models.ConversationView {
	v := models.ConversationView{
		CounterpartID: c.CounterpartID,
		Messages:      make([]models.Message, len(c.entries)),
		Typing:        c.typing,
		UnreadCount:   unread,
		Loading:       c.loading,
	}
	for i, e := range c.entries {
		v.Messages[i] = e.View()
	}
	if c.historyErr != nil {
		v.HistoryError = c.historyErr.Error()
	}
	return v
}
