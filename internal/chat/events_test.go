package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adminchat/internal/models"
)

func decode(t *testing.T, name, payload string) Event {
	t.Helper()
	ev, err := decodeEvent(name, json.RawMessage(payload), "a1")
	require.NoError(t, err)
	return ev
}

func TestDecodeEvent_Presence(t *testing.T) {
	ev := decode(t, EventOnlineUsers, `["U1",{"_id":"U3"},""]`)
	assert.Equal(t, PresenceSnapshot{UserIDs: []string{"U1", "U3"}}, ev)

	ev = decode(t, EventUserStatusChanged, `{"userId":"U2","isOnline":false,"lastActive":"2026-03-01T09:00:00Z"}`)
	assert.Equal(t, PresenceDelta{UserID: "U2", Online: false, LastActive: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}, ev)
}

func TestDecodeEvent_NewMessageEnvelope(t *testing.T) {
	ev := decode(t, EventNewMessage, `{"message":{"_id":"m7","content":"hi","sender":{"_id":"U1","name":"Ana"},"receiver":"a1","createdAt":"2026-03-01T10:00:00Z"}}`)

	in, ok := ev.(InboundMessage)
	require.True(t, ok)
	assert.Equal(t, "m7", in.Message.ID)
	assert.Equal(t, "U1", in.Message.ConversationKey)
	assert.Equal(t, models.DirectionInbound, in.Message.Direction)
	assert.Equal(t, "hi", in.Message.Body)
}

func TestDecodeEvent_BareReceiveMessage(t *testing.T) {
	ev := decode(t, EventReceiveMessage, `{"_id":"m8","text":"yo","senderId":"U1","receiverId":"a1","createdAt":1772359200000}`)

	in := ev.(InboundMessage)
	assert.Equal(t, "yo", in.Message.Body)
	assert.Equal(t, time.UnixMilli(1772359200000).UTC(), in.Message.CreatedAt)
}

func TestDecodeEvent_AckIsOutbound(t *testing.T) {
	ev := decode(t, EventMessageSent, `{"_id":"m1","clientTempId":"tmp-1","content":"Hello","sender":"a1","receiver":"U1","createdAt":"2026-03-01T10:00:00Z"}`)

	ack := ev.(SendAck)
	assert.Equal(t, models.DirectionOutbound, ack.Message.Direction)
	assert.Equal(t, "U1", ack.Message.ConversationKey)
	assert.Equal(t, "tmp-1", ack.Message.ClientTempID)
}

func TestDecodeEvent_MessageError(t *testing.T) {
	assert.Equal(t, SendError{Reason: "User is blocked"}, decode(t, EventMessageError, `{"message":"User is blocked"}`))
	assert.Equal(t, SendError{ClientTempID: "tmp-2", Reason: "boom"}, decode(t, EventMessageError, `{"error":"boom","clientTempId":"tmp-2"}`))
	assert.Equal(t, SendError{Reason: "message rejected by server"}, decode(t, EventMessageError, `{}`))
}

func TestDecodeEvent_TypingAndRead(t *testing.T) {
	assert.Equal(t, TypingStatus{UserID: "U1", Typing: true}, decode(t, EventUserTyping, `{"userId":"U1"}`))
	assert.Equal(t, TypingStatus{UserID: "U1"}, decode(t, EventUserStopTyping, `{"userId":"U1"}`))
	assert.Equal(t, ReadReceipt{UserID: "U1"}, decode(t, EventMessagesRead, `{"userId":"U1"}`))
}

func TestDecodeEvent_Rejects(t *testing.T) {
	cases := map[string]struct {
		name    string
		payload string
	}{
		"empty payload":      {EventNewMessage, ``},
		"message without id": {EventNewMessage, `{"content":"x","sender":"U1"}`},
		"ack without id":     {EventMessageSent, `{"content":"x","sender":"a1","receiver":"U1"}`},
		"no sender":          {EventReceiveMessage, `{"_id":"m1","content":"x"}`},
		"status without id":  {EventUserStatusChanged, `{"isOnline":true}`},
		"typing not object":  {EventUserTyping, `"U1"`},
		"bad timestamp":      {EventNewMessage, `{"_id":"m1","sender":"U1","createdAt":"yesterday"}`},
		"unknown event":      {"somethingElse", `{}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEvent(tc.name, json.RawMessage(tc.payload), "a1")
			assert.Error(t, err)
		})
	}
}
