package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "adminchat/internal/errors"
)

// socketServer speaks just enough Engine.IO/Socket.IO for one client.
func socketServer(t *testing.T, emitted chan<- string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		if err := c.Write(ctx, websocket.MessageText, []byte(openFrame)); err != nil {
			return
		}
		_, data, err := c.Read(ctx)
		if err != nil || !strings.HasPrefix(string(data), "40") {
			return
		}
		if err := c.Write(ctx, websocket.MessageText, []byte(`40{"sid":"srv-1"}`)); err != nil {
			return
		}
		if err := c.Write(ctx, websocket.MessageText, []byte(`42["onlineUsers",[{"userId":"u1"}]]`)); err != nil {
			return
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			emitted <- string(data)
		}
	}))
}

func TestWebsocketDialer_EndToEnd(t *testing.T) {
	emitted := make(chan string, 8)
	srv := socketServer(t, emitted)
	defer srv.Close()

	s := NewSession(Config{URL: srv.URL, ConnectTimeout: 2 * time.Second}, WebsocketDialer{ReadLimit: 1 << 20}, nil, testLogger())
	online := make(chan json.RawMessage, 1)
	s.Subscribe("onlineUsers", func(p json.RawMessage) { online <- p })

	require.NoError(t, s.Connect(context.Background(), Credentials{Token: "secret", AdminID: "a1"}))
	assert.Equal(t, "srv-1", s.ID())

	select {
	case p := <-online:
		assert.JSONEq(t, `[{"userId":"u1"}]`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("onlineUsers not delivered")
	}

	require.NoError(t, s.Emit("getUserStatus", map[string]string{"userId": "u1"}))
	select {
	case frame := <-emitted:
		assert.Equal(t, `42["getUserStatus",{"userId":"u1"}]`, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("emit not received")
	}

	_ = s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
}

func TestWebsocketDialer_UnauthorizedUpgrade(t *testing.T) {
	srv := socketServer(t, make(chan string, 1))
	defer srv.Close()

	s := NewSession(Config{URL: srv.URL, ConnectTimeout: 2 * time.Second}, WebsocketDialer{}, nil, testLogger())
	err := s.Connect(context.Background(), Credentials{Token: "wrong", AdminID: "a1"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuthentication))
}
