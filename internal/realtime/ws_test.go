package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	gotFrame := make(chan Envelope, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		gotFrame <- env

		payload, _ := json.Marshal(TypingPayload{ConversationID: "c1", UserID: "u2"})
		_ = conn.WriteJSON(Envelope{Type: EventTypingStart, Payload: payload})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := NewWSTransport(url, "secret", WSOptions{})
	conn, err := tr.Connect(testContext(t))
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Bearer secret", <-gotAuth)
	require.NoError(t, conn.Send(Frame{Type: EventJoin, Payload: ConversationPayload{ConversationID: "c1"}}))

	select {
	case env := <-gotFrame:
		assert.Equal(t, EventJoin, env.Type)
		assert.JSONEq(t, `{"conversation_id":"c1"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive join frame")
	}

	select {
	case env, ok := <-conn.Inbound():
		require.True(t, ok)
		ev, err := decode(env)
		require.NoError(t, err)
		assert.Equal(t, "u2", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound event")
	}

	// server closed: inbound must close
	select {
	case _, ok := <-conn.Inbound():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed after server close")
	}
	assert.ErrorIs(t, conn.Send(Frame{Type: EventLeave}), ErrConnClosed)
}

func TestWSTransportDialError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewWSTransport("ws"+strings.TrimPrefix(srv.URL, "http"), "", WSOptions{})
	_, err := tr.Connect(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
