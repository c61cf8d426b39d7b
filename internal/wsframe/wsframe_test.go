package wsframe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	data, release, err := Encode(map[string]string{"type": "join"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"join"}`, string(data))
	release()

	_, _, err = Encode(map[string]any{"bad": make(chan int)})
	assert.ErrorIs(t, err, ErrEncode)
}

func TestWriteJSONRoundTrip(t *testing.T) {
	up := websocket.Upgrader{}
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, raw, err := conn.ReadMessage()
		if err == nil {
			got <- string(raw)
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, KeepAlive(conn, 1024, time.Second))
	require.NoError(t, Ping(conn, time.Second))
	require.NoError(t, WriteJSON(conn, struct {
		Type string `json:"type"`
	}{"typing_start"}, time.Second))

	select {
	case raw := <-got:
		assert.Equal(t, `{"type":"typing_start"}`, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received")
	}

	err = WriteJSON(conn, make(chan int), time.Second)
	assert.ErrorIs(t, err, ErrEncode)
}
