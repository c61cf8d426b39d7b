// Package wsframe holds the JSON frame plumbing shared by the push transport
// and the UI feed: pooled encoding, deadlines, keepalive.
package wsframe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrEncode marks a frame that could not be marshalled; the connection is still usable.
var ErrEncode = errors.New("wsframe: encode")

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Encode marshals v into a pooled buffer. The returned func gives the buffer
// back and must be called once data is no longer used.
func Encode(v any) (data []byte, release func(), err error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		bufPool.Put(buf)
		return nil, nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	// json.Encoder appends '\n'
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), func() { bufPool.Put(buf) }, nil
}

// WriteJSON writes v as one text message within timeout. Errors other than
// ErrEncode mean the connection is gone.
func WriteJSON(conn *websocket.Conn, v any, timeout time.Duration) error {
	data, release, err := Encode(v)
	if err != nil {
		return err
	}
	defer release()
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func Ping(conn *websocket.Conn, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// KeepAlive arms the read deadline and extends it on every pong.
func KeepAlive(conn *websocket.Conn, limit int64, pongWait time.Duration) error {
	conn.SetReadLimit(limit)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return nil
}

// CloseNormal sends a close frame; errors are irrelevant at this point.
func CloseNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
