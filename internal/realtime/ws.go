package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/wsframe"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultMaxMessage = 1 << 20
	sendBufSize       = 64
	inboundBufSize    = 256
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Transport opens push connections. The Manager redials through it after a drop.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one live push connection.
type Conn interface {
	// Send queues a frame without blocking.
	Send(f Frame) error
	// Inbound is closed when the connection is gone.
	Inbound() <-chan Envelope
	Close()
}

type WSOptions struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// WSTransport dials the messaging service WebSocket endpoint with a bearer token.
type WSTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	opts   WSOptions
}

func NewWSTransport(url, token string, opts WSOptions) *WSTransport {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteWait
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessage
	}
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 10 * time.Second
	return &WSTransport{url: url, header: h, dialer: &d, opts: opts}
}

func (t *WSTransport) Connect(ctx context.Context) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: status %d: %w", t.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", t.url, err)
	}
	c := &wsConn{
		conn: conn,
		opts: t.opts,
		send: make(chan Frame, sendBufSize),
		in:   make(chan Envelope, inboundBufSize),
		done: make(chan struct{}),
	}
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
	return c, nil
}

// wsConn lifecycle: Connect -> [readPump, writePump] -> Close.
type wsConn struct {
	conn *websocket.Conn
	opts WSOptions
	send chan Frame
	in   chan Envelope

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (c *wsConn) Inbound() <-chan Envelope { return c.in }

func (c *wsConn) Send(f Frame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close signals both pumps to stop. Safe to call multiple times from any goroutine.
func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		// Force the read pump to unblock.
		c.conn.Close()
	})
}

// readPump owns c.in and closes it on exit.
func (c *wsConn) readPump() {
	defer c.wg.Done()
	defer close(c.in)
	defer c.Close()

	pongWait := c.opts.PongTimeout
	if err := wsframe.KeepAlive(c.conn, c.opts.MaxMessageSize, pongWait); err != nil {
		logger.Errorf("ws set read deadline: %v", err)
		return
	}
	// server pings keep the connection alive too
	c.conn.SetPingHandler(func(data string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("ws unmarshal error: %v", err)
			continue
		}
		select {
		case c.in <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			wsframe.CloseNormal(c.conn)
			return
		case f := <-c.send:
			if err := wsframe.WriteJSON(c.conn, f, c.opts.WriteTimeout); err != nil {
				if errors.Is(err, wsframe.ErrEncode) {
					logger.Errorf("ws marshal error type=%s: %v", f.Type, err)
					continue
				}
				return
			}
		case <-ticker.C:
			if err := wsframe.Ping(c.conn, c.opts.WriteTimeout); err != nil {
				return
			}
		}
	}
}
