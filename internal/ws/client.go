package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/wsframe"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
	actionBufSize  = 32
)

// Client is one UI connection to the feed.
//
// Three goroutines: readPump decodes and validates UI frames, dispatchPump
// hands them to the hub, writePump owns the socket writes. Scroll reports are
// coalesced: while one is being handled only the latest pending one is kept.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan OutgoingMessage
	id   string

	actions chan IncomingMessage
	// scrolls: последний необработанный scroll по диалогу
	scrollMu    sync.Mutex
	scrolls     map[string]IncomingMessage
	scrollReady chan struct{}

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan OutgoingMessage, sendBufSize),
		id:          id,
		actions:     make(chan IncomingMessage, actionBufSize),
		scrolls:     make(map[string]IncomingMessage),
		scrollReady: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the pumps. ctx controls their lifetime; cancel is kept for Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(3)
	go c.writePump(ctx)
	go c.readPump(ctx)
	go c.dispatchPump(ctx)
}

// Wait blocks until all pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops the client. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// decodeIncoming parses and validates one UI frame.
func decodeIncoming(raw []byte) (IncomingMessage, error) {
	var msg IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, errors.New("malformed frame")
	}
	if err := validate.Struct(&msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// enqueue routes a validated frame to the dispatcher. Scrolls replace the
// pending scroll of the same conversation; other actions queue in order.
func (c *Client) enqueue(msg IncomingMessage) {
	if msg.Type == ActionScroll {
		c.scrollMu.Lock()
		c.scrolls[msg.ConversationID] = msg
		c.scrollMu.Unlock()
		select {
		case c.scrollReady <- struct{}{}:
		default:
		}
		return
	}
	select {
	case c.actions <- msg:
	case <-c.done:
	default:
		logger.Errorf("feed action queue full client=%s, %s dropped", c.id, msg.Type)
	}
}

func (c *Client) takeScrolls() []IncomingMessage {
	c.scrollMu.Lock()
	defer c.scrollMu.Unlock()
	out := make([]IncomingMessage, 0, len(c.scrolls))
	for id, m := range c.scrolls {
		out = append(out, m)
		delete(c.scrolls, id)
	}
	return out
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	if err := wsframe.KeepAlive(c.conn, maxMessageSize, pongWait); err != nil {
		logger.Errorf("feed set read deadline client=%s: %v", c.id, err)
		return
	}
	for ctx.Err() == nil {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("feed read error client=%s: %v", c.id, err)
			}
			return
		}
		msg, err := decodeIncoming(raw)
		if err != nil {
			logger.Debugf("feed client=%s rejected frame: %v", c.id, err)
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: err.Error()})
			continue
		}
		c.enqueue(msg)
	}
}

func (c *Client) dispatchPump(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.actions:
			c.hub.HandleMessage(ctx, c, msg)
		case <-c.scrollReady:
			for _, msg := range c.takeScrolls() {
				c.hub.HandleMessage(ctx, c, msg)
			}
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			wsframe.CloseNormal(c.conn)
			return
		case msg := <-c.send:
			if err := wsframe.WriteJSON(c.conn, msg, writeWait); err != nil {
				if errors.Is(err, wsframe.ErrEncode) {
					logger.Errorf("feed marshal error client=%s type=%s: %v", c.id, msg.Type, err)
					continue
				}
				return
			}
		case <-ticker.C:
			if err := wsframe.Ping(c.conn, writeWait); err != nil {
				return
			}
		}
	}
}
