// Package ws is the UI feed: a WebSocket hub that pushes engine updates to
// every connected UI and takes keystrokes and scroll reports back.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/realtime"
)

// Engine is the part of *chat.Engine the hub uses.
type Engine interface {
	Session(conversationID string) (*chat.Session, error)
	Status() realtime.Status
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxConns   int
	engine     Engine
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(engine Engine, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 64
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		engine:     engine,
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// I/O только вне мьютекса
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("feed connection limit reached (%d), rejecting client=%s", h.maxConns, c.id)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	st := h.engine.Status()
	h.sendToClient(c, OutgoingMessage{Type: EventStatus, Payload: chat.Update{Type: chat.UpdateStatus, Status: &st}})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()

	c.Close()
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an engine update to every client. Pass it to chat.Engine.Subscribe.
func (h *Hub) Broadcast(u chat.Update) {
	out := OutgoingMessage{Type: EventType(u.Type), Payload: u}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

// HandleMessage dispatches a validated message from the UI.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	s, err := h.engine.Session(msg.ConversationID)
	if err != nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: err.Error()})
		return
	}
	switch msg.Type {
	case ActionKeystroke:
		s.Keystroke()
	case ActionTypingStop:
		s.Emitter.Sent()
	case ActionScroll:
		if msg.Metrics == nil {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "metrics required"})
			return
		}
		defer logger.DeferLogDuration("feed.scroll", time.Now())()
		st, act := s.Scroll(*msg.Metrics)
		p := ViewportPayload{ConversationID: s.ID(), State: st}
		if act.ScrollTop != nil {
			p.Action = &act
		}
		h.sendToClient(c, OutgoingMessage{Type: EventViewport, Payload: p})
	case ActionJump:
		act := s.Viewport.JumpToLatest()
		h.sendToClient(c, OutgoingMessage{Type: EventViewport, Payload: ViewportPayload{
			ConversationID: s.ID(),
			State:          s.Viewport.State(),
			Action:         &act,
		}})
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown message type"})
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// буфер переполнен: медленный клиент отключается
		logger.Errorf("feed send buffer full, closing slow client=%s", c.id)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
