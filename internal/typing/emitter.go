package typing

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/realtime"
)

const DefaultIdle = 2 * time.Second

// Sender is implemented by *realtime.Manager.
type Sender interface {
	SendTyping(conversationID string, typing bool) error
}

// Emitter turns local keystrokes into typing signals: start on the first
// keystroke (refreshed at most once a second while typing continues), stop
// after the idle window or as soon as the message is sent.
type Emitter struct {
	conversationID string
	sender         Sender
	idle           time.Duration
	refresh        *rate.Limiter

	mu     sync.Mutex
	active bool
	closed bool
	timer  *time.Timer
}

func NewEmitter(conversationID string, sender Sender, idle time.Duration) *Emitter {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Emitter{
		conversationID: conversationID,
		sender:         sender,
		idle:           idle,
		refresh:        rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (e *Emitter) Keystroke() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	allowed := e.refresh.Allow()
	send := !e.active || allowed
	e.active = true
	if e.timer == nil {
		e.timer = time.AfterFunc(e.idle, e.stop)
	} else {
		e.timer.Reset(e.idle)
	}
	e.mu.Unlock()

	if send {
		e.signal(true)
	}
}

// Sent stops the indicator right away.
func (e *Emitter) Sent() {
	e.stop()
}

// Active reports whether a typing_start is outstanding.
func (e *Emitter) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Emitter) Close() {
	e.stop()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Emitter) stop() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	wasActive := e.active
	e.active = false
	e.mu.Unlock()

	if wasActive {
		e.signal(false)
	}
}

func (e *Emitter) signal(typing bool) {
	err := e.sender.SendTyping(e.conversationID, typing)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrPushInactive), errors.Is(err, realtime.ErrNotJoined):
		logger.Debugf("typing %s: %v", e.conversationID, err)
	default:
		logger.Errorf("typing %s: %v", e.conversationID, err)
	}
}
