package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/timeline"
	"github.com/chatsync/internal/typing"
	"github.com/chatsync/internal/viewport"
)

var ErrNoSession = errors.New("conversation is not open")

// Service is the messaging API. *api.Client implements it.
type Service interface {
	timeline.Service
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
}

type Options struct {
	UserID          string
	PageSize        int
	TypingSilence   time.Duration
	TypingIdle      time.Duration
	TypingSweep     time.Duration
	ScrollThreshold float64
	Now             func() time.Time
}

type updateSub struct {
	id int
	fn func(Update)
}

// Engine owns the Session of the conversation currently on screen.
type Engine struct {
	svc  Service
	rt   Realtime
	opts Options

	mu      sync.Mutex
	current *Session
	subs    []updateSub
	nextID  int

	unsubStatus func()
}

func NewEngine(svc Service, rt Realtime, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TypingSweep <= 0 {
		opts.TypingSweep = time.Second
	}
	if opts.ScrollThreshold <= 0 {
		opts.ScrollThreshold = viewport.DefaultThreshold
	}
	e := &Engine{svc: svc, rt: rt, opts: opts}
	e.unsubStatus = rt.OnStatus(func(st realtime.Status) {
		e.publish(Update{Type: UpdateStatus, Status: &st})
	})
	return e
}

// Open switches to conversationID. The previous Session is closed first: its
// handlers are removed, the conversation is left, typing state is dropped and
// in-flight results are discarded. Opening the current conversation again
// returns the existing Session. A failed first page load is returned together
// with the Session, which stays open so the caller can retry Load.
func (e *Engine) Open(ctx context.Context, conversationID string) (*Session, error) {
	e.mu.Lock()
	if cur := e.current; cur != nil && cur.ID() == conversationID {
		e.mu.Unlock()
		return cur, nil
	}
	e.mu.Unlock()

	conv := model.Conversation{ID: conversationID}
	if c, err := e.svc.GetConversation(ctx, conversationID); err != nil {
		logger.Errorf("chat: get conversation %s: %v", conversationID, err)
	} else if c != nil {
		conv = *c
	}

	s := e.newSession(conv)

	e.mu.Lock()
	old := e.current
	e.current = s
	e.mu.Unlock()
	if old != nil {
		old.close()
	}

	s.start(e.opts.TypingSweep)
	logger.Infof("chat: opened conversation %s", conversationID)
	return s, s.Timeline.Load(ctx, 1)
}

func (e *Engine) newSession(conv model.Conversation) *Session {
	topts := []timeline.Option{
		timeline.WithClock(e.opts.Now),
		timeline.WithPageSize(e.opts.PageSize),
	}
	if p := conv.Opponent(e.opts.UserID); p != "" {
		topts = append(topts, timeline.WithRecipient(p))
	}
	return &Session{
		Conversation: conv,
		Timeline:     timeline.New(conv.ID, e.opts.UserID, e.svc, topts...),
		Typing:       typing.NewAggregator(e.opts.UserID, e.opts.TypingSilence, typing.WithClock(e.opts.Now)),
		Emitter:      typing.NewEmitter(conv.ID, e.rt, e.opts.TypingIdle),
		Viewport:     viewport.New(e.opts.ScrollThreshold),
		userID:       e.opts.UserID,
		rt:           e.rt,
		publish:      e.publish,
		now:          e.opts.Now,
	}
}

// Current returns the open Session or nil.
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Session returns the Session of conversationID if it is the open one.
func (e *Engine) Session(conversationID string) (*Session, error) {
	s := e.Current()
	if s == nil || s.ID() != conversationID {
		return nil, ErrNoSession
	}
	return s, nil
}

// CloseSession closes the open Session without opening another one.
func (e *Engine) CloseSession() {
	e.mu.Lock()
	s := e.current
	e.current = nil
	e.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Subscribe registers fn for every Update. The returned func removes it.
func (e *Engine) Subscribe(fn func(Update)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, updateSub{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) publish(u Update) {
	e.mu.Lock()
	subs := make([]updateSub, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(u)
	}
}

// Status is the realtime channel status.
func (e *Engine) Status() realtime.Status { return e.rt.Status() }

func (e *Engine) Close() {
	e.CloseSession()
	if e.unsubStatus != nil {
		e.unsubStatus()
	}
}
