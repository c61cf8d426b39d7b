// Package chat wires the engine parts together for the open conversation: the
// timeline, typing state and viewport of one Session, and the Engine that
// switches Sessions when the user opens another conversation.
package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatsync/internal/attachment"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/timeline"
	"github.com/chatsync/internal/typing"
	"github.com/chatsync/internal/viewport"
)

// Realtime is the part of *realtime.Manager a Session uses.
type Realtime interface {
	Join(conversationID string)
	Leave(conversationID string)
	OnNewMessage(fn func(realtime.Event)) func()
	OnTyping(fn func(realtime.Event)) func()
	OnMessageRead(fn func(realtime.Event)) func()
	OnMessageEdited(fn func(realtime.Event)) func()
	OnMessageDeleted(fn func(realtime.Event)) func()
	OnStatus(fn func(realtime.Status)) func()
	SendTyping(conversationID string, typing bool) error
	Status() realtime.Status
}

type UpdateType string

const (
	UpdateTimeline UpdateType = "timeline"
	UpdateTyping   UpdateType = "typing"
	UpdateViewport UpdateType = "viewport"
	UpdateStatus   UpdateType = "status"
)

// Update is pushed to UI subscribers of the Engine.
type Update struct {
	Type           UpdateType       `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Change         *timeline.Change `json:"change,omitempty"`
	Message        *model.Message   `json:"message,omitempty"`
	Typing         []string         `json:"typing,omitempty"`
	Viewport       *viewport.Action `json:"viewport,omitempty"`
	Status         *realtime.Status `json:"status,omitempty"`
}

// Session is one open conversation.
type Session struct {
	Conversation model.Conversation
	Timeline     *timeline.Store
	Typing       *typing.Aggregator
	Emitter      *typing.Emitter
	Viewport     *viewport.Controller

	userID  string
	rt      Realtime
	publish func(Update)
	now     func() time.Time

	unsubs    []func()
	cancel    context.CancelFunc
	closeOnce sync.Once
	loading   atomic.Bool
}

func (s *Session) ID() string { return s.Conversation.ID }

// start joins the conversation and routes channel events into the session.
func (s *Session) start(sweepEvery time.Duration) {
	id := s.ID()
	mine := func(fn func(realtime.Event)) func(realtime.Event) {
		return func(ev realtime.Event) {
			if ev.ConversationID == id {
				fn(ev)
			}
		}
	}

	s.unsubs = append(s.unsubs,
		s.Timeline.Subscribe(s.onTimelineChange),
		s.rt.OnNewMessage(mine(func(ev realtime.Event) {
			if ev.Message != nil {
				s.Timeline.OnInboundMessage(*ev.Message)
			}
			s.Typing.Handle(ev)
		})),
		s.rt.OnTyping(mine(s.Typing.Handle)),
		s.rt.OnMessageRead(mine(s.onRead)),
		s.rt.OnMessageEdited(mine(func(ev realtime.Event) {
			s.Timeline.OnMessageEdited(ev.MessageID, ev.Content, ev.At)
		})),
		s.rt.OnMessageDeleted(mine(func(ev realtime.Event) {
			s.Timeline.OnMessageDeleted(ev.MessageID)
		})),
	)
	s.Typing.OnChange(func(users []string) {
		s.publish(Update{Type: UpdateTyping, ConversationID: id, Typing: users})
	})
	s.rt.Join(id)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.Typing.Run(ctx, sweepEvery)
}

func (s *Session) onRead(ev realtime.Event) {
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	if ev.MessageID != "" {
		s.Timeline.OnReadReceipt(ev.MessageID, at)
		return
	}
	s.Timeline.OnConversationRead(ev.UserID, at)
}

func (s *Session) onTimelineChange(ch timeline.Change) {
	act := s.Viewport.OnChange(ch)
	u := Update{Type: UpdateTimeline, ConversationID: s.ID(), Change: &ch}
	if ch.Kind != timeline.ChangeRemove && ch.Kind != timeline.ChangeReset && ch.Kind != timeline.ChangePrepend {
		if m, ok := s.Timeline.Get(ch.MessageID); ok {
			u.Message = &m
		}
	}
	if act != (viewport.Action{}) {
		u.Viewport = &act
	}
	s.publish(u)
}

// SendText stops the local typing indicator and sends.
func (s *Session) SendText(ctx context.Context, content string, opts ...timeline.SendOption) (*model.Message, error) {
	s.Emitter.Sent()
	return s.Timeline.SendText(ctx, content, opts...)
}

func (s *Session) SendFile(ctx context.Context, p *attachment.Payload, caption string, opts ...timeline.SendOption) (*model.Message, error) {
	s.Emitter.Sent()
	return s.Timeline.SendFile(ctx, p, caption, opts...)
}

// LoadOlder loads the next history page, recording contentHeight so the UI can
// restore its anchor with EndPrepend once the new rows are rendered. Only one
// load runs at a time; a concurrent call returns false.
func (s *Session) LoadOlder(ctx context.Context, contentHeight float64) (bool, error) {
	if !s.loading.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.loading.Store(false)
	if !s.Timeline.HasMore() {
		return false, nil
	}
	s.Viewport.BeginPrepend(contentHeight)
	if err := s.Timeline.LoadOlder(ctx); err != nil {
		s.Viewport.EndPrepend(contentHeight, 0)
		return false, err
	}
	return true, nil
}

// Scroll applies a scroll report from the UI. The first report after an older
// page was merged restores the reading position; a report near the top starts
// loading the next page in the background.
func (s *Session) Scroll(m viewport.Metrics) (viewport.State, viewport.Action) {
	var act viewport.Action
	if s.Viewport.Prepending() && !s.loading.Load() {
		act = s.Viewport.EndPrepend(m.ContentHeight, m.ScrollTop)
		if act.ScrollTop != nil {
			m.ScrollTop = *act.ScrollTop
		}
	}
	st := s.Viewport.OnScroll(m)
	if s.Viewport.ShouldLoadOlder(m, s.Timeline.HasMore(), s.loading.Load()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.LoadOlder(ctx, m.ContentHeight); err != nil {
				logger.Errorf("chat: load older %s: %v", s.ID(), err)
			}
		}()
	}
	return st, act
}

// MarkVisibleRead marks every peer message that is not read yet.
func (s *Session) MarkVisibleRead(ctx context.Context) {
	for _, m := range s.Timeline.Snapshot() {
		if m.SenderID != s.userID && !m.IsTemp() && m.Status != model.MessageStatusRead {
			s.Timeline.MarkAsRead(ctx, m.ID)
		}
	}
}

func (s *Session) Keystroke() { s.Emitter.Keystroke() }

// close leaves the conversation and abandons everything in flight.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		for _, u := range s.unsubs {
			u()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.Emitter.Close()
		s.rt.Leave(s.ID())
		s.Typing.OnChange(nil)
		s.Typing.Reset()
		s.Viewport.Reset()
		s.Timeline.Close()
		logger.Debugf("chat: session %s closed", s.ID())
	})
}
