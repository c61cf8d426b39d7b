package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/timeline"
	"github.com/chatsync/internal/viewport"
)

const (
	me   = "u-me"
	peer = "u-peer"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	mu      sync.Mutex
	convErr error
	history map[string][]*model.History // by conversation, index = page-1
	sent    []api.SendRequest
	reads   []string
}

func (f *fakeService) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if f.convErr != nil {
		return nil, f.convErr
	}
	return &model.Conversation{ID: id, Type: model.ConversationTypeDirect, Participants: []string{me, peer}}, nil
}

func (f *fakeService) FetchHistory(ctx context.Context, id string, page, pageSize int) (*model.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.history[id]
	if page-1 >= len(pages) {
		return &model.History{}, nil
	}
	return pages[page-1], nil
}

func (f *fakeService) SendMessage(ctx context.Context, id string, req api.SendRequest) (*model.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	n := len(f.sent)
	f.mu.Unlock()
	return &model.Message{
		ID:             "srv" + string(rune('0'+n)),
		ConversationID: id,
		SenderID:       me,
		Type:           req.Type,
		Content:        req.Content,
		Status:         model.MessageStatusSent,
		CreatedAt:      base.Add(time.Hour),
		Metadata:       req.Metadata,
	}, nil
}

func (f *fakeService) SendFileMessage(ctx context.Context, id string, up api.FileUpload) (*model.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeService) MarkMessageRead(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, messageID)
	return nil
}

type fakeRealtime struct {
	mu       sync.Mutex
	nextID   int
	handlers map[realtime.EventType]map[int]func(realtime.Event)
	statuses map[int]func(realtime.Status)
	joins    []string
	leaves   []string
	typing   []bool
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		handlers: make(map[realtime.EventType]map[int]func(realtime.Event)),
		statuses: make(map[int]func(realtime.Status)),
	}
}

func (r *fakeRealtime) on(fn func(realtime.Event), types ...realtime.EventType) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	for _, t := range types {
		if r.handlers[t] == nil {
			r.handlers[t] = make(map[int]func(realtime.Event))
		}
		r.handlers[t][id] = fn
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, t := range types {
			delete(r.handlers[t], id)
		}
	}
}

func (r *fakeRealtime) OnNewMessage(fn func(realtime.Event)) func() {
	return r.on(fn, realtime.EventNewMessage)
}
func (r *fakeRealtime) OnTyping(fn func(realtime.Event)) func() {
	return r.on(fn, realtime.EventTypingStart, realtime.EventTypingStop)
}
func (r *fakeRealtime) OnMessageRead(fn func(realtime.Event)) func() {
	return r.on(fn, realtime.EventMessageRead)
}
func (r *fakeRealtime) OnMessageEdited(fn func(realtime.Event)) func() {
	return r.on(fn, realtime.EventMessageEdited)
}
func (r *fakeRealtime) OnMessageDeleted(fn func(realtime.Event)) func() {
	return r.on(fn, realtime.EventMessageDeleted)
}

func (r *fakeRealtime) OnStatus(fn func(realtime.Status)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.statuses[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.statuses, id)
	}
}

func (r *fakeRealtime) Join(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins = append(r.joins, id)
}

func (r *fakeRealtime) Leave(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, id)
}

func (r *fakeRealtime) SendTyping(id string, typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, typing)
	return nil
}

func (r *fakeRealtime) Status() realtime.Status {
	return realtime.Status{State: realtime.StatePush, PushActive: true}
}

func (r *fakeRealtime) emit(ev realtime.Event) {
	r.mu.Lock()
	var fns []func(realtime.Event)
	for _, fn := range r.handlers[ev.Type] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *fakeRealtime) setStatus(st realtime.Status) {
	r.mu.Lock()
	var fns []func(realtime.Status)
	for _, fn := range r.statuses {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (r *fakeRealtime) handlerCount(t realtime.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[t])
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) add(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) ofType(t UpdateType) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, u := range r.updates {
		if u.Type == t {
			out = append(out, u)
		}
	}
	return out
}

func msg(conv, id, sender string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Type:           model.ContentTypeText,
		Content:        "msg " + id,
		Status:         model.MessageStatusDelivered,
		CreatedAt:      at,
	}
}

func newTestEngine(t *testing.T, svc *fakeService) (*Engine, *fakeRealtime, *recorder) {
	t.Helper()
	rt := newFakeRealtime()
	e := NewEngine(svc, rt, Options{UserID: me, PageSize: 2, TypingSweep: time.Hour, Now: func() time.Time { return base.Add(2 * time.Hour) }})
	rec := &recorder{}
	e.Subscribe(rec.add)
	t.Cleanup(e.Close)
	return e, rt, rec
}

func TestOpenLoadsAndJoins(t *testing.T) {
	svc := &fakeService{history: map[string][]*model.History{
		"c1": {{Messages: []model.Message{msg("c1", "m2", peer, base.Add(time.Minute)), msg("c1", "m1", peer, base)}, HasMore: true}},
	}}
	e, rt, rec := newTestEngine(t, svc)

	s, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, rt.joins)
	assert.Equal(t, 2, s.Timeline.Len())
	assert.True(t, s.Timeline.HasMore())

	tl := rec.ofType(UpdateTimeline)
	require.Len(t, tl, 1)
	assert.Equal(t, timeline.ChangeReset, tl[0].Change.Kind)
	require.NotNil(t, tl[0].Viewport)
	assert.True(t, tl[0].Viewport.ScrollToBottom)
	assert.False(t, tl[0].Viewport.Smooth)

	again, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Len(t, rt.joins, 1)
}

func TestOpenWithoutConversationDetails(t *testing.T) {
	svc := &fakeService{convErr: errors.New("boom")}
	e, _, _ := newTestEngine(t, svc)

	s, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", s.ID())
	assert.Empty(t, s.Conversation.Participants)
}

func TestEventsRoutedToOpenConversation(t *testing.T) {
	svc := &fakeService{}
	e, rt, rec := newTestEngine(t, svc)
	s, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)

	rt.emit(realtime.Event{Type: realtime.EventTypingStart, ConversationID: "c1", UserID: peer})
	assert.Equal(t, []string{peer}, s.Typing.Typing())
	require.Len(t, rec.ofType(UpdateTyping), 1)

	m := msg("c1", "m1", peer, base)
	rt.emit(realtime.Event{Type: realtime.EventNewMessage, ConversationID: "c1", UserID: peer, MessageID: "m1", Message: &m})
	other := msg("c2", "x1", peer, base)
	rt.emit(realtime.Event{Type: realtime.EventNewMessage, ConversationID: "c2", UserID: peer, MessageID: "x1", Message: &other})

	assert.Equal(t, 1, s.Timeline.Len())
	assert.Empty(t, s.Typing.Typing(), "a new message ends the sender's typing")

	rt.emit(realtime.Event{Type: realtime.EventMessageEdited, ConversationID: "c1", MessageID: "m1", Content: "fixed", At: base.Add(time.Minute)})
	got, ok := s.Timeline.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "fixed", got.Content)

	rt.emit(realtime.Event{Type: realtime.EventMessageDeleted, ConversationID: "c1", MessageID: "m1"})
	got, _ = s.Timeline.Get("m1")
	assert.True(t, got.IsDeleted)
}

func TestReadReceiptsApplied(t *testing.T) {
	svc := &fakeService{}
	e, rt, _ := newTestEngine(t, svc)
	s, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)

	for _, id := range []string{"o1", "o2"} {
		m := msg("c1", id, me, base)
		m.Status = model.MessageStatusSent
		s.Timeline.OnInboundMessage(m)
	}

	rt.emit(realtime.Event{Type: realtime.EventMessageRead, ConversationID: "c1", MessageID: "o1", UserID: peer})
	got, _ := s.Timeline.Get("o1")
	assert.Equal(t, model.MessageStatusRead, got.Status)
	require.NotNil(t, got.ReadAt)
	assert.Equal(t, base.Add(2*time.Hour), *got.ReadAt)

	got, _ = s.Timeline.Get("o2")
	assert.Equal(t, model.MessageStatusSent, got.Status)

	rt.emit(realtime.Event{Type: realtime.EventMessageRead, ConversationID: "c1", UserID: peer, At: base.Add(3 * time.Hour)})
	got, _ = s.Timeline.Get("o2")
	assert.Equal(t, model.MessageStatusRead, got.Status)
}

func TestSwitchClosesPreviousSession(t *testing.T) {
	svc := &fakeService{}
	e, rt, rec := newTestEngine(t, svc)

	first, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)
	rt.emit(realtime.Event{Type: realtime.EventTypingStart, ConversationID: "c1", UserID: peer})
	require.Equal(t, []string{peer}, first.Typing.Typing())

	second, err := e.Open(testContext(t), "c2")
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2"}, rt.joins)
	assert.Equal(t, []string{"c1"}, rt.leaves)
	assert.Empty(t, first.Typing.Typing())
	assert.Equal(t, 1, rt.handlerCount(realtime.EventNewMessage))
	assert.Equal(t, 1, rt.handlerCount(realtime.EventTypingStart))

	_, err = first.Timeline.SendText(testContext(t), "late")
	assert.ErrorIs(t, err, timeline.ErrClosed)

	cur, err := e.Session("c2")
	require.NoError(t, err)
	assert.Same(t, second, cur)
	_, err = e.Session("c1")
	assert.ErrorIs(t, err, ErrNoSession)

	for _, u := range rec.ofType(UpdateTyping) {
		assert.Equal(t, "c1", u.ConversationID)
	}
}

func TestSendTextStopsTyping(t *testing.T) {
	svc := &fakeService{}
	e, rt, rec := newTestEngine(t, svc)
	s, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)

	s.Keystroke()
	assert.True(t, s.Emitter.Active())

	m, err := s.SendText(testContext(t), "hello", timeline.ReplyTo("m0"))
	require.NoError(t, err)
	assert.Equal(t, "srv1", m.ID)
	assert.Equal(t, []bool{true, false}, rt.typing)
	require.Len(t, svc.sent, 1)
	require.NotNil(t, svc.sent[0].ReplyToID)
	assert.Equal(t, "m0", *svc.sent[0].ReplyToID)

	var kinds []timeline.ChangeKind
	for _, u := range rec.ofType(UpdateTimeline) {
		kinds = append(kinds, u.Change.Kind)
	}
	assert.Equal(t, []timeline.ChangeKind{timeline.ChangeReset, timeline.ChangeAppend, timeline.ChangeReplace}, kinds)
}

func TestLoadOlderKeepsAnchor(t *testing.T) {
	svc := &fakeService{history: map[string][]*model.History{
		"c1": {
			{Messages: []model.Message{msg("c1", "m3", peer, base.Add(2*time.Minute)), msg("c1", "m2", peer, base.Add(time.Minute))}, HasMore: true},
			{Messages: []model.Message{msg("c1", "m1", peer, base)}},
		},
	}}
	e, _, _ := newTestEngine(t, svc)
	s, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)

	loaded, err := s.LoadOlder(testContext(t), 1000)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 3, s.Timeline.Len())
	assert.False(t, s.Timeline.HasMore())
	assert.True(t, s.Viewport.Prepending())

	act := s.Viewport.EndPrepend(1600, 20)
	require.NotNil(t, act.ScrollTop)
	assert.InDelta(t, 620, *act.ScrollTop, 0.001)

	loaded, err = s.LoadOlder(testContext(t), 1600)
	require.NoError(t, err)
	assert.False(t, loaded, "nothing more to load")
}

func TestStatusUpdatesPublished(t *testing.T) {
	e, rt, rec := newTestEngine(t, &fakeService{})
	rt.setStatus(realtime.Status{State: realtime.StatePoll, PollActive: true})

	st := rec.ofType(UpdateStatus)
	require.Len(t, st, 1)
	assert.Equal(t, realtime.StatePoll, st[0].Status.State)
	assert.Equal(t, realtime.StatePush, e.Status().State)
}

func TestScrollNearTopLoadsOlderAndRestoresAnchor(t *testing.T) {
	svc := &fakeService{history: map[string][]*model.History{
		"c1": {
			{Messages: []model.Message{msg("c1", "m3", peer, base.Add(2*time.Minute)), msg("c1", "m2", peer, base.Add(time.Minute))}, HasMore: true},
			{Messages: []model.Message{msg("c1", "m1", peer, base)}},
		},
	}}
	e, _, _ := newTestEngine(t, svc)
	s, err := e.Open(testContext(t), "c1")
	require.NoError(t, err)

	st, act := s.Scroll(viewport.Metrics{ScrollTop: 20, ViewportHeight: 400, ContentHeight: 1000})
	assert.False(t, st.AutoScroll)
	assert.Nil(t, act.ScrollTop)

	require.Eventually(t, func() bool {
		return s.Timeline.Len() == 3 && !s.loading.Load()
	}, time.Second, 5*time.Millisecond)

	// first report after the rows were rendered
	_, act = s.Scroll(viewport.Metrics{ScrollTop: 20, ViewportHeight: 400, ContentHeight: 1600})
	require.NotNil(t, act.ScrollTop)
	assert.InDelta(t, 620, *act.ScrollTop, 0.001)
	assert.False(t, s.Viewport.Prepending())
}
