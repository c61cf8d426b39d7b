// Package realtime owns the single live-update connection of the client. Events
// arrive over a WebSocket push channel; while it is down the Manager polls
// history for every joined conversation and synthesizes the same events.
package realtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StatePush         State = "push"
	StatePoll         State = "poll"
	StateClosed       State = "closed"
)

var (
	ErrNotJoined      = errors.New("realtime: conversation not joined")
	ErrPushInactive   = errors.New("realtime: push channel inactive")
	ErrAlreadyStarted = errors.New("realtime: already started")
	ErrManagerClosed  = errors.New("realtime: closed")
)

// Status is the transport summary read by the UI.
type Status struct {
	State      State `json:"state"`
	PushActive bool  `json:"push_active"`
	PollActive bool  `json:"poll_active"`
	// Unreachable is set when push is down and the last poll cycle failed too.
	Unreachable bool `json:"unreachable"`
}

type Options struct {
	PollInterval    time.Duration
	PushRetryMin    time.Duration
	PushRetryMax    time.Duration
	TypingPerSecond float64
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PushRetryMin <= 0 {
		o.PushRetryMin = time.Second
	}
	if o.PushRetryMax < o.PushRetryMin {
		o.PushRetryMax = 30 * o.PushRetryMin
	}
	if o.TypingPerSecond <= 0 {
		o.TypingPerSecond = 0.5
	}
}

type handler struct {
	id int
	fn func(Event)
}

type statusSub struct {
	id int
	fn func(Status)
}

type Manager struct {
	transport Transport
	poller    Poller
	opts      Options

	mu          sync.Mutex
	state       State
	unreachable bool
	conn        Conn
	connected   int
	joined      map[string]int
	handlers    map[EventType][]handler
	statusSubs  []statusSub
	nextID      int
	limiters    map[string]*rate.Limiter
	seen        map[string]map[string]seenMsg

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. transport may be nil, in which case the
// Manager only polls.
func NewManager(transport Transport, poller Poller, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		transport: transport,
		poller:    poller,
		opts:      opts,
		state:     StateDisconnected,
		joined:    make(map[string]int),
		handlers:  make(map[EventType][]handler),
		limiters:  make(map[string]*rate.Limiter),
		seen:      make(map[string]map[string]seenMsg),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the connection loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrManagerClosed
	}
	if m.done != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
	return nil
}

// Close stops the loop, drops the connection and waits for the loop to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	cancel, done, conn := m.cancel, m.done, m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	m.setState(StateClosed)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	if m.transport == nil {
		m.setState(StatePoll)
		m.pollUntil(ctx)
		return
	}

	// poll fallback keeps delivering while a reconnect is being dialled
	var stopPoll func()
	startPoll := func() {
		if stopPoll != nil {
			return
		}
		pctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			m.pollUntil(pctx)
		}()
		stopPoll = func() {
			cancel()
			<-done
			stopPoll = nil
		}
	}
	defer func() {
		if stopPoll != nil {
			stopPoll()
		}
	}()

	backoff := m.opts.PushRetryMin
	for ctx.Err() == nil {
		if m.State() != StatePoll {
			m.setState(StateConnecting)
		}
		conn, err := m.transport.Connect(ctx)
		if err == nil {
			m.onConnected(ctx, conn)
			if stopPoll != nil {
				stopPoll()
			}
			m.pump(ctx, conn)
			m.onDisconnected(conn)
			backoff = m.opts.PushRetryMin
			if ctx.Err() != nil {
				return
			}
		} else if ctx.Err() == nil {
			logger.Errorf("realtime: push connect: %v (retry in %s)", err, backoff)
		}
		if ctx.Err() != nil {
			return
		}

		m.setState(StatePoll)
		startPoll()
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
		backoff = min(backoff*2, m.opts.PushRetryMax)
	}
}

func (m *Manager) onConnected(ctx context.Context, conn Conn) {
	m.mu.Lock()
	wasPolling := m.state == StatePoll
	m.conn = conn
	m.connected++
	reconnect := m.connected > 1
	ids := m.joinedLocked()
	m.mu.Unlock()

	if reconnect {
		metrics.PushReconnects.Inc()
	}
	for _, id := range ids {
		if err := conn.Send(Frame{Type: EventJoin, Payload: ConversationPayload{ConversationID: id}}); err != nil {
			logger.Errorf("realtime: rejoin %s: %v", id, err)
		}
	}
	m.setState(StatePush)
	logger.Infof("realtime: push channel up (joined=%d)", len(ids))

	// events that arrived between the last poll and the subscription
	if wasPolling {
		m.pollOnce(ctx)
	}
}

func (m *Manager) onDisconnected(conn Conn) {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	logger.Infof("realtime: push channel down")
}

func (m *Manager) pump(ctx context.Context, conn Conn) {
	in := conn.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			ev, err := decode(env)
			if err != nil {
				logger.Errorf("realtime: %v", err)
				continue
			}
			ev.Source = "push"
			m.deliver(ev)
		}
	}
}

// pollUntil polls immediately and then every PollInterval until ctx is done.
func (m *Manager) pollUntil(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.pollOnce(ctx)
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	if m.poller == nil {
		return
	}
	m.mu.Lock()
	ids := m.joinedLocked()
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	failed := 0
	for _, id := range ids {
		msgs, err := m.poller.Poll(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed++
			logger.Errorf("realtime: poll %s: %v", id, err)
			continue
		}
		m.mu.Lock()
		var events []Event
		if m.joined[id] > 0 {
			events = m.diffLocked(id, msgs)
		}
		m.mu.Unlock()
		for _, ev := range events {
			m.deliver(ev)
		}
	}

	result := "ok"
	if failed > 0 {
		result = "error"
	}
	metrics.PollCycles.WithLabelValues(result).Inc()
	m.mu.Lock()
	changed := m.unreachable != (failed == len(ids))
	m.unreachable = failed == len(ids)
	m.mu.Unlock()
	if changed {
		m.notifyStatus()
	}
}

// deliver filters events for conversations that are not joined and calls the
// handlers for ev.Type in registration order.
func (m *Manager) deliver(ev Event) {
	m.mu.Lock()
	if ev.ConversationID != "" && m.joined[ev.ConversationID] == 0 {
		m.mu.Unlock()
		logger.Debugf("realtime: %s for unjoined %s dropped", ev.Type, ev.ConversationID)
		return
	}
	if ev.Source == "push" {
		m.observeLocked(ev)
	}
	hs := slices.Clone(m.handlers[ev.Type])
	m.mu.Unlock()

	metrics.Events.WithLabelValues(string(ev.Type), ev.Source).Inc()
	for _, h := range hs {
		h.fn(ev)
	}
}

// On registers fn for events of type t and returns a func that removes it.
func (m *Manager) On(t EventType, fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[t] = append(m.handlers[t], handler{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers[t] = slices.DeleteFunc(m.handlers[t], func(h handler) bool { return h.id == id })
	}
}

func (m *Manager) OnNewMessage(fn func(Event)) func() { return m.On(EventNewMessage, fn) }

func (m *Manager) OnMessageRead(fn func(Event)) func() { return m.On(EventMessageRead, fn) }

func (m *Manager) OnMessageEdited(fn func(Event)) func() { return m.On(EventMessageEdited, fn) }

func (m *Manager) OnMessageDeleted(fn func(Event)) func() { return m.On(EventMessageDeleted, fn) }

// OnTyping registers fn for both typing_start and typing_stop.
func (m *Manager) OnTyping(fn func(Event)) func() {
	start := m.On(EventTypingStart, fn)
	stop := m.On(EventTypingStop, fn)
	return func() {
		start()
		stop()
	}
}

// OnStatus registers fn for transport status changes.
func (m *Manager) OnStatus(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.statusSubs = append(m.statusSubs, statusSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.statusSubs = slices.DeleteFunc(m.statusSubs, func(s statusSub) bool { return s.id == id })
	}
}

// Join subscribes to a conversation. Joins are reference counted; the join
// frame goes out only for the first one and again after every reconnect.
func (m *Manager) Join(conversationID string) {
	m.mu.Lock()
	m.joined[conversationID]++
	first := m.joined[conversationID] == 1
	conn := m.conn
	polling := m.state == StatePoll
	m.mu.Unlock()

	if !first {
		return
	}
	if conn != nil {
		if err := conn.Send(Frame{Type: EventJoin, Payload: ConversationPayload{ConversationID: conversationID}}); err != nil {
			logger.Errorf("realtime: join %s: %v", conversationID, err)
		}
	}
	if polling {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Leave drops one reference. The last one sends the leave frame and forgets
// the conversation's poll state.
func (m *Manager) Leave(conversationID string) {
	m.mu.Lock()
	n, ok := m.joined[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if n > 1 {
		m.joined[conversationID] = n - 1
		m.mu.Unlock()
		return
	}
	delete(m.joined, conversationID)
	delete(m.seen, conversationID)
	delete(m.limiters, conversationID)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Send(Frame{Type: EventLeave, Payload: ConversationPayload{ConversationID: conversationID}}); err != nil {
			logger.Errorf("realtime: leave %s: %v", conversationID, err)
		}
	}
}

// Joined reports the reference count for a conversation.
func (m *Manager) Joined(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined[conversationID]
}

// SendTyping emits typing_start or typing_stop over the push channel.
// typing_start is throttled per conversation; a throttled call returns nil.
// Typing is not sent while polling.
func (m *Manager) SendTyping(conversationID string, typing bool) error {
	m.mu.Lock()
	if m.joined[conversationID] == 0 {
		m.mu.Unlock()
		return ErrNotJoined
	}
	conn := m.conn
	if conn == nil || m.state != StatePush {
		m.mu.Unlock()
		return ErrPushInactive
	}
	t := EventTypingStop
	if typing {
		t = EventTypingStart
		lim, ok := m.limiters[conversationID]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(m.opts.TypingPerSecond), 1)
			m.limiters[conversationID] = lim
		}
		if !lim.Allow() {
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()
	return conn.Send(Frame{Type: t, Payload: TypingPayload{ConversationID: conversationID}})
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:       m.state,
		PushActive:  m.state == StatePush,
		PollActive:  m.state == StatePoll,
		Unreachable: m.state == StatePoll && m.unreachable,
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	if s != StatePoll {
		m.unreachable = false
	}
	m.mu.Unlock()

	for _, mode := range []State{StatePush, StatePoll} {
		v := 0.0
		if s == mode {
			v = 1
		}
		metrics.TransportActive.WithLabelValues(string(mode)).Set(v)
	}
	logger.Debugf("realtime: %s -> %s", prev, s)
	m.notifyStatus()
}

func (m *Manager) notifyStatus() {
	m.mu.Lock()
	st := m.statusLocked()
	subs := slices.Clone(m.statusSubs)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.fn(st)
	}
}

func (m *Manager) joinedLocked() []string {
	ids := make([]string, 0, len(m.joined))
	for id := range m.joined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
