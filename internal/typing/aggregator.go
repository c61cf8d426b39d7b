// Package typing turns typing_start/typing_stop events into the set of peers
// shown as typing, and emits the local user's own typing signals.
package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/chatsync/internal/realtime"
)

const DefaultSilence = 3 * time.Second

type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator holds the typing state of one conversation. A start without a
// matching stop expires after the silence window.
type Aggregator struct {
	selfID  string
	silence time.Duration
	now     func() time.Time

	mu       sync.Mutex
	typing   map[string]time.Time
	onChange func([]string)
}

func NewAggregator(selfID string, silence time.Duration, opts ...Option) *Aggregator {
	if silence <= 0 {
		silence = DefaultSilence
	}
	a := &Aggregator{
		selfID:  selfID,
		silence: silence,
		now:     time.Now,
		typing:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnChange sets the callback invoked with the new set whenever it changes.
func (a *Aggregator) OnChange(fn func(users []string)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

func (a *Aggregator) Start(userID string) {
	a.update(func() {
		if userID != "" && userID != a.selfID {
			a.typing[userID] = a.now()
		}
	})
}

func (a *Aggregator) Stop(userID string) {
	a.update(func() { delete(a.typing, userID) })
}

// Handle applies a typing event from the channel manager.
func (a *Aggregator) Handle(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventTypingStart:
		a.Start(ev.UserID)
	case realtime.EventTypingStop:
		a.Stop(ev.UserID)
	case realtime.EventNewMessage:
		// a message ends that sender's typing
		a.Stop(ev.UserID)
	}
}

// Sweep drops entries older than the silence window.
func (a *Aggregator) Sweep() {
	a.update(func() {})
}

// Reset clears everything, e.g. when the conversation changes.
func (a *Aggregator) Reset() {
	a.update(func() { clear(a.typing) })
}

// Typing returns the peers currently typing, sorted.
func (a *Aggregator) Typing() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked()
	return a.setLocked()
}

// Run sweeps on every tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Sweep()
		}
	}
}

// update sweeps, applies fn and reports the new set if it differs.
func (a *Aggregator) update(fn func()) {
	a.mu.Lock()
	before := a.setLocked()
	a.sweepLocked()
	fn()
	after := a.setLocked()
	cb := a.onChange
	a.mu.Unlock()

	if cb != nil && !slices.Equal(before, after) {
		cb(after)
	}
}

func (a *Aggregator) sweepLocked() {
	now := a.now()
	for id, at := range a.typing {
		if now.Sub(at) >= a.silence {
			delete(a.typing, id)
		}
	}
}

func (a *Aggregator) setLocked() []string {
	out := make([]string, 0, len(a.typing))
	for id := range a.typing {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
