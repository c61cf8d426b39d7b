// Package viewport decides when the message list follows new content and when
// it keeps the reader's position, and drives loading of older history.
package viewport

import (
	"strings"
	"sync"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/timeline"
)

const DefaultThreshold = 100

// Metrics is a scroll position report from the UI, in pixels.
type Metrics struct {
	ScrollTop      float64 `json:"scroll_top" validate:"gte=0"`
	ViewportHeight float64 `json:"viewport_height" validate:"gte=0"`
	ContentHeight  float64 `json:"content_height" validate:"gte=0"`
}

// DistanceFromBottom is how far the viewport's bottom edge is from the end of the content.
func (m Metrics) DistanceFromBottom() float64 {
	d := m.ContentHeight - (m.ScrollTop + m.ViewportHeight)
	if d < 0 {
		return 0
	}
	return d
}

// Action tells the UI what to do after an event. The zero value means nothing.
type Action struct {
	ScrollToBottom bool `json:"scroll_to_bottom,omitempty"`
	Smooth         bool `json:"smooth,omitempty"`
	// ScrollTop is an absolute offset to restore after older messages were prepended.
	ScrollTop *float64 `json:"scroll_top,omitempty"`
}

// State is what the UI renders besides the list itself.
type State struct {
	AutoScroll bool `json:"auto_scroll"`
	ShowJump   bool `json:"show_jump"`
	// Unseen counts messages that arrived while the reader was scrolled away.
	Unseen int `json:"unseen"`
}

type Controller struct {
	threshold float64

	mu           sync.Mutex
	autoScroll   bool
	unseen       int
	loaded       bool
	prepending   bool
	heightBefore float64
}

func New(threshold float64) *Controller {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Controller{threshold: threshold, autoScroll: true}
}

// OnScroll updates auto-scroll from the current position.
func (c *Controller) OnScroll(m Metrics) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoScroll = m.DistanceFromBottom() <= c.threshold
	if c.autoScroll {
		c.unseen = 0
	}
	return c.stateLocked()
}

// OnChange reacts to a timeline mutation.
func (c *Controller) OnChange(ch timeline.Change) Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ch.Kind {
	case timeline.ChangeReset:
		if !c.loaded {
			c.loaded = true
			c.autoScroll = true
			c.unseen = 0
			return Action{ScrollToBottom: true}
		}
		if c.autoScroll {
			return Action{ScrollToBottom: true}
		}
	case timeline.ChangeAppend:
		// a local send re-enables following
		if ch.Own && strings.HasPrefix(ch.MessageID, model.TempIDPrefix) {
			c.autoScroll = true
			c.unseen = 0
		}
		if c.autoScroll {
			return Action{ScrollToBottom: true, Smooth: true}
		}
		c.unseen++
	case timeline.ChangeReplace:
		if c.autoScroll {
			return Action{ScrollToBottom: true, Smooth: true}
		}
	}
	return Action{}
}

// OnLocalSend re-enables auto-scroll whatever the position.
func (c *Controller) OnLocalSend() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoScroll = true
	c.unseen = 0
	return Action{ScrollToBottom: true, Smooth: true}
}

// JumpToLatest is the jump-back affordance.
func (c *Controller) JumpToLatest() Action {
	return c.OnLocalSend()
}

// BeginPrepend records the content height before older messages are inserted.
func (c *Controller) BeginPrepend(contentHeight float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepending = true
	c.heightBefore = contentHeight
}

// EndPrepend returns the scroll offset that keeps the previously visible
// messages in place: the old offset plus the height that was added above them.
func (c *Controller) EndPrepend(contentHeight, scrollTop float64) Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.prepending {
		return Action{}
	}
	c.prepending = false
	top := scrollTop + (contentHeight - c.heightBefore)
	if top < 0 {
		top = 0
	}
	return Action{ScrollTop: &top}
}

// Prepending reports whether BeginPrepend has not been matched yet.
func (c *Controller) Prepending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepending
}

// ShouldLoadOlder reports whether the top of the content is within the
// threshold and another page can be requested.
func (c *Controller) ShouldLoadOlder(m Metrics, hasMore, loading bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hasMore && !loading && !c.prepending && m.ScrollTop <= c.threshold
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Reset forgets everything; the next reset change is a first load again.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoScroll = true
	c.unseen = 0
	c.loaded = false
	c.prepending = false
	c.heightBefore = 0
}

func (c *Controller) stateLocked() State {
	return State{AutoScroll: c.autoScroll, ShowJump: !c.autoScroll, Unseen: c.unseen}
}
