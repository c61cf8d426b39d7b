package viewport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/timeline"
)

func at(distance float64) Metrics {
	// 1000px of content in a 400px viewport
	return Metrics{ScrollTop: 600 - distance, ViewportHeight: 400, ContentHeight: 1000}
}

func TestFirstLoadJumpsInstantly(t *testing.T) {
	c := New(DefaultThreshold)
	assert.Equal(t, Action{ScrollToBottom: true}, c.OnChange(timeline.Change{Kind: timeline.ChangeReset}))
	assert.Equal(t, Action{ScrollToBottom: true, Smooth: true}, c.OnChange(timeline.Change{Kind: timeline.ChangeAppend, MessageID: "m1"}))
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		auto     bool
	}{
		{"at bottom", 0, true},
		{"inside threshold", 99, true},
		{"on threshold", 100, true},
		{"scrolled away", 101, false},
		{"far away", 500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(DefaultThreshold)
			st := c.OnScroll(at(tt.distance))
			assert.Equal(t, tt.auto, st.AutoScroll)
			assert.Equal(t, !tt.auto, st.ShowJump)
		})
	}
}

func TestScrolledAwayKeepsPosition(t *testing.T) {
	c := New(DefaultThreshold)
	c.OnChange(timeline.Change{Kind: timeline.ChangeReset})
	c.OnScroll(at(400))

	assert.Equal(t, Action{}, c.OnChange(timeline.Change{Kind: timeline.ChangeAppend, MessageID: "p1"}))
	assert.Equal(t, Action{}, c.OnChange(timeline.Change{Kind: timeline.ChangeReplace, MessageID: "p2"}))
	assert.Equal(t, Action{}, c.OnChange(timeline.Change{Kind: timeline.ChangeAppend, MessageID: "p3"}))
	assert.Equal(t, State{AutoScroll: false, ShowJump: true, Unseen: 2}, c.State())

	st := c.OnScroll(at(10))
	assert.Equal(t, State{AutoScroll: true}, st)
}

func TestLocalSendReenablesAutoScroll(t *testing.T) {
	c := New(DefaultThreshold)
	c.OnScroll(at(400))

	act := c.OnChange(timeline.Change{Kind: timeline.ChangeAppend, MessageID: model.TempIDPrefix + "x", Own: true})
	assert.Equal(t, Action{ScrollToBottom: true, Smooth: true}, act)
	assert.True(t, c.State().AutoScroll)

	c.OnScroll(at(400))
	// own message from another session does not pull the reader down
	assert.Equal(t, Action{}, c.OnChange(timeline.Change{Kind: timeline.ChangeAppend, MessageID: "srv9", Own: true}))

	assert.Equal(t, Action{ScrollToBottom: true, Smooth: true}, c.OnLocalSend())
	assert.Equal(t, State{AutoScroll: true}, c.State())
}

func TestJumpToLatest(t *testing.T) {
	c := New(DefaultThreshold)
	c.OnScroll(at(400))
	c.OnChange(timeline.Change{Kind: timeline.ChangeAppend, MessageID: "p1"})
	assert.Equal(t, Action{ScrollToBottom: true, Smooth: true}, c.JumpToLatest())
	assert.Zero(t, c.State().Unseen)
}

func TestPrependPreservesAnchor(t *testing.T) {
	c := New(DefaultThreshold)
	c.BeginPrepend(1000)
	assert.True(t, c.Prepending())
	assert.Equal(t, Action{}, c.OnChange(timeline.Change{Kind: timeline.ChangePrepend}))

	act := c.EndPrepend(1600, 20)
	require.NotNil(t, act.ScrollTop)
	assert.InDelta(t, 620, *act.ScrollTop, 0.001)
	assert.False(t, act.ScrollToBottom)

	assert.Equal(t, Action{}, c.EndPrepend(2000, 0))
}

func TestShouldLoadOlder(t *testing.T) {
	c := New(DefaultThreshold)
	top := Metrics{ScrollTop: 50, ViewportHeight: 400, ContentHeight: 2000}
	middle := Metrics{ScrollTop: 800, ViewportHeight: 400, ContentHeight: 2000}

	assert.True(t, c.ShouldLoadOlder(top, true, false))
	assert.False(t, c.ShouldLoadOlder(top, false, false))
	assert.False(t, c.ShouldLoadOlder(top, true, true))
	assert.False(t, c.ShouldLoadOlder(middle, true, false))

	c.BeginPrepend(2000)
	assert.False(t, c.ShouldLoadOlder(top, true, false))
}

func TestResetMakesNextLoadFirst(t *testing.T) {
	c := New(DefaultThreshold)
	c.OnChange(timeline.Change{Kind: timeline.ChangeReset})
	c.OnScroll(at(400))
	assert.Equal(t, Action{}, c.OnChange(timeline.Change{Kind: timeline.ChangeReset}))

	c.Reset()
	assert.Equal(t, Action{ScrollToBottom: true}, c.OnChange(timeline.Change{Kind: timeline.ChangeReset}))
	assert.True(t, c.State().AutoScroll)
}
