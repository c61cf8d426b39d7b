package ws

import (
	"github.com/go-playground/validator/v10"

	"github.com/chatsync/internal/viewport"
)

var validate = validator.New()

type EventType string

// Server → UI.
const (
	EventTimeline EventType = "timeline"
	EventTyping   EventType = "typing"
	EventStatus   EventType = "status"
	EventViewport EventType = "viewport"
	EventError    EventType = "error"
)

// UI → server.
const (
	ActionKeystroke  = "keystroke"
	ActionTypingStop = "typing_stop"
	ActionScroll     = "scroll"
	ActionJump       = "jump_to_latest"
)

// IncomingMessage is what the UI sends over the feed.
type IncomingMessage struct {
	Type           string            `json:"type" validate:"required,oneof=keystroke typing_stop scroll jump_to_latest"`
	ConversationID string            `json:"conversation_id" validate:"required,max=128"`
	Metrics        *viewport.Metrics `json:"metrics,omitempty" validate:"required_if=Type scroll"`
}

// OutgoingMessage is what the feed sends to the UI.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type ViewportPayload struct {
	ConversationID string           `json:"conversation_id"`
	State          viewport.State   `json:"state"`
	Action         *viewport.Action `json:"action,omitempty"`
}
