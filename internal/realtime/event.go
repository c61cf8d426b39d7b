package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/model"
)

type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventTypingStart    EventType = "typing_start"
	EventTypingStop     EventType = "typing_stop"
	EventMessageRead    EventType = "message_read"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventError          EventType = "error"

	// client to server only
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is one frame as read from the push channel.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is what the client sends to the server.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type Frame struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// ConversationPayload is the payload of join and leave frames.
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// TypingPayload is sent and received for typing_start and typing_stop.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

// MessageReadPayload marks one message read, or the whole conversation up to
// ReadAt when MessageID is empty.
type MessageReadPayload struct {
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// MessageEditedPayload is broadcast when a message is edited.
type MessageEditedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeletedPayload is broadcast when a message is deleted.
type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// Event is a decoded inbound event as handed to subscribers.
type Event struct {
	Type           EventType
	ConversationID string
	// Message is set for new_message.
	Message   *model.Message
	UserID    string
	MessageID string
	Content   string
	At        time.Time
	// Source is "push" or "poll".
	Source string
}

func decode(env Envelope) (Event, error) {
	ev := Event{Type: env.Type}
	var err error
	switch env.Type {
	case EventNewMessage:
		var m model.Message
		if err = json.Unmarshal(env.Payload, &m); err == nil {
			ev.Message = &m
			ev.ConversationID = m.ConversationID
			ev.MessageID = m.ID
			ev.UserID = m.SenderID
			ev.At = m.CreatedAt
		}
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev.ConversationID = p.ConversationID
			ev.UserID = p.UserID
		}
	case EventMessageRead:
		var p MessageReadPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev.ConversationID = p.ConversationID
			ev.MessageID = p.MessageID
			ev.UserID = p.UserID
			if p.ReadAt != nil {
				ev.At = *p.ReadAt
			}
		}
	case EventMessageEdited:
		var p MessageEditedPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev.ConversationID = p.ConversationID
			ev.MessageID = p.MessageID
			ev.Content = p.Content
			ev.At = p.EditedAt
		}
	case EventMessageDeleted:
		var p MessageDeletedPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev.ConversationID = p.ConversationID
			ev.MessageID = p.MessageID
		}
	case EventError:
		// the server sends a bare string
		_ = json.Unmarshal(env.Payload, &ev.Content)
	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return ev, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}
