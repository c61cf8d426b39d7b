package model

import (
	"strings"
	"time"
)

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
)

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Rank orders confirmed statuses so that merges never move a message backwards.
// sending and failed are local states and rank below any server status.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// TempIDPrefix marks identifiers generated locally for optimistic messages.
const TempIDPrefix = "temp_"

// MetaCorrelationKey is the metadata key that carries the client correlation key.
const MetaCorrelationKey = "correlation_key"

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	RecipientID    string            `json:"recipient_id,omitempty"`
	Type           ContentType       `json:"type"`
	Content        string            `json:"content"`
	AttachmentURL  string            `json:"attachment_url,omitempty"`
	AttachmentMIME string            `json:"attachment_mime,omitempty"`
	AttachmentSize int64             `json:"attachment_size,omitempty"`
	FileName       string            `json:"file_name,omitempty"`
	Status         MessageStatus     `json:"status"`
	ReplyToID      *string           `json:"reply_to_id,omitempty"`
	EditedAt       *time.Time        `json:"edited_at,omitempty"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
	IsDeleted      bool              `json:"is_deleted"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IsTemp reports whether the message still carries a locally generated identifier.
func (m *Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// CorrelationKey returns the client correlation key, empty if the server dropped it.
func (m *Message) CorrelationKey() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[MetaCorrelationKey]
}

// Clone returns a copy that does not share pointers or the metadata map with m.
func (m Message) Clone() Message {
	c := m
	if m.ReplyToID != nil {
		v := *m.ReplyToID
		c.ReplyToID = &v
	}
	if m.EditedAt != nil {
		v := *m.EditedAt
		c.EditedAt = &v
	}
	if m.ReadAt != nil {
		v := *m.ReadAt
		c.ReadAt = &v
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// History is one page of conversation history as returned by the messaging service.
type History struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
