package model

type ConversationType string

const (
	ConversationTypeDirect  ConversationType = "direct"
	ConversationTypeGroup   ConversationType = "group"
	ConversationTypeOrder   ConversationType = "order"
	ConversationTypeSupport ConversationType = "support"
)

type Conversation struct {
	ID           string           `json:"id"`
	Participants []string         `json:"participants"`
	Type         ConversationType `json:"type"`
	Title        string           `json:"title,omitempty"`
	ProductID    string           `json:"product_id,omitempty"`
	Active       bool             `json:"active"`
	UnreadCount  int              `json:"unread_count"`
}

// Opponent returns the other participant of a direct conversation.
// Empty for group-like conversations or when the participant list is malformed.
func (c *Conversation) Opponent(currentUserID string) string {
	if c.Type != ConversationTypeDirect || len(c.Participants) != 2 {
		return ""
	}
	for _, p := range c.Participants {
		if p != currentUserID {
			return p
		}
	}
	return ""
}

