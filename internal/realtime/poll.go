package realtime

import (
	"context"
	"slices"
	"time"

	"github.com/chatsync/internal/model"
)

// Poller returns the most recent messages of a conversation. The Manager calls
// it for every joined conversation while the push channel is down.
type Poller interface {
	Poll(ctx context.Context, conversationID string) ([]model.Message, error)
}

// HistoryFetcher is implemented by *api.Client.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string, page, pageSize int) (*model.History, error)
}

// HistoryPoller polls the first history page.
type HistoryPoller struct {
	svc      HistoryFetcher
	pageSize int
	timeout  time.Duration
}

func NewHistoryPoller(svc HistoryFetcher, pageSize int) *HistoryPoller {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &HistoryPoller{svc: svc, pageSize: pageSize, timeout: 10 * time.Second}
}

func (p *HistoryPoller) Poll(ctx context.Context, conversationID string) ([]model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	h, err := p.svc.FetchHistory(ctx, conversationID, 1, p.pageSize)
	if err != nil {
		return nil, err
	}
	return h.Messages, nil
}

// seenMsg is what the poll diff remembers about a message.
// A receipt, edit or delete pushed before the message itself leaves delivered unset.
type seenMsg struct {
	delivered bool
	read      bool
	editedAt time.Time
	deleted  bool
}

// diffLocked compares a polled page with what was already delivered for the
// conversation and returns the events that explain the difference. Messages
// delivered over push count as seen. Unknown messages always produce
// new_message; consumers merge idempotently.
func (m *Manager) diffLocked(conversationID string, msgs []model.Message) []Event {
	seen := m.seen[conversationID]
	if seen == nil {
		seen = make(map[string]seenMsg, len(msgs))
		m.seen[conversationID] = seen
	}
	sorted := slices.Clone(msgs)
	slices.SortStableFunc(sorted, func(a, b model.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })

	var events []Event
	for i := range sorted {
		msg := sorted[i]
		if msg.ID == "" {
			continue
		}
		prev := seen[msg.ID]
		cur := seenMsg{delivered: true, read: msg.Status == model.MessageStatusRead, deleted: msg.IsDeleted}
		if msg.EditedAt != nil {
			cur.editedAt = *msg.EditedAt
		}
		base := Event{ConversationID: conversationID, MessageID: msg.ID, Source: "poll"}

		if !prev.delivered {
			c := msg.Clone()
			ev := base
			ev.Type = EventNewMessage
			ev.Message = &c
			ev.UserID = msg.SenderID
			ev.At = msg.CreatedAt
			events = append(events, ev)
			seen[msg.ID] = seenMsg{
				delivered: true,
				read:      prev.read || cur.read,
				editedAt:  later(prev.editedAt, cur.editedAt),
				deleted:   prev.deleted || cur.deleted,
			}
			continue
		}
		if cur.read && !prev.read {
			ev := base
			ev.Type = EventMessageRead
			ev.At = time.Now()
			if msg.ReadAt != nil {
				ev.At = *msg.ReadAt
			}
			events = append(events, ev)
		}
		if cur.editedAt.After(prev.editedAt) && !cur.deleted {
			ev := base
			ev.Type = EventMessageEdited
			ev.Content = msg.Content
			ev.At = cur.editedAt
			events = append(events, ev)
		}
		if cur.deleted && !prev.deleted {
			ev := base
			ev.Type = EventMessageDeleted
			events = append(events, ev)
		}
		seen[msg.ID] = seenMsg{
			delivered: true,
			read:      prev.read || cur.read,
			editedAt:  later(prev.editedAt, cur.editedAt),
			deleted:   prev.deleted || cur.deleted,
		}
	}
	return events
}

// observeLocked records a pushed event so a later poll does not repeat it.
func (m *Manager) observeLocked(ev Event) {
	if ev.ConversationID == "" || ev.MessageID == "" {
		return
	}
	seen := m.seen[ev.ConversationID]
	if seen == nil {
		seen = make(map[string]seenMsg)
		m.seen[ev.ConversationID] = seen
	}
	s := seen[ev.MessageID]
	switch ev.Type {
	case EventNewMessage:
		s.delivered = true
		if ev.Message != nil {
			s.read = s.read || ev.Message.Status == model.MessageStatusRead
			s.deleted = s.deleted || ev.Message.IsDeleted
			if ev.Message.EditedAt != nil {
				s.editedAt = later(s.editedAt, *ev.Message.EditedAt)
			}
		}
	case EventMessageRead:
		s.read = true
	case EventMessageEdited:
		s.editedAt = later(s.editedAt, ev.At)
	case EventMessageDeleted:
		s.deleted = true
	default:
		return
	}
	seen[ev.MessageID] = s
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
