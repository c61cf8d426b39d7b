package timeline

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("timeline: closed")
	ErrEmptyMessage   = errors.New("timeline: empty message")
	ErrNotFound       = errors.New("timeline: message not found")
	ErrNotRetryable   = errors.New("timeline: message is not failed")
	ErrNotDiscardable = errors.New("timeline: only failed local messages can be discarded")
)

// HistoryFetchError wraps a failed history page request. The timeline is left as it was.
type HistoryFetchError struct {
	ConversationID string
	Page           int
	Err            error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("history %s page %d: %v", e.ConversationID, e.Page, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// SendFailedError is returned when the service rejects an optimistic send.
// The placeholder stays in the timeline with status failed.
type SendFailedError struct {
	TempID string
	Err    error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }
