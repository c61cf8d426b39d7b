// Package timeline keeps the ordered message list of the open conversation and
// reconciles optimistic sends with send responses and realtime echoes.
//
// Every mutation runs under one mutex that is never held across a service call,
// so a send response and the echo of the same message may arrive in either order.
// Both paths are idempotent merges over the current list.
package timeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/attachment"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
)

// Service is the subset of the messaging API the timeline needs. *api.Client implements it.
type Service interface {
	FetchHistory(ctx context.Context, conversationID string, page, pageSize int) (*model.History, error)
	SendMessage(ctx context.Context, conversationID string, req api.SendRequest) (*model.Message, error)
	SendFileMessage(ctx context.Context, conversationID string, f api.FileUpload) (*model.Message, error)
	MarkMessageRead(ctx context.Context, messageID string) error
}

type ChangeKind string

const (
	ChangeReset   ChangeKind = "reset"
	ChangePrepend ChangeKind = "prepend"
	ChangeAppend  ChangeKind = "append"
	ChangeReplace ChangeKind = "replace"
	ChangeUpdate  ChangeKind = "update"
	ChangeRemove  ChangeKind = "remove"
	ChangeFailed  ChangeKind = "failed"
)

// Change describes one timeline mutation.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	MessageID string     `json:"message_id,omitempty"`
	// TempID is the placeholder that MessageID replaced (ChangeReplace only).
	TempID string `json:"temp_id,omitempty"`
	// Own is set when the change concerns a message of the current user.
	Own bool `json:"own,omitempty"`
}

type entry struct {
	msg model.Message
	key string
	// пришло из канала или ответа на отправку, а не со страницы истории
	live bool

	// only for local file sends; kept until the placeholder is replaced or discarded
	preview *attachment.Preview
	payload *attachment.Payload
}

func (e *entry) release() {
	if e.preview != nil {
		e.preview.Release()
	}
	e.payload = nil
}

type subscriber struct {
	id int
	fn func(Change)
}

type Store struct {
	conversationID string
	userID         string
	recipientID    string
	svc            Service
	pageSize       int
	now            func() time.Time

	mu      sync.Mutex
	entries []*entry
	hasMore bool
	page    int
	loadGen uint64
	closed  bool
	subs    []subscriber
	nextSub int
}

type Option func(*Store)

// WithClock overrides time.Now for placeholder timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithRecipient sets the recipient stamped on placeholders of a direct conversation.
func WithRecipient(userID string) Option {
	return func(s *Store) { s.recipientID = userID }
}

// New creates an empty timeline for conversationID as seen by currentUserID.
func New(conversationID, currentUserID string, svc Service, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		userID:         currentUserID,
		svc:            svc,
		pageSize:       50,
		now:            time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers fn for change notifications. fn runs outside the store lock
// and may call Snapshot. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
	}
}

// unlockAndEmit releases s.mu and delivers changes. Must be called with s.mu held.
func (s *Store) unlockAndEmit(changes ...Change) {
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	for _, c := range changes {
		if c.Kind == "" {
			continue
		}
		for _, sub := range subs {
			sub.fn(c)
		}
	}
}

// Snapshot returns a copy of the timeline in display order.
func (s *Store) Snapshot() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.entries[i].msg.Clone(), true
	}
	return model.Message{}, false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HasMore reports whether the last loaded page said older history exists.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Page is the highest history page merged so far.
func (s *Store) Page() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Load fetches one page of history. Page 1 replaces the timeline and keeps
// local placeholders; later pages are merged in. A page 1 result that was
// superseded by a newer page 1 request is discarded.
func (s *Store) Load(ctx context.Context, page int) error {
	if page < 1 {
		page = 1
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if page == 1 {
		s.loadGen++
	}
	gen := s.loadGen
	s.mu.Unlock()

	start := time.Now()
	h, err := s.svc.FetchHistory(ctx, s.conversationID, page, s.pageSize)
	if err != nil {
		metrics.HistoryFetch.WithLabelValues("error").Observe(time.Since(start).Seconds())
		logger.Errorf("timeline %s: history page %d: %v", s.conversationID, page, err)
		return &HistoryFetchError{ConversationID: s.conversationID, Page: page, Err: err}
	}
	metrics.HistoryFetch.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	if h == nil {
		h = &model.History{}
	}

	s.mu.Lock()
	if s.closed || gen != s.loadGen {
		s.mu.Unlock()
		logger.Debugf("timeline %s: stale history page %d dropped", s.conversationID, page)
		return nil
	}
	var ch Change
	if page == 1 {
		s.resetLocked(h.Messages, h.HasMore)
		s.page = 1
		ch = Change{Kind: ChangeReset}
	} else {
		s.mergePageLocked(h.Messages)
		s.page = max(s.page, page)
		ch = Change{Kind: ChangePrepend}
	}
	s.hasMore = h.HasMore
	s.unlockAndEmit(ch)
	return nil
}

// LoadOlder loads the page after the highest one loaded so far.
func (s *Store) LoadOlder(ctx context.Context) error {
	return s.Load(ctx, s.Page()+1)
}

// resetLocked replaces the timeline with a fresh first page. Placeholders stay.
// Live messages missing from the page stay too when they fall inside its range:
// they arrived while the page was in flight.
func (s *Store) resetLocked(msgs []model.Message, hasMore bool) {
	prev := make(map[string]model.Message, len(s.entries))
	var pending, live []*entry
	for _, e := range s.entries {
		switch {
		case e.msg.IsTemp():
			pending = append(pending, e)
		case e.live:
			live = append(live, e)
			prev[e.msg.ID] = e.msg
		default:
			prev[e.msg.ID] = e.msg
		}
	}
	var floor time.Time
	if hasMore {
		for _, m := range msgs {
			if floor.IsZero() || m.CreatedAt.Before(floor) {
				floor = m.CreatedAt
			}
		}
	}

	fresh := make([]*entry, 0, len(msgs)+len(pending))
	seen := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || m.IsTemp() {
			continue
		}
		if i, ok := seen[m.ID]; ok {
			merge(&fresh[i].msg, m)
			continue
		}
		msg := m.Clone()
		if msg.Status == "" {
			msg.Status = model.MessageStatusSent
		}
		if old, ok := prev[m.ID]; ok {
			// a reload must not undo a receipt that arrived meanwhile
			merge(&msg, old)
		}
		seen[m.ID] = len(fresh)
		fresh = append(fresh, &entry{msg: msg})
	}
	for _, e := range live {
		if _, ok := seen[e.msg.ID]; ok || e.msg.CreatedAt.Before(floor) {
			continue
		}
		seen[e.msg.ID] = len(fresh)
		fresh = append(fresh, e)
	}
	for _, p := range pending {
		if p.key != "" && indexByKey(fresh, p.key) >= 0 {
			p.release()
			continue
		}
		fresh = append(fresh, p)
	}
	s.entries = fresh
	s.sortLocked()
}

func (s *Store) mergePageLocked(msgs []model.Message) {
	for _, m := range msgs {
		if m.ID == "" || m.IsTemp() {
			continue
		}
		if i := s.indexLocked(m.ID); i >= 0 {
			merge(&s.entries[i].msg, m)
			continue
		}
		msg := m.Clone()
		if msg.Status == "" {
			msg.Status = model.MessageStatusSent
		}
		s.entries = append(s.entries, &entry{msg: msg})
	}
	s.sortLocked()
}

type sendOptions struct {
	replyTo *string
}

type SendOption func(*sendOptions)

// ReplyTo marks the outgoing message as a reply to messageID.
func ReplyTo(messageID string) SendOption {
	return func(o *sendOptions) {
		if messageID != "" {
			o.replyTo = &messageID
		}
	}
}

// SendText appends a sending placeholder and delivers it. On success the
// confirmed message takes the placeholder's slot; on failure the placeholder
// stays with status failed and a *SendFailedError is returned.
func (s *Store) SendText(ctx context.Context, content string, opts ...SendOption) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}
	tempID, err := s.appendPlaceholder(model.ContentTypeText, content, textFingerprint(content), o, nil)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, tempID)
}

// SendFile is SendText for a prepared attachment. The payload preview is owned
// by the placeholder and released exactly once, when the placeholder is replaced,
// discarded or the store is closed.
func (s *Store) SendFile(ctx context.Context, p *attachment.Payload, caption string, opts ...SendOption) (*model.Message, error) {
	if p == nil || p.Size == 0 {
		return nil, ErrEmptyMessage
	}
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}
	tempID, err := s.appendPlaceholder(p.Type, caption, fileFingerprint(p.Type, p.Size), o, p)
	if err != nil {
		if p.Preview != nil {
			p.Preview.Release()
		}
		return nil, err
	}
	return s.deliver(ctx, tempID)
}

func (s *Store) appendPlaceholder(t model.ContentType, content, fingerprint string, o sendOptions, p *attachment.Payload) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	at := s.now()
	if n := len(s.entries); n > 0 && s.entries[n-1].msg.CreatedAt.After(at) {
		at = s.entries[n-1].msg.CreatedAt
	}
	key := CorrelationKey(s.userID, at, fingerprint)
	e := &entry{
		key: key,
		msg: model.Message{
			ID:             newTempID(),
			ConversationID: s.conversationID,
			SenderID:       s.userID,
			RecipientID:    s.recipientID,
			Type:           t,
			Content:        content,
			Status:         model.MessageStatusSending,
			ReplyToID:      o.replyTo,
			CreatedAt:      at,
			UpdatedAt:      at,
			Metadata:       map[string]string{model.MetaCorrelationKey: key},
		},
	}
	if p != nil {
		e.payload = p
		e.preview = p.Preview
		e.msg.AttachmentMIME = p.MIME
		e.msg.AttachmentSize = p.Size
		e.msg.FileName = p.FileName
		if p.Preview != nil {
			e.msg.AttachmentURL = p.Preview.URL()
		}
	}
	s.entries = append(s.entries, e)
	tempID := e.msg.ID
	s.unlockAndEmit(Change{Kind: ChangeAppend, MessageID: tempID, Own: true})
	return tempID, nil
}

func (s *Store) deliver(ctx context.Context, tempID string) (*model.Message, error) {
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	e := s.entries[i]
	key, msg, payload := e.key, e.msg.Clone(), e.payload
	s.mu.Unlock()

	var (
		confirmed *model.Message
		err       error
	)
	if payload != nil {
		confirmed, err = s.svc.SendFileMessage(ctx, s.conversationID, api.FileUpload{
			FileName:       payload.FileName,
			MIME:           payload.MIME,
			Body:           payload.Reader(),
			Caption:        msg.Content,
			CorrelationKey: key,
		})
	} else {
		confirmed, err = s.svc.SendMessage(ctx, s.conversationID, api.SendRequest{
			Type:      msg.Type,
			Content:   msg.Content,
			ReplyToID: msg.ReplyToID,
			Metadata:  msg.Metadata,
		})
	}
	if err == nil && (confirmed == nil || confirmed.ID == "") {
		err = errors.New("empty send response")
	}
	if err != nil {
		return s.fail(tempID, key, err)
	}
	return s.confirm(tempID, *confirmed)
}

func (s *Store) fail(tempID, key string, cause error) (*model.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SendFailedError{TempID: tempID, Err: cause}
	}
	i := s.indexLocked(tempID)
	if i < 0 {
		// the echo got here first, so the server has the message
		if j := indexByKey(s.entries, key); j >= 0 {
			m := s.entries[j].msg.Clone()
			s.mu.Unlock()
			return &m, nil
		}
		s.mu.Unlock()
		return nil, &SendFailedError{TempID: tempID, Err: cause}
	}
	e := s.entries[i]
	if e.msg.Status == model.MessageStatusSending {
		e.msg.Status = model.MessageStatusFailed
		e.msg.UpdatedAt = s.now()
	}
	metrics.SendFailures.Inc()
	logger.Errorf("timeline %s: send %s: %v", s.conversationID, tempID, cause)
	s.unlockAndEmit(Change{Kind: ChangeFailed, MessageID: tempID, Own: true})
	return nil, &SendFailedError{TempID: tempID, Err: cause}
}

func (s *Store) confirm(tempID string, m model.Message) (*model.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &m, nil
	}
	var ch Change
	if i := s.indexLocked(tempID); i >= 0 {
		s.replaceLocked(i, m)
		metrics.Reconciled.WithLabelValues("response").Inc()
		ch = Change{Kind: ChangeReplace, MessageID: m.ID, TempID: tempID, Own: true}
	} else if j := s.indexLocked(m.ID); j >= 0 {
		metrics.Reconciled.WithLabelValues("id").Inc()
		if merge(&s.entries[j].msg, m) {
			ch = Change{Kind: ChangeUpdate, MessageID: m.ID, Own: true}
		}
	} else {
		msg := m.Clone()
		if msg.Status == "" {
			msg.Status = model.MessageStatusSent
		}
		s.entries = append(s.entries, &entry{msg: msg, live: true})
		s.sortLocked()
		metrics.Reconciled.WithLabelValues("new").Inc()
		ch = Change{Kind: ChangeAppend, MessageID: m.ID, Own: true}
	}
	out := s.entries[s.indexLocked(m.ID)].msg.Clone()
	s.unlockAndEmit(ch)
	return &out, nil
}

// replaceLocked swaps the placeholder at i for the confirmed message m and
// releases its preview. A copy of m already in the list is folded into the slot.
func (s *Store) replaceLocked(i int, m model.Message) {
	old := s.entries[i]
	old.release()

	msg := m.Clone()
	if msg.Status == "" {
		msg.Status = model.MessageStatusSent
	}
	if msg.Metadata == nil && old.key != "" {
		msg.Metadata = map[string]string{model.MetaCorrelationKey: old.key}
	}
	if j := s.indexLocked(msg.ID); j >= 0 && j != i {
		merge(&msg, s.entries[j].msg)
		s.entries = slices.Delete(s.entries, j, j+1)
		if j < i {
			i--
		}
	}
	s.entries[i] = &entry{msg: msg, live: true}
	s.sortLocked()
}

// OnInboundMessage merges a message delivered by the realtime channel.
//
// For the current user's own messages the placeholder is found by correlation
// key first. Without a key, an already known identifier is merged; otherwise the
// newest sending placeholder with the same fingerprint, then the newest of the
// same type, is replaced. Anything left is appended (sent from another session).
func (s *Store) OnInboundMessage(m model.Message) {
	if m.ID == "" || m.IsTemp() {
		return
	}
	if m.ConversationID != "" && m.ConversationID != s.conversationID {
		return
	}
	if m.Status == "" {
		m.Status = model.MessageStatusSent
	}
	own := m.SenderID == s.userID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if own {
		if i, path := s.matchPlaceholderLocked(&m); i >= 0 {
			tempID := s.entries[i].msg.ID
			s.replaceLocked(i, m)
			metrics.Reconciled.WithLabelValues(path).Inc()
			s.unlockAndEmit(Change{Kind: ChangeReplace, MessageID: m.ID, TempID: tempID, Own: true})
			return
		}
	}
	if j := s.indexLocked(m.ID); j >= 0 {
		metrics.Reconciled.WithLabelValues("id").Inc()
		if !merge(&s.entries[j].msg, m) {
			s.mu.Unlock()
			return
		}
		s.unlockAndEmit(Change{Kind: ChangeUpdate, MessageID: m.ID, Own: own})
		return
	}
	s.entries = append(s.entries, &entry{msg: m.Clone(), live: true})
	s.sortLocked()
	metrics.Reconciled.WithLabelValues("new").Inc()
	s.unlockAndEmit(Change{Kind: ChangeAppend, MessageID: m.ID, Own: own})
}

func (s *Store) matchPlaceholderLocked(m *model.Message) (int, string) {
	if key := m.CorrelationKey(); key != "" {
		for i := len(s.entries) - 1; i >= 0; i-- {
			e := s.entries[i]
			if e.msg.IsTemp() && e.key == key {
				return i, "correlation"
			}
		}
		// keyed echo without a placeholder was already reconciled by the response
		return -1, ""
	}
	if s.indexLocked(m.ID) >= 0 {
		return -1, ""
	}
	fp := fingerprintOf(m)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if s.pendingOwn(e) && e.msg.Type == m.Type && fingerprintOf(&e.msg) == fp {
			return i, "fingerprint"
		}
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if s.pendingOwn(e) && e.msg.Type == m.Type {
			return i, "type"
		}
	}
	return -1, ""
}

func (s *Store) pendingOwn(e *entry) bool {
	return e.msg.Status == model.MessageStatusSending && e.msg.IsTemp() && e.msg.SenderID == s.userID
}

// OnReadReceipt marks messageID read. No-op if absent or already read.
func (s *Store) OnReadReceipt(messageID string, readAt time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := s.indexLocked(messageID)
	if i < 0 || !markRead(&s.entries[i].msg, readAt) {
		s.mu.Unlock()
		return
	}
	own := s.entries[i].msg.SenderID == s.userID
	s.unlockAndEmit(Change{Kind: ChangeUpdate, MessageID: messageID, Own: own})
}

// OnConversationRead marks every message of the current user read once readerID
// has read the conversation. Receipts from the current user are ignored.
func (s *Store) OnConversationRead(readerID string, readAt time.Time) {
	if readerID == s.userID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var changes []Change
	for _, e := range s.entries {
		if e.msg.SenderID != s.userID || e.msg.CreatedAt.After(readAt) {
			continue
		}
		if markRead(&e.msg, readAt) {
			changes = append(changes, Change{Kind: ChangeUpdate, MessageID: e.msg.ID, Own: true})
		}
	}
	s.unlockAndEmit(changes...)
}

func markRead(m *model.Message, readAt time.Time) bool {
	if m.IsTemp() || m.Status == model.MessageStatusRead {
		return false
	}
	m.Status = model.MessageStatusRead
	t := readAt
	m.ReadAt = &t
	return true
}

// MarkAsRead marks a peer message read locally and tells the service. Errors
// are logged only; read state is best effort.
func (s *Store) MarkAsRead(ctx context.Context, messageID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := s.indexLocked(messageID)
	if i < 0 || s.entries[i].msg.SenderID == s.userID {
		s.mu.Unlock()
		return
	}
	if !markRead(&s.entries[i].msg, s.now()) {
		s.mu.Unlock()
		return
	}
	s.unlockAndEmit(Change{Kind: ChangeUpdate, MessageID: messageID})

	if err := s.svc.MarkMessageRead(ctx, messageID); err != nil {
		logger.Errorf("timeline %s: mark read %s: %v", s.conversationID, messageID, err)
	}
}

// OnMessageEdited applies an edit. Older or repeated edits are ignored.
func (s *Store) OnMessageEdited(messageID, content string, editedAt time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := s.indexLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	m := &s.entries[i].msg
	if m.IsDeleted || (m.EditedAt != nil && !editedAt.After(*m.EditedAt)) {
		s.mu.Unlock()
		return
	}
	t := editedAt
	m.Content = content
	m.EditedAt = &t
	m.UpdatedAt = editedAt
	s.unlockAndEmit(Change{Kind: ChangeUpdate, MessageID: messageID, Own: m.SenderID == s.userID})
}

// OnMessageDeleted marks the message deleted and clears its content. The
// message keeps its slot.
func (s *Store) OnMessageDeleted(messageID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := s.indexLocked(messageID)
	if i < 0 || s.entries[i].msg.IsDeleted {
		s.mu.Unlock()
		return
	}
	m := &s.entries[i].msg
	m.IsDeleted = true
	m.Content = ""
	m.AttachmentURL = ""
	s.unlockAndEmit(Change{Kind: ChangeUpdate, MessageID: messageID, Own: m.SenderID == s.userID})
}

// Retry resends a failed placeholder under a fresh correlation key. The
// placeholder keeps its identifier and slot.
func (s *Store) Retry(ctx context.Context, tempID string) (*model.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	i := s.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	e := s.entries[i]
	if e.msg.Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return nil, ErrNotRetryable
	}
	e.key = CorrelationKey(s.userID, s.now(), fingerprintOf(&e.msg))
	e.msg.Metadata = map[string]string{model.MetaCorrelationKey: e.key}
	e.msg.Status = model.MessageStatusSending
	e.msg.UpdatedAt = s.now()
	s.unlockAndEmit(Change{Kind: ChangeUpdate, MessageID: tempID, Own: true})
	return s.deliver(ctx, tempID)
}

// Discard removes a failed placeholder and releases its preview.
func (s *Store) Discard(tempID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	i := s.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	e := s.entries[i]
	if !e.msg.IsTemp() || e.msg.Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return ErrNotDiscardable
	}
	e.release()
	s.entries = slices.Delete(s.entries, i, i+1)
	s.unlockAndEmit(Change{Kind: ChangeRemove, MessageID: tempID, Own: true})
	return nil
}

// Close abandons pending sends: their previews are released and results of
// requests still in flight are dropped. Subscribers are removed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, e := range s.entries {
		e.release()
	}
	s.subs = nil
}

func (s *Store) indexLocked(id string) int {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}

func indexByKey(entries []*entry, key string) int {
	if key == "" {
		return -1
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.key == key || e.msg.CorrelationKey() == key {
			return i
		}
	}
	return -1
}

func (s *Store) sortLocked() {
	slices.SortStableFunc(s.entries, func(a, b *entry) int {
		return a.msg.CreatedAt.Compare(b.msg.CreatedAt)
	})
}

// merge folds server state from src into dst without moving status backwards.
// Reports whether anything visible changed.
func merge(dst *model.Message, src model.Message) bool {
	changed := false
	if src.Status.Rank() > dst.Status.Rank() {
		dst.Status = src.Status
		changed = true
	}
	if src.ReadAt != nil && dst.ReadAt == nil {
		t := *src.ReadAt
		dst.ReadAt = &t
		changed = true
	}
	if src.EditedAt != nil && (dst.EditedAt == nil || src.EditedAt.After(*dst.EditedAt)) && !dst.IsDeleted {
		t := *src.EditedAt
		dst.EditedAt = &t
		dst.Content = src.Content
		changed = true
	}
	if src.IsDeleted && !dst.IsDeleted {
		dst.IsDeleted = true
		dst.Content = ""
		dst.AttachmentURL = ""
		changed = true
	}
	if dst.AttachmentURL == "" && src.AttachmentURL != "" && !dst.IsDeleted {
		dst.AttachmentURL = src.AttachmentURL
		changed = true
	}
	if src.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = src.UpdatedAt
	}
	for k, v := range src.Metadata {
		if _, ok := dst.Metadata[k]; ok {
			continue
		}
		if dst.Metadata == nil {
			dst.Metadata = make(map[string]string, len(src.Metadata))
		}
		dst.Metadata[k] = v
	}
	return changed
}
