package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/attachment"
	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/timeline"
	"github.com/chatsync/internal/viewport"
)

// sendTimeout bounds a send that outlives the HTTP request that started it.
const sendTimeout = 60 * time.Second

// Engine is the part of *chat.Engine the handlers use.
type Engine interface {
	Open(ctx context.Context, conversationID string) (*chat.Session, error)
	Session(conversationID string) (*chat.Session, error)
	CloseSession()
}

type ConversationHandler struct {
	engine    Engine
	preparer  *attachment.Preparer
	maxUpload int64
}

func NewConversationHandler(engine Engine, preparer *attachment.Preparer, maxUpload int64) *ConversationHandler {
	return &ConversationHandler{engine: engine, preparer: preparer, maxUpload: maxUpload}
}

type timelineResponse struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
	HasMore      bool               `json:"has_more"`
	Viewport     viewport.State     `json:"viewport"`
}

type sendRequest struct {
	Content   string `json:"content" validate:"required,max=10000"`
	ReplyToID string `json:"reply_to_id" validate:"omitempty,max=128"`
}

type olderRequest struct {
	ContentHeight float64 `json:"content_height" validate:"gte=0"`
}

type typingRequest struct {
	Typing *bool `json:"typing" validate:"required"`
}

type viewportRequest struct {
	viewport.Metrics
	Jump bool `json:"jump"`
}

type viewportResponse struct {
	State  viewport.State   `json:"state"`
	Action *viewport.Action `json:"action,omitempty"`
}

func snapshot(s *chat.Session) timelineResponse {
	msgs := s.Timeline.Snapshot()
	if msgs == nil {
		msgs = []model.Message{}
	}
	return timelineResponse{
		Conversation: s.Conversation,
		Messages:     msgs,
		HasMore:      s.Timeline.HasMore(),
		Viewport:     s.Viewport.State(),
	}
}

// session resolves {id} to the open Session or writes 404.
func (h *ConversationHandler) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	s, err := h.engine.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return s, true
}

func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.Open", time.Now())()
	s, err := h.engine.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		// сессия остаётся открытой, UI может повторить загрузку
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot(s))
}

func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snapshot(s))
}

func (h *ConversationHandler) LoadOlder(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req olderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loaded, err := s.LoadOlder(r.Context(), req.ContentHeight)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded":   loaded,
		"has_more": s.Timeline.HasMore(),
		"messages": s.Timeline.Snapshot(),
	})
}

func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.Send", time.Now())()
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), sendTimeout)
	defer cancel()
	m, err := s.SendText(ctx, req.Content, timeline.ReplyTo(req.ReplyToID))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *ConversationHandler) SendFile(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.SendFile", time.Now())()
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	// запас на поля формы и заголовки multipart
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, attachment.ErrFileTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	payload, err := h.preparer.Prepare(r.Context(), header.Filename, file)
	if err != nil {
		writeAttachmentError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), sendTimeout)
	defer cancel()
	var opts []timeline.SendOption
	if id := r.FormValue("reply_to_id"); id != "" {
		opts = append(opts, timeline.ReplyTo(id))
	}
	m, err := s.SendFile(ctx, payload, r.FormValue("caption"), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *ConversationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), sendTimeout)
	defer cancel()
	m, err := s.Timeline.Retry(ctx, chi.URLParam(r, "messageId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *ConversationHandler) Discard(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Timeline.Discard(chi.URLParam(r, "messageId")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	// best effort: ошибки сервиса только логируются
	s.Timeline.MarkAsRead(context.WithoutCancel(r.Context()), chi.URLParam(r, "messageId"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadAll отмечает прочитанными все входящие сообщения открытого диалога.
func (h *ConversationHandler) ReadAll(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.MarkVisibleRead(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close закрывает открытый диалог: leave, сброс typing, освобождение превью.
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.session(w, r); !ok {
		return
	}
	h.engine.CloseSession()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Typing(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req typingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if *req.Typing {
		s.Keystroke()
	} else {
		s.Emitter.Sent()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.Emitter.Active()})
}

func (h *ConversationHandler) Viewport(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req viewportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Jump {
		act := s.Viewport.JumpToLatest()
		writeJSON(w, http.StatusOK, viewportResponse{State: s.Viewport.State(), Action: &act})
		return
	}
	st, act := s.Scroll(req.Metrics)
	resp := viewportResponse{State: st}
	if act.ScrollTop != nil {
		resp.Action = &act
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var (
		sendErr    *timeline.SendFailedError
		historyErr *timeline.HistoryFetchError
	)
	switch {
	case errors.As(err, &sendErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "send failed", TempID: sendErr.TempID})
	case errors.As(err, &historyErr):
		writeError(w, http.StatusBadGateway, "history unavailable")
	case errors.Is(err, timeline.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, timeline.ErrNotFound), errors.Is(err, chat.ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, timeline.ErrNotRetryable), errors.Is(err, timeline.ErrNotDiscardable),
		errors.Is(err, timeline.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Errorf("handler: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeAttachmentError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, attachment.ErrEmptyFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, attachment.ErrFileTooLarge), errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, attachment.ErrFileTooLarge.Error())
	case errors.Is(err, attachment.ErrTypeNotAllowed), errors.Is(err, attachment.ErrContentMismatch):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	default:
		logger.Errorf("handler: prepare attachment: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
