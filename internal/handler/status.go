package handler

import (
	"net/http"

	"github.com/chatsync/internal/realtime"
)

// StatusSource is implemented by *chat.Engine.
type StatusSource interface {
	Status() realtime.Status
}

type StatusHandler struct {
	src StatusSource
}

func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the realtime channel: push, poll, or unreachable.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}
