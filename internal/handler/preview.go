package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/storage"
)

// PreviewHandler отдаёт локальные превью вложений, на которые ссылаются плейсхолдеры.
type PreviewHandler struct {
	store storage.PreviewStore
}

func NewPreviewHandler(store storage.PreviewStore) *PreviewHandler {
	return &PreviewHandler{store: store}
}

func (h *PreviewHandler) Serve(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(r.Context(), chi.URLParam(r, "previewId"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "preview not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get preview")
		return
	}
	w.Header().Set("Content-Type", p.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.Data)
}
