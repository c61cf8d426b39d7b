package handler

import (
	"net/http"

	"github.com/chatsync/internal/config"
)

// ConfigHandler отдаёт UI параметры, от которых зависит его поведение.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetClientConfig возвращает порог прокрутки, окна набора текста и лимит вложений.
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":             h.cfg.UserID,
		"page_size":           h.cfg.PageSize,
		"scroll_threshold_px": h.cfg.ScrollThreshold,
		"typing_silence_ms":   h.cfg.Typing.Silence.Milliseconds(),
		"typing_idle_ms":      h.cfg.Typing.Idle.Milliseconds(),
		"max_upload_size":     h.cfg.MaxUploadSize,
	})
}
