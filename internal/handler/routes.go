package handler

import (
	"github.com/go-chi/chi/v5"
)

// Handlers groups the gateway endpoints.
type Handlers struct {
	Conversation *ConversationHandler
	Preview      *PreviewHandler
	Status       *StatusHandler
	Config       *ConfigHandler
	WS           *WSHandler
}

// Mount registers the gateway routes on r.
func (h Handlers) Mount(r chi.Router) {
	r.Get("/health", h.Status.Health)
	r.Get("/api/status", h.Status.Status)
	r.Get("/api/config", h.Config.GetClientConfig)
	r.Get("/api/previews/{previewId}", h.Preview.Serve)

	r.Route("/api/conversations/{id}", func(r chi.Router) {
		c := h.Conversation
		r.Post("/open", c.Open)
		r.Delete("/", c.Close)
		r.Post("/read", c.ReadAll)
		r.Get("/messages", c.Messages)
		r.Post("/messages", c.Send)
		r.Post("/messages/older", c.LoadOlder)
		r.Post("/messages/{messageId}/retry", c.Retry)
		r.Post("/messages/{messageId}/read", c.MarkRead)
		r.Delete("/messages/{messageId}", c.Discard)
		r.Post("/files", c.SendFile)
		r.Post("/typing", c.Typing)
		r.Post("/viewport", c.Viewport)
	})

	r.Get("/ws", h.WS.ServeWS)
}
