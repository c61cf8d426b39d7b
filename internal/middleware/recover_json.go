package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
)

// RecoverJSON ловит панику в handler: пишет стек в лог и, если заголовки ещё не ушли, отвечает JSON 500.
// Upgrade ленты проходит насквозь: обёртка chi сохраняет http.Hijacker.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			metrics.HandlerPanics.Inc()
			logger.Errorf("panic %s %s req=%s: %v\n%s", r.Method, r.URL.Path, chimw.GetReqID(r.Context()), rec, debug.Stack())
			if ww.Status() != 0 || ww.BytesWritten() > 0 {
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
		}()
		next.ServeHTTP(ww, r)
	})
}
