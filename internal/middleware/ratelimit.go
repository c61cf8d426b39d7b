package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

const (
	rateLimitPerSecond = 20
	rateLimitBurst     = 40
)

type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newRateLimiter(limit rate.Limit, burst int) *rateLimiter {
	return &rateLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

var apiRate = newRateLimiter(rateLimitPerSecond, rateLimitBurst)

// RateLimitAPI ограничивает частоту запросов к /api/* по адресу клиента, чтобы
// зациклившийся UI не заваливал внешний сервис. 429 при превышении.
func RateLimitAPI(next http.Handler) http.Handler {
	return rateLimit(apiRate)(next)
}

func rateLimit(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !rl.allow(ip) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
