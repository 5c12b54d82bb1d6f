package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atlas/shield/internal/config"
	"github.com/atlas/shield/internal/identity"
)

// LocalLimiter is a small in-process fixed-window limiter for surfaces
// that must not depend on the shared store, such as the metrics endpoint
// (which has to stay scrapeable while the store is down, yet must not be
// an enumeration vector).
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

type localWindow struct {
	count int
	start time.Time
}

// NewLocalLimiter allows limit requests per key per window.
func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		windows: make(map[string]*localWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow reports whether one more request fits the key's current window.
// Stale windows double as garbage collection: they are reset in place, so
// the map only grows with distinct keys.
func (l *LocalLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	win, ok := l.windows[key]
	if !ok || now.Sub(win.start) >= l.window {
		l.windows[key] = &localWindow{count: 1, start: now}
		return true
	}
	if win.count >= l.limit {
		return false
	}
	win.count++
	return true
}

// Middleware rejects over-limit callers with a bare 429, keyed by the
// direct connection address.
func (l *LocalLimiter) Middleware(next http.Handler) http.Handler {
	addr := identity.AddrStrategy{Trust: config.ProxyTrust{Mode: config.TrustNone}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _ := addr.Identify(r)
		if !l.Allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window/time.Second)))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
