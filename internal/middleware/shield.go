// Package middleware composes the admission pipeline every protected
// request traverses: identify, ban gate, token bucket, violation tracking,
// response shaping. Degradation policy lives here too: when the store
// cannot produce a verdict the request is admitted, never 5xx'd.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/atlas/shield/internal/abuse"
	"github.com/atlas/shield/internal/audit"
	"github.com/atlas/shield/internal/bucket"
	"github.com/atlas/shield/internal/identity"
	"github.com/atlas/shield/internal/observe"
)

// Engine is the slice of the bucket engine the middleware consumes.
// Substituted in tests.
type Engine interface {
	Check(ctx context.Context, principal string) (bucket.Verdict, error)
	Capacity() int64
}

// Shield is the rate-limiting middleware. One instance wraps every
// protected route.
type Shield struct {
	identifier *identity.Identifier
	engine     Engine
	guard      *abuse.Guard
	metrics    *observe.Metrics
	auditor    *audit.Auditor
	now        func() time.Time
}

// denialBody is the JSON payload of every 429.
type denialBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	Banned            bool   `json:"banned"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	Limit             int64  `json:"limit"`
	Remaining         int64  `json:"remaining"`
	Reset             int64  `json:"reset"`
	ThreatDetected    bool   `json:"threat_detected"`
}

// NewShield wires the pipeline. All collaborators are shared by reference;
// the middleware owns none of them.
func NewShield(identifier *identity.Identifier, engine Engine, guard *abuse.Guard, metrics *observe.Metrics, auditor *audit.Auditor) *Shield {
	return &Shield{
		identifier: identifier,
		engine:     engine,
		guard:      guard,
		metrics:    metrics,
		auditor:    auditor,
		now:        time.Now,
	}
}

// Middleware returns the mux-compatible wrapper.
func (s *Shield) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		admit := s.decide(w, r)
		s.metrics.ObserveLatency(s.now().Sub(start))
		if admit {
			next.ServeHTTP(w, r)
		}
	})
}

// decide runs the pipeline up to (but not including) the next handler and
// reports whether the request is admitted. Panics inside the pipeline are
// recovered into a fail-open admission: rate limiting is protective, not
// business-critical.
func (s *Shield) decide(w http.ResponseWriter, r *http.Request) (admit bool) {
	ctx := r.Context()
	principal := identity.UnknownIP

	defer func() {
		if rec := recover(); rec != nil {
			s.auditor.Logger().LogAttrs(ctx, slog.LevelError, "rate limiter panic",
				slog.Any("panic", rec),
				slog.String("client_id", principal),
				slog.String("action", "ALLOW (fail-open)"),
			)
			admit = true
		}
	}()

	principal = s.identifier.Identify(r)

	// Ban gate first: a banned principal never reaches the store, so it
	// cannot ride a refill tick out of its ban.
	if banned, remaining := s.guard.IsBanned(principal); banned {
		s.metrics.RecordBlocked(principal, true)
		s.auditor.Decision(ctx, audit.EventBannedRequestBlocked, principal, audit.ActionDeny, 0)
		s.writeBanned(w, remaining)
		return false
	}

	v, err := s.engine.Check(ctx, principal)
	if err != nil {
		s.metrics.RecordRedisError()
		s.metrics.RecordFailOpen(principal)
		s.auditor.Decision(ctx, audit.EventRateLimitFailOpen, principal, audit.ActionAllow, -1)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", s.engine.Capacity()))
		return true
	}

	if v.Allowed {
		s.metrics.RecordAllowed(principal)
		s.auditor.Decision(ctx, audit.EventRateLimitAllowed, principal, audit.ActionAllow, v.Remaining)
		s.setRateHeaders(w, v.Remaining, v.Reset)
		return true
	}

	becameBanned := s.guard.TrackViolation(principal)
	s.metrics.RecordBlocked(principal, becameBanned)
	if becameBanned {
		s.metrics.RecordThreatNeutralized()
		s.auditor.MaliciousClient(ctx, principal,
			s.guard.Violations(principal),
			int64(s.guard.BanDuration()/time.Second))
	}
	s.auditor.Decision(ctx, audit.EventRateLimitBlocked, principal, audit.ActionDeny, v.Remaining)
	s.writeDenied(w, v, becameBanned)
	return false
}

func (s *Shield) setRateHeaders(w http.ResponseWriter, remaining, reset int64) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", s.engine.Capacity()))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
}

// writeDenied shapes the over-quota 429. When this very denial escalated
// the principal to banned, the ban hints are already included.
func (s *Shield) writeDenied(w http.ResponseWriter, v bucket.Verdict, becameBanned bool) {
	retryAfter := v.Reset - s.now().Unix()
	if retryAfter < 1 {
		retryAfter = 1
	}
	body := denialBody{
		Error:             "Too Many Requests",
		Message:           "Rate limit exceeded. Slow down.",
		Banned:            becameBanned,
		RetryAfterSeconds: retryAfter,
		Limit:             s.engine.Capacity(),
		Remaining:         v.Remaining,
		Reset:             v.Reset,
		ThreatDetected:    becameBanned,
	}

	s.setRateHeaders(w, v.Remaining, v.Reset)
	h := w.Header()
	h.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	if becameBanned {
		banSecs := int64(s.guard.BanDuration() / time.Second)
		h.Set("X-Ban-Remaining", fmt.Sprintf("%d", banSecs))
		h.Set("X-Threat-Level", "BANNED")
		body.RetryAfterSeconds = banSecs
		h.Set("Retry-After", fmt.Sprintf("%d", banSecs))
		body.Message = "Too many violations. You are temporarily banned."
	}
	writeJSON(w, http.StatusTooManyRequests, body)
}

// writeBanned shapes the ban short-circuit 429. Remaining is always 0:
// banned principals do not refill.
func (s *Shield) writeBanned(w http.ResponseWriter, remaining time.Duration) {
	secs := int64(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++ // round up so clients never retry early
	}
	reset := s.now().Unix() + secs

	s.setRateHeaders(w, 0, reset)
	h := w.Header()
	h.Set("Retry-After", fmt.Sprintf("%d", secs))
	h.Set("X-Ban-Remaining", fmt.Sprintf("%d", secs))
	h.Set("X-Threat-Level", "BANNED")

	writeJSON(w, http.StatusTooManyRequests, denialBody{
		Error:             "Too Many Requests",
		Message:           "Temporarily banned for repeated violations.",
		Banned:            true,
		RetryAfterSeconds: secs,
		Limit:             s.engine.Capacity(),
		Remaining:         0,
		Reset:             reset,
		ThreatDetected:    true,
	})
}

// writeJSON is best-effort: an encode failure must not fail the request
// path, so it is swallowed after the status line is out.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
