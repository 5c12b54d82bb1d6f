package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/shield/internal/abuse"
	"github.com/atlas/shield/internal/audit"
	"github.com/atlas/shield/internal/bucket"
	"github.com/atlas/shield/internal/config"
	"github.com/atlas/shield/internal/identity"
	"github.com/atlas/shield/internal/observe"
)

// fakeEngine scripts bucket verdicts without a store. It models a simple
// capacity/refill bucket on a controllable clock so scenario tests can
// exercise the full pipeline.
type fakeEngine struct {
	capacity int64
	refill   int64
	tokens   map[string]float64
	last     map[string]int64
	clock    int64
	checks   int
	err      error
	panics   bool
}

func newFakeEngine(capacity, refill int64) *fakeEngine {
	return &fakeEngine{
		capacity: capacity,
		refill:   refill,
		tokens:   make(map[string]float64),
		last:     make(map[string]int64),
		clock:    1_700_000_000,
	}
}

func (f *fakeEngine) Capacity() int64 { return f.capacity }

func (f *fakeEngine) Check(_ context.Context, principal string) (bucket.Verdict, error) {
	f.checks++
	if f.panics {
		panic("engine exploded")
	}
	if f.err != nil {
		return bucket.Verdict{}, f.err
	}

	tokens, ok := f.tokens[principal]
	if !ok {
		tokens = float64(f.capacity)
		f.last[principal] = f.clock
	}
	elapsed := f.clock - f.last[principal]
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += float64(elapsed * f.refill)
	if tokens > float64(f.capacity) {
		tokens = float64(f.capacity)
	}
	f.last[principal] = f.clock

	if tokens >= 1 {
		tokens--
		f.tokens[principal] = tokens
		return bucket.Verdict{Allowed: true, Remaining: int64(tokens), Reset: f.clock}, nil
	}
	f.tokens[principal] = tokens
	return bucket.Verdict{Allowed: false, Remaining: int64(tokens), Reset: f.clock + 1}, nil
}

type harness struct {
	shield  *Shield
	engine  *fakeEngine
	guard   *abuse.Guard
	metrics *observe.Metrics
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	engine := newFakeEngine(5, 1)
	guard := abuse.NewGuard(10, time.Minute, 600*time.Second)
	t.Cleanup(guard.Stop)
	metrics := observe.NewMetrics(guard, 100)
	auditor := audit.New(io.Discard, config.EnvProduction)
	identifier := identity.New(config.ProxyTrust{Mode: config.TrustNone})

	shield := NewShield(identifier, engine, guard, metrics, auditor)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &harness{
		shield:  shield,
		engine:  engine,
		guard:   guard,
		metrics: metrics,
		handler: shield.Middleware(next),
	}
}

func (h *harness) request(remoteAddr string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("GET", "/api", nil)
	r.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func decodeDenial(t *testing.T, w *httptest.ResponseRecorder) denialBody {
	t.Helper()
	var body denialBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestBurstThenDenied(t *testing.T) {
	h := newHarness(t)

	// S1: five requests drain the bucket.
	for i := 0; i < 5; i++ {
		w := h.request("1.1.1.1:1000")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	// The fifth response reported an empty bucket.

	// S2: the sixth is denied with a retry hint.
	w := h.request("1.1.1.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	body := decodeDenial(t, w)
	assert.Equal(t, "Too Many Requests", body.Error)
	assert.False(t, body.Banned)
	assert.Equal(t, int64(0), body.Remaining)
	assert.False(t, body.ThreatDetected)
}

func TestRefillAfterWait(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 6; i++ {
		h.request("1.1.1.1:1000")
	}

	// S3: three seconds later one request passes with tokens to spare.
	h.engine.clock += 3
	w := h.request("1.1.1.1:1000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))
}

func TestEscalationToBan(t *testing.T) {
	h := newHarness(t)

	// S4: drain the bucket, then hammer until banned.
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, h.request("2.2.2.2:1000").Code)
	}

	var banResponse *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		banResponse = h.request("2.2.2.2:1000")
		require.Equal(t, http.StatusTooManyRequests, banResponse.Code)
	}

	// The 10th denial escalates.
	assert.Equal(t, "BANNED", banResponse.Header().Get("X-Threat-Level"))
	body := decodeDenial(t, banResponse)
	assert.True(t, body.Banned)
	assert.True(t, body.ThreatDetected)

	// Subsequent requests are short-circuited by the ban gate: the store
	// is never consulted, remaining is pinned to 0.
	before := h.engine.checks
	w := h.request("2.2.2.2:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "BANNED", w.Header().Get("X-Threat-Level"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-Ban-Remaining"))
	assert.Equal(t, before, h.engine.checks, "banned principal must not reach the engine")

	s := h.metrics.Snapshot()
	assert.Equal(t, int64(1), s.ThreatsNeutralized)
	assert.Equal(t, 1, s.BannedClients)
	assert.Equal(t, s.Blocked, s.BlockedStandard+s.BlockedMalicious)
	assert.LessOrEqual(t, s.ThreatsNeutralized, s.BlockedMalicious)
}

func TestFailOpenOnStoreError(t *testing.T) {
	h := newHarness(t)
	h.engine.err = errors.New("dial tcp: connection refused")

	// S5: every request is admitted, degradation is tracked.
	for i := 0; i < 3; i++ {
		w := h.request("3.3.3.3:1000")
		assert.Equal(t, http.StatusOK, w.Code)
	}

	s := h.metrics.Snapshot()
	assert.Equal(t, int64(3), s.FailOpenEvents)
	assert.Equal(t, int64(3), s.RedisErrors)
	assert.Less(t, s.HealthScore, 100.0)
	assert.Zero(t, s.ProtectionRate)
}

func TestSharedQuotaAcrossSourceIPs(t *testing.T) {
	h := newHarness(t)

	// S6: the same API key from different source addresses shares one
	// bucket.
	send := func(remote string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/api", nil)
		r.RemoteAddr = remote
		r.Header.Set("X-API-Key", "secret123")
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, r)
		return w
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, send("1.1.1.1:1").Code)
	}
	w := send("9.9.9.9:2")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "quota shared across IPs")

	require.Len(t, h.engine.tokens, 1)
	for principal := range h.engine.tokens {
		assert.Equal(t, "apikey:"+identity.HashAPIKey("secret123"), principal)
		assert.NotContains(t, principal, "secret123")
	}
}

func TestPanicInPipelineAdmits(t *testing.T) {
	h := newHarness(t)
	h.engine.panics = true

	w := h.request("4.4.4.4:1000")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLatencyIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.request("5.5.5.5:1000")
	h.request("5.5.5.5:1000")

	s := h.metrics.Snapshot()
	// Two decisions were observed; percentiles come from real samples.
	assert.GreaterOrEqual(t, s.LatencyP99, 0.0)
	assert.Equal(t, int64(2), s.Allowed)
}

func TestLocalLimiterWindow(t *testing.T) {
	l := NewLocalLimiter(3, 10*time.Second)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.False(t, l.Allow("k"))

	// Fresh window re-admits.
	now = now.Add(10 * time.Second)
	assert.True(t, l.Allow("k"))

	// Other keys are independent.
	assert.True(t, l.Allow("other"))
}

func TestLocalLimiterMiddleware(t *testing.T) {
	l := NewLocalLimiter(1, time.Minute)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/metrics", nil)
	r.RemoteAddr = "1.2.3.4:999"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
