// Package api assembles the HTTP surface of the gateway: the protected
// demo routes, the health probe, the metrics exposition, and the
// development-only stats dump.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas/shield/internal/audit"
	"github.com/atlas/shield/internal/config"
	"github.com/atlas/shield/internal/middleware"
	"github.com/atlas/shield/internal/observe"
)

// HealthChecker reports whether the shared store is reachable.
// *store.Store satisfies it.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Server owns the router and its collaborators.
type Server struct {
	cfg     config.Config
	shield  *middleware.Shield
	metrics *observe.Metrics
	store   HealthChecker
	auditor *audit.Auditor
}

type healthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp string            `json:"timestamp"`
}

// NewServer wires the routes. The metrics endpoint gets its own registry
// so the exposition carries exactly the atlas_ families and nothing else.
func NewServer(cfg config.Config, shield *middleware.Shield, metrics *observe.Metrics, st HealthChecker, auditor *audit.Auditor) *Server {
	return &Server{cfg: cfg, shield: shield, metrics: metrics, store: st, auditor: auditor}
}

// Router builds the full route tree.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	registry := prometheus.NewRegistry()
	registry.MustRegister(observe.NewCollector(s.metrics))
	metricsLimiter := middleware.NewLocalLimiter(50, 10*time.Second)
	r.Handle("/metrics", metricsLimiter.Middleware(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))).Methods("GET")

	if s.cfg.IsDevelopment() {
		r.HandleFunc("/debug/stats", s.handleStats).Methods("GET")
	}

	// Everything under /api sits behind the shield.
	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(s.shield.Middleware)
	protected.HandleFunc("/ping", s.handlePing).Methods("GET")
	protected.HandleFunc("/echo", s.handleEcho).Methods("POST")

	return r
}

// statusRecorder captures the status code written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	log := s.auditor.Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.DebugContext(r.Context(), "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	redisState := "healthy"
	if !s.store.Healthy(ctx) {
		redisState = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Services: map[string]string{
			"api":   "healthy",
			"redis": redisState,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
