// Package httpapi exposes the Core Facade over HTTP: Prometheus
// metrics, liveness/readiness, and a JSON snapshot endpoint (spec §4.9,
// an expansion filling in the external transport spec.md leaves to the
// desktop UI shell). Grounded on the teacher's chi-routed health/metrics
// wiring pattern (the corpus's wisbric-nightowl/internal/httpserver is
// the concrete style reference; the teacher itself routes health checks
// through net/http directly, so this package generalizes that to chi
// per the pack's more common idiom).
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Core is the subset of *core.Core this package depends on. Declared
// as an interface so httpapi never imports pkg/core directly,
// mirroring the router/territory capability-handle pattern.
type Core interface {
	SnapshotMetrics() types.MetricsSnapshot
}

// HealthView reports the most severe currently-active alert, for the
// /healthz and /readyz handlers.
type HealthView struct {
	mu       sync.Mutex
	worst    types.HealthSeverity
	worstSet bool
}

// NewHealthView returns an empty view (healthy until told otherwise).
func NewHealthView() *HealthView {
	return &HealthView{}
}

// Observe records the worst severity seen across all alert codes;
// /healthz and /readyz only need a binary degraded/ok signal, not
// per-code detail (available via subscribe_health or /v1/snapshot).
func (h *HealthView) Observe(alert types.HealthAlert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.worstSet || alert.Severity > h.worst {
		h.worst = alert.Severity
		h.worstSet = true
	}
}

// Reset clears the tracked severity, e.g. after an operator
// acknowledges a degraded state.
func (h *HealthView) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.worst = types.SeverityInfo
	h.worstSet = false
}

func (h *HealthView) severity() (types.HealthSeverity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worst, h.worstSet
}

// NewRouter builds the chi.Mux serving /metrics, /healthz, /readyz, and
// /v1/snapshot.
func NewRouter(core Core, health *HealthView) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", handleHealthz())
	r.Get("/readyz", handleReadyz(health))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/snapshot", handleSnapshot(core))

	return r
}

func handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleReadyz reports 503 once the worst observed HealthAlert is
// Critical; Warning-level alerts still report ready (spec §4.7:
// Warning is advisory, Critical indicates sustained breach).
func handleReadyz(health *HealthView) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if sev, ok := health.severity(); ok && sev == types.SeverityCritical {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func handleSnapshot(core Core) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, core.SnapshotMetrics())
	}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Server wraps an http.Server for the Core Facade's HTTP surface,
// started and stopped alongside the rest of the core's lifecycle.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server listening on addr.
func NewServer(addr string, core Core, health *HealthView) *Server {
	return &Server{httpServer: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(core, health),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown closes the HTTP server immediately; in-flight requests are
// not waited for.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}
