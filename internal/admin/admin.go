// Package admin implements the gateway's observability surface: a chi
// router serving a readiness probe and the Prometheus-format metrics
// page. This server is deliberately separate from the hot-path gateway —
// it holds only a *metrics.Metrics pointer (lock-free atomics) and a
// Readiness it polls, so the shared-nothing discipline the worker pool
// follows does not apply here.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keystone-gateway/keystone/internal/metrics"
)

// Readiness reports whether the gateway has a worker actually listening.
// *worker.Pool implements this; admin deliberately doesn't import worker
// to keep the observability surface decoupled from the hot-path pool.
type Readiness interface {
	Ready() bool
}

// NewRouter returns a chi.Router serving:
//
//	GET /healthz  – readiness probe: 200 once ready is Ready(), 503 until then
//	GET /metrics  – Prometheus text exposition format
func NewRouter(m *metrics.Metrics, ready Readiness) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(ready))
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}

// handleHealthz responds to GET /healthz with a small JSON body: HTTP 200
// once ready reports at least one worker has completed its BPF barrier and
// is listening, HTTP 503 before that, so load balancers and orchestrators
// don't route traffic at a pool that hasn't bound a socket yet.
func handleHealthz(ready Readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !ready.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
