package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskmill/internal/registry"
)

// LivenessReporter is satisfied by the worker pool.
type LivenessReporter interface {
	Liveness() map[string]time.Time
}

// NewServer exposes the monitoring surface: health, prometheus metrics,
// per-queue depth and worker liveness. The CRUD API lives elsewhere; this is
// only what operators point their dashboards at.
func NewServer(reg *registry.Service, pool LivenessReporter, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Get("/queues", func(w http.ResponseWriter, req *http.Request) {
		stats, err := reg.Stats(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		depths := make(map[string]int64, len(stats.Queues))
		for tier, n := range stats.Queues {
			depths[tier.String()] = n
		}
		statuses := make(map[string]int, len(stats.Statuses))
		for st, n := range stats.Statuses {
			statuses[string(st)] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{"depths": depths, "statuses": statuses})
	})

	r.Get("/workers", func(w http.ResponseWriter, _ *http.Request) {
		if pool == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, pool.Liveness())
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
