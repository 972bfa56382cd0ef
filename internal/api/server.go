// Package api exposes the operational HTTP surface: health, metrics,
// governance controls, manual runs and candidate review.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the router with all routes configured. gatherer may be
// nil, in which case /metrics serves the default registry.
func NewRouter(h *Handler, gatherer prometheus.Gatherer, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", h.Health)
	if gatherer == nil {
		r.Handle("/metrics", promhttp.Handler())
	} else {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/governance", h.GetGovernance)
		r.Post("/governance/safe-mode", h.SetSafeMode)
		r.Post("/scan-now", h.ScanNow)

		r.Route("/candidates", func(r chi.Router) {
			r.Get("/", h.ListCandidates)
			r.Post("/{id}/accept", h.AcceptCandidate)
			r.Post("/{id}/dismiss", h.DismissCandidate)
		})
	})

	return r
}
