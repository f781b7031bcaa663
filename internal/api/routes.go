package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)
		r.Handle("/metrics", promhttp.Handler())

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/checkpoints", h.ListCheckpoints)
			r.With(SourceMiddleware(h.scheduler.HasSource)).Get("/checkpoints/{source}", h.GetCheckpoint)
			r.With(SourceMiddleware(h.scheduler.HasSource)).Post("/sync/{source}/trigger", h.TriggerSync)

			r.Get("/reports", h.ListReports)

			r.Post("/memories", h.StoreMemory)

			r.Get("/queue", h.ListQueue)
			r.Get("/queue/stats", h.QueueStats)
			r.Get("/queue/{id}", h.GetQueueRecord)
			r.Post("/queue/{id}/retry", h.RetryQueueRecord)
			r.Post("/queue/{id}/redrive", h.RedriveQueueRecord)
		})
	})

	return r
}
