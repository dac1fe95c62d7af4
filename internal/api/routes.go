package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Post("/resolve", h.Resolve)
			r.Get("/rules", h.Rules)

			r.Route("/conflicts", func(r chi.Router) {
				r.Get("/", h.ListConflicts)
				r.Delete("/", h.ClearConflicts)
				r.Get("/stats", h.ConflictStats)
				r.Get("/fields", h.FieldConflicts)
				r.Delete("/fields", h.ClearFieldConflicts)
			})

			r.Route("/queue", func(r chi.Router) {
				r.With(IdempotencyKeyMiddleware).Post("/", h.Enqueue)
				r.Get("/items", h.ListItems)
				r.Get("/items/{id}", h.GetItem)
				r.Get("/stats", h.QueueStats)
				r.Post("/process", h.ProcessQueue)
				r.Post("/retry", h.RetryFailed)
				r.Delete("/completed", h.ClearCompleted)
				r.Get("/duplicates", h.Duplicates)
				r.Delete("/duplicates", h.RemoveDuplicates)
			})

			r.Get("/idempotency", h.IdempotencyStats)
			r.Post("/idempotency/cleanup", h.CleanupIdempotency)

			r.Route("/sync", func(r chi.Router) {
				r.Get("/status", h.SyncStatus)
				r.Get("/events", h.SyncEvents)
				r.Delete("/events", h.ClearSyncEvents)
				r.Post("/trigger", h.TriggerSync)
			})
		})
	})

	return r
}
