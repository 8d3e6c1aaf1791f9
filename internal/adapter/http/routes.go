package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)

		// Collaborative reasoning
		r.Post("/questions", h.AskQuestion)
		r.Post("/debates", h.StartDebate)
		r.Post("/solutions", h.SolveCollaboratively)
		r.Post("/verifications", h.VerifySolution)

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents/{id}", h.GetAgent)

		// Shared context
		r.Get("/context", h.GetContext)
		r.Put("/context/knowledge", h.UpdateKnowledge)

		r.Get("/telemetry", h.GetTelemetry)
	})
}
