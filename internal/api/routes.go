package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes возвращает роутер со всеми маршрутами API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(h.logger), Logging(h.logger))
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		NotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowed(w)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Compile (dry run)
		r.Post("/compile", h.Compile)

		// Graphs
		r.Get("/graphs", h.ListGraphs)
		r.Post("/graphs", h.CreateGraph)
		r.Get("/graphs/{id}", h.GetGraph)

		// Graph Versions
		r.Get("/graphs/{id}/versions", h.ListGraphVersions)
		r.Post("/graphs/{id}/versions", h.PublishGraphVersion)
		r.Get("/graphs/{id}/versions/{version}", h.GetGraphVersion)

		// Runs
		r.Get("/runs", h.ListRuns)
		r.Post("/graphs/{id}/runs", h.CreateRun)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/nodes", h.ListRunNodes)
		r.Get("/runs/{id}/events", h.RunEvents)

		// Operator
		r.Post("/runs/{id}/nodes/{key}/retry", h.RetryNode)
		r.Post("/runs/{id}/resume", h.ResumeRun)

		// Callbacks
		r.Post("/callbacks", h.Callback)
		r.Post("/callbacks/{callbackID}", h.CallbackByID)
	})

	return r
}
