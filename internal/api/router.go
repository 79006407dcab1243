package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.bodySizeLimitMiddleware)

			r.Get("/health", s.handleHealth)
			r.Get("/close-check", s.handleCloseCheck)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/transfers", s.handleListTransfers)
			r.Get("/journal/printers", s.handleListKnownPrinters)
			r.Get(s.wsPath(), s.handleWebSocket)
		})

		r.Route("/printers", func(r chi.Router) {
			r.Get("/", s.handleListPrinters)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPrinter)
				r.With(s.bodySizeLimitMiddleware).Delete("/", s.handleRemovePrinter)
				r.Get("/transfers", s.handleListTransfers)

				// Job uploads carry whole print files and get their own limit.
				r.With(s.payloadLimitMiddleware).Post("/jobs", s.handleSubmitJob)
			})
		})
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}
