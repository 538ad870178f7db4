package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/ppe-monitor/internal/web/handlers"
	"github.com/kozaktomas/ppe-monitor/internal/web/middleware"
)

const requestTimeout = 2 * time.Minute

func (s *Server) setupRoutes() {
	violationsHandler := handlers.NewViolationsHandler(s.deps.Store)
	reportHandler := handlers.NewReportHandler(s.deps.Store, s.deps.Store).WithNarrator(s.deps.Narrator)
	workersHandler := handlers.NewWorkersHandler(s.deps.Matcher, int64(s.config.Web.MaxUploadMB)<<20)
	streamsHandler := handlers.NewStreamsHandler(s.deps.Streams)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.Route("/api/v1", func(r chi.Router) {
		// SSE responses must not be cut by the request timeout
		r.Get("/streams/{id}/events", streamsHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			// Violations
			r.Get("/violations", violationsHandler.List)
			r.Get("/violations/{id}", violationsHandler.Get)
			r.Get("/violations/{id}/evidence", violationsHandler.Evidence)

			// Reports
			r.Get("/report", reportHandler.Get)
			r.Get("/report/briefing", reportHandler.Briefing)

			// Workers
			r.Get("/workers", workersHandler.List)

			// Streams
			r.Get("/streams", streamsHandler.List)
			r.Get("/streams/{id}/stats", streamsHandler.Stats)

			// Mutations require the API token when one is configured
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireToken(s.config.Web.APIToken))

				r.Post("/violations/{id}/review", violationsHandler.Review)
				r.Post("/workers", workersHandler.Register)
				r.Delete("/workers/{id}", workersHandler.Delete)
				r.Put("/matcher/threshold", workersHandler.SetThreshold)
				r.Post("/streams/{id}/reset", streamsHandler.Reset)
			})
		})
	})
}
