package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	limits := s.cfg.Server.RateLimit

	var th *throttle

	if limits.Enabled {
		th = newThrottle(s.log.WithField("middleware", "ratelimit"), limits)
		go th.run(s.done)

		r.Use(chimw.RealIP)
	}

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	if s.cfg.WebSocket.Enabled {
		r.Get("/ws", s.handleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if th != nil {
				r.Use(th.limit(tierPublic))
			}

			r.Get("/health", s.handleHealth)
			r.Get("/suites", s.handleListSuites)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
		})

		// Submission and cancellation start or stop work on the host.
		r.Group(func(r chi.Router) {
			if th != nil {
				r.Use(th.limit(tierSubmit))
			}

			r.Post("/runs", s.handleSubmitRun)
			r.Post("/runs/{id}/cancel", s.handleCancelRun)
			r.Post("/compatibility/{category}/test", s.handleCompatibilityTest)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
