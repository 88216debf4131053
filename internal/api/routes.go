package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", s.HandleHealth)
		r.Get("/", s.HandleRoot)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.HandleLogin)
			r.Post("/refresh", s.HandleRefresh)
		})

		r.With(s.authMiddleware).Get("/status", s.HandleStatus)
	})

	// long lived, so outside the request timeout
	r.With(s.authMiddleware).Get("/ws", s.HandleWebSocket)
}
