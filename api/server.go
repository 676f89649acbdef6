/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address for rate limiting
  3. RequestLogger: zap access log + HTTP metrics
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for frontend
  6. RateLimiter:   Per-IP token bucket (when configured)

ROUTE GROUPS:
  /api/users/*   Public: signup, login; logout reads the token itself
  /api/posts/*   Authenticated
  /api/admin/*   Authenticated, admin role
  /healthz       Liveness
  /metrics       Prometheus (when a handler is provided)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication, logging, rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter. Zero values disable the feature.
type RouterOptions struct {
	CORSOrigins []string
	RateLimiter *RateLimiter
	Recorder    HTTPRecorder
	Metrics     http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger, opts.Recorder))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Middleware)
		}

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
		})

		// Post routes
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(h.Resolver, h.Logger))

			r.Route("/posts", func(r chi.Router) {
				r.Get("/", h.ListPosts)
				r.Post("/", h.CreatePost)
				r.Put("/{id}", h.EditPost)
				r.Delete("/{id}", h.DeletePost)
				r.Put("/{id}/like", h.React)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin(h.Logger))
				r.Get("/audit", h.Audit)
				r.Get("/audit/last", h.LastAudit)
			})
		})
	})

	return r
}
