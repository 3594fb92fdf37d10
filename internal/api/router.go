package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/api/middleware"
	"github.com/arborlabs/arbor/internal/config"
	"github.com/arborlabs/arbor/internal/handlers"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(h *handlers.Handler, redisClient *redis.Client, cfg *config.Config, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // 64KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - the web client may be hosted from any origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := middleware.NewAuthMiddleware(cfg.JWTSecret)

	// Rate limiting. Disabled when running without Redis. Installed after
	// auth on the protected routes so per-user budgets key on the
	// authenticated user id, not the client IP.
	limiter := middleware.NewRateLimiter(redisClient, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required; the shared view is limited per IP)
	r.Get("/health", h.Health)
	r.With(limiter.Middleware).Get("/shared/{chatID}", h.GetSharedChat)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Use(limiter.Middleware)

		r.Get("/chats", h.ListChats)
		r.Get("/chats/{chatID}/messages", h.ListMessages)
		r.Post("/chats/{chatID}/messages", h.SubmitMessage)
		r.Post("/chats/{chatID}/generate", h.StartGeneration)
		r.Get("/chats/{chatID}/subscribe", h.Subscribe)
		r.Patch("/chats/{chatID}/sharing", h.UpdateSharing)
	})

	return r
}
