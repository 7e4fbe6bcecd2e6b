package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agenthub-protocol/agenthub/internal/api/middleware"
	"github.com/agenthub-protocol/agenthub/internal/gateway"
	"github.com/agenthub-protocol/agenthub/internal/handlers"
)

// Options carries the optional collaborators for the router.
type Options struct {
	RedisClient     *redis.Client // nil disables rate limiting
	RateLimitConfig middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, gw *gateway.Gateway, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting (only when Redis is configured)
	if opts.RedisClient != nil {
		limiter := middleware.NewRateLimiter(opts.RedisClient, logger, opts.RateLimitConfig)
		r.Use(limiter.Middleware)
	}

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Agent-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Messaging
	r.Post("/send", h.Send)
	r.Get("/history", h.History)
	r.Get("/find", h.Find)

	// Channels
	r.Get("/channels", h.ListChannels)
	r.Post("/channels", h.ProvisionChannel)
	r.Get("/channels/{name}", h.GetChannel)

	// Presence
	r.Get("/presence", h.WhoAll)
	r.Get("/presence/{id}", h.Who)

	// Live feed
	r.Get("/ws", gw.HandleWS)

	return r
}
