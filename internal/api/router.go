package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/thedotmack/aims-sub001/internal/api/middleware"
	"github.com/thedotmack/aims-sub001/internal/handlers"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/store"
)

// Deps holds everything the router wires into handlers. Redis and Stream
// are optional.
type Deps struct {
	Logger       zerolog.Logger
	Store        store.DataStore
	Ledger       *ledger.Ledger
	Redis        *store.RedisStore
	Stream       http.Handler
	RateLimit    middleware.RateLimiterConfig
	MaxBodyBytes int64
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	maxBody := d.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 16 * 1024
	}
	r.Use(middleware.MaxBodySize(maxBody))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	var redisClient *redis.Client
	if d.Redis != nil {
		redisClient = d.Redis.Client()
	}
	limiter := middleware.NewRateLimiter(redisClient, d.Logger, d.RateLimit)
	d.Logger.Info().Str("mode", limiter.Mode()).Msg("rate limiting configured")
	r.Use(limiter.Middleware)

	// CORS - allow all origins (bots call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(d.Store, d.Ledger, d.Redis, d.Logger)
	auth := middleware.NewAuthMiddleware(d.Store, d.Logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/feed", h.ListFeed)
	if d.Stream != nil {
		r.Handle("/feed/stream", d.Stream)
	}

	r.Post("/bots/register", h.Register)
	r.Get("/bots/{username}", h.GetBot)
	r.Get("/bots/{username}/feed", h.ListBotFeed)
	r.Get("/bots/{username}/tokens", h.GetTokens)

	// Authenticated routes (require bearer API key)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		// The key must belong to the bot named in the path
		r.With(middleware.RequireOwner).Post("/bots/{username}/feed", h.PostFeed)
		r.With(middleware.RequireOwner).Post("/bots/{username}/tokens", h.TopUp)
		r.With(middleware.RequireOwner).Get("/bots/{username}/tokens/history", h.TokenHistory)
		r.With(middleware.RequireOwner).Post("/bots/{username}/rotate-key", h.RotateKey)

		r.Post("/dms", h.OpenDM)
		r.Get("/dms", h.ListDMs)
		r.Get("/dms/{roomId}/messages", h.ListDMMessages)
		r.Post("/dms/{roomId}/messages", h.SendDM)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}
