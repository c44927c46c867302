package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aiox-platform/inferq/internal/database"
	mw "github.com/aiox-platform/inferq/internal/middleware"
	inats "github.com/aiox-platform/inferq/internal/nats"
	iredis "github.com/aiox-platform/inferq/internal/redis"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	Generate     http.HandlerFunc
	Status       http.HandlerFunc
	Quota        http.HandlerFunc
	ListRequests http.HandlerFunc
	AuditLogs    http.HandlerFunc

	// AuthMiddleware resolves the caller from x-api-key.
	AuthMiddleware func(http.Handler) http.Handler
	// RateLimiter, if set, guards every client endpoint per IP.
	RateLimiter func(http.Handler) http.Handler
}

// Dependencies are probed by /health/ready. Nil members report "not configured".
type Dependencies struct {
	Pool  *pgxpool.Pool
	Redis goredis.Cmdable
	NATS  *inats.Client
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
}

const readinessTimeout = 2 * time.Second

func NewRouter(deps Dependencies, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness: the process is up, dependencies are not consulted.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", readiness(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if h.RateLimiter != nil {
			r.Use(h.RateLimiter)
		}
		r.Use(h.AuthMiddleware)

		r.Post("/generate", h.Generate)
		r.Get("/status", h.Status)
		r.Get("/quota", h.Quota)
		r.Get("/requests", h.ListRequests)
		if h.AuditLogs != nil {
			r.Get("/audit", h.AuditLogs)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		HandleError(w, NewNotFoundError("route not found"))
	})

	return r
}

func readiness(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		health := map[string]string{
			"status":   "ok",
			"postgres": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
		}
		status := http.StatusOK
		degrade := func(component string) {
			health[component] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if deps.Pool == nil {
			health["postgres"] = "not configured"
		} else if err := database.HealthCheck(ctx, deps.Pool); err != nil {
			degrade("postgres")
		}

		if deps.Redis == nil {
			health["redis"] = "not configured"
		} else if err := iredis.HealthCheck(ctx, deps.Redis); err != nil {
			degrade("redis")
		}

		if deps.NATS == nil {
			health["nats"] = "not configured"
		} else if !deps.NATS.Healthy() {
			degrade("nats")
		}

		JSON(w, status, health)
	}
}
