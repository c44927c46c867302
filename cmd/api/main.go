package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aiox-platform/inferq/internal/api"
	"github.com/aiox-platform/inferq/internal/audit"
	"github.com/aiox-platform/inferq/internal/auth"
	"github.com/aiox-platform/inferq/internal/config"
	"github.com/aiox-platform/inferq/internal/database"
	"github.com/aiox-platform/inferq/internal/inference"
	"github.com/aiox-platform/inferq/internal/logging"
	mw "github.com/aiox-platform/inferq/internal/middleware"
	inats "github.com/aiox-platform/inferq/internal/nats"
	"github.com/aiox-platform/inferq/internal/quota"
	"github.com/aiox-platform/inferq/internal/reconciler"
	iredis "github.com/aiox-platform/inferq/internal/redis"
	"github.com/aiox-platform/inferq/internal/requests"
	"github.com/aiox-platform/inferq/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB); err != nil {
		slog.Error("migrating database", "error", err)
		os.Exit(1)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS
	natsClient, err := inats.NewClient(ctx, cfg.NATS)
	if err != nil {
		slog.Error("connecting to nats", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	publisher := inats.NewPublisher(natsClient.JetStream())
	consumerMgr := inats.NewConsumerManager(natsClient.JetStream())

	// Quota
	quotaStore := quota.NewStore(redisClient, quota.Limits{
		Requests: cfg.Quota.RequestLimit,
		Tokens:   cfg.Quota.TokenLimit,
	})
	quotaSvc := quota.NewService(quotaStore, quota.NewRepository(pool), cfg.Quota.FailMode == config.FailOpen)

	// Ledger + admission
	ledger := requests.NewRepository(pool)
	inferenceSvc := inference.NewService(quotaSvc, ledger, publisher, cfg.Admission.DefaultModel, cfg.Admission.DownstreamTimeout)
	inferenceHandler := inference.NewHandler(inferenceSvc)

	// Background: reconciler + audit persister
	sched := reconciler.NewScheduler(
		reconciler.New(ledger, publisher, cfg.Reconciler.StaleAfter, cfg.Reconciler.BatchSize,
			reconciler.WithRedispatchAfter(cfg.Reconciler.RedispatchAfter),
			reconciler.WithStuckAfter(cfg.Reconciler.StuckAfter),
		),
		cfg.Reconciler.Schedule,
	)
	if err := sched.Start(ctx); err != nil {
		slog.Error("starting reconciler", "error", err)
		os.Exit(1)
	}

	auditRepo := audit.NewRepository(pool)
	auditConsumer := audit.NewConsumer(auditRepo, consumerMgr)
	go func() {
		if err := auditConsumer.Start(ctx); err != nil {
			slog.Error("audit consumer stopped", "error", err)
		}
	}()

	// Router
	limiter := mw.NewRateLimiter(redisClient, cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds)
	router := api.NewRouter(
		api.Dependencies{Pool: pool, Redis: redisClient, NATS: natsClient},
		api.RouterConfig{CORSAllowedOrigins: cfg.CORS.AllowedOrigins},
		api.HandlerSet{
			Generate:       inferenceHandler.Generate,
			Status:         inferenceHandler.Status,
			Quota:          inferenceHandler.Quota,
			ListRequests:   inferenceHandler.List,
			AuditLogs:      audit.NewHandler(auditRepo).List,
			AuthMiddleware: auth.Middleware,
			RateLimiter:    limiter.Middleware,
		},
	)

	srv := server.New(cfg.Server, router)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	sched.Stop()
}
