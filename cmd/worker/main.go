package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aiox-platform/inferq/internal/config"
	"github.com/aiox-platform/inferq/internal/database"
	"github.com/aiox-platform/inferq/internal/logging"
	inats "github.com/aiox-platform/inferq/internal/nats"
	"github.com/aiox-platform/inferq/internal/quota"
	iredis "github.com/aiox-platform/inferq/internal/redis"
	"github.com/aiox-platform/inferq/internal/requests"
	"github.com/aiox-platform/inferq/internal/worker"
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

	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	natsClient, err := inats.NewClient(ctx, cfg.NATS)
	if err != nil {
		slog.Error("connecting to nats", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	quotaSvc := quota.NewService(
		quota.NewStore(redisClient, quota.Limits{Requests: cfg.Quota.RequestLimit, Tokens: cfg.Quota.TokenLimit}),
		quota.NewRepository(pool),
		cfg.Quota.FailMode == config.FailOpen,
	)

	client := worker.NewHTTPClient(cfg.Worker.InferenceURL, worker.WithHTTPClient(&http.Client{}))
	processor := worker.NewProcessor(requests.NewRepository(pool), client, quotaSvc, cfg.Worker.MaxLength, cfg.Worker.Timeout)

	// Redelivery must not overtake a request that is still running.
	ackWait := cfg.Worker.Timeout + cfg.Admission.DownstreamTimeout*2
	w := worker.New(processor, inats.NewConsumerManager(natsClient.JetStream()), cfg.Worker.Concurrency, ackWait)

	if err := w.Start(ctx); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped gracefully")
}
