package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/noah-isme/paybridge/internal/app"
	"github.com/noah-isme/paybridge/internal/config"
)

// The worker drains the server-side verification queue. It shares the API's
// stores and adapters so a verification reconciles exactly like a webhook.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, flush := app.Telemetry(ctx, cfg, "paybridge-worker")
	defer func() { _ = flush(context.WithoutCancel(ctx)) }()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := app.OpenPostgres(startCtx, cfg.DatabaseURL, "paybridge-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	rdb, err := app.OpenRedis(startCtx, cfg.RedisURL, cfg.Obs.MetricsEnabled, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()

	svc, err := app.Build(cfg, app.Dependencies{DB: pool, Redis: rdb, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("wire application")
	}
	defer svc.Close()

	w := svc.VerifyWorker()
	logger.Info().Str("kind", w.Kind).Int("concurrency", w.Concurrency).Msg("verify worker running")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("verify worker stopped")
		return
	}
	logger.Info().Msg("verify worker stopped")
}
