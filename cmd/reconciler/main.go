// Package main 对账任务入口（reconciler）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"artisan-gen-api/internal/application/orchestration"
	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/infrastructure/creditledger"
	"artisan-gen-api/internal/infrastructure/messaging"
	"artisan-gen-api/internal/infrastructure/notification"
	"artisan-gen-api/internal/infrastructure/persistence/postgres"
	"artisan-gen-api/internal/infrastructure/persistence/redis"
	"artisan-gen-api/pkg/logger"
	"artisan-gen-api/pkg/tracer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logger.FromContext(ctx)

	if !cfg.Features.Reconciler.Enabled {
		log.Info("reconciler disabled by config, exiting")
		return
	}

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "reconciler",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatal(ctx, "failed to init postgres", err)
	}
	defer func() { _ = pgClient.Close() }()

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	requestRepo := postgres.NewGenerationRequestRepository(pgClient)
	producer := messaging.NewProducer(redisClient.Redis(), int64(cfg.Messaging.RedisStream.MaxLen))
	ledger := creditledger.NewClient(&cfg.Ledger)
	notifier := notification.NewStreamNotifier(producer)
	statusCache := redis.NewStatusCache(redisClient, cfg.Cache.StatusTTL)

	orch := orchestration.NewOrchestrator(requestRepo, ledger, producer, notifier, statusCache, cfg)
	reconciler := orchestration.NewReconciler(orch, cfg.Features.Reconciler)

	go func() {
		if err := reconciler.Run(ctx); err != nil {
			log.Error("reconciler run failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down reconciler...")
	cancel()
	log.Info("reconciler exited")
}
