// Package main 用户通知推送器入口（notify-worker）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/infrastructure/messaging"
	"artisan-gen-api/internal/infrastructure/notification"
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

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "notify-worker",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	sender := notification.NewPushSender(&cfg.Notification)

	consumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamUserNotify,
		Group:         messaging.ConsumerGroupNotifyWorker,
		ConsumerName:  hostnameConsumerName(),
		BlockTimeout:  cfg.Messaging.RedisStream.BlockTimeout,
		ClaimInterval: cfg.Messaging.RedisStream.ClaimInterval,
		RetryLimit:    cfg.Messaging.RedisStream.RetryLimit,
		Backoff: messaging.BackoffConfig{
			Initial:    cfg.Messaging.RedisStream.RetryBackoff.Initial,
			Max:        cfg.Messaging.RedisStream.RetryBackoff.Max,
			Multiplier: cfg.Messaging.RedisStream.RetryBackoff.Multiplier,
		},
	})

	consumer.RegisterHandler(messaging.TypeUserNotification, func(msgCtx context.Context, msg *messaging.Message) error {
		var payload messaging.NotificationMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			// 载荷损坏无法重试，记录后丢弃
			logger.Error(msgCtx, "invalid notification payload", err, "message_id", msg.ID)
			return nil
		}
		return sender.Send(msgCtx, &payload)
	})

	if err := consumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start consumer", err)
	}
	go consumer.MonitorDLQ(ctx, 100)

	log.Info("notify-worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down notify-worker...")
	consumer.Stop()
	cancel()
	log.Info("notify-worker exited")
}

// hostnameConsumerName 以主机名区分消费者实例
func hostnameConsumerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "notify-worker-" + uuid.NewString()[:8]
	}
	return "notify-worker-" + hostname
}
