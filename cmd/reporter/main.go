package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/application/factories/infrastructure"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/config"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/kafka"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/postgres"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/redis"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/logger"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/reporter"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("reporter metrics listening", zap.String("port", cfg.HTTP.MetricsPort))
		http.ListenAndServe(":"+cfg.HTTP.MetricsPort, mux)
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}

	redisCli, err := infraFactory.Redis(ctx)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}

	billingClient, err := infraFactory.Marketplace(ctx)
	if err != nil {
		log.Fatal("failed to init billing client", zap.Error(err))
	}

	usageRepo := postgres.NewUsageRepository(pgPool)
	deduper := redis.NewDeduper(redisCli, cfg.Reporter.DedupWindow)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	defer consumer.Close()

	dlq := kafka.NewProducer(kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.DLQTopic,
	})
	defer dlq.Close()

	r := reporter.New(cfg.Reporter, usageRepo, billingClient, deduper, dlq, log)

	if err := r.Run(ctx, consumer); err != nil {
		log.Error("reporter stopped with error", zap.Error(err))
	}

	log.Info("reporter exited")
}
