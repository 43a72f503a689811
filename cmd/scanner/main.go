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
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/logger"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/scanner"

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
		log.Info("scanner metrics listening", zap.String("port", cfg.HTTP.MetricsPort))
		http.ListenAndServe(":"+cfg.HTTP.MetricsPort, mux)
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}

	usageRepo := postgres.NewUsageRepository(pgPool)

	producer := kafka.NewProducer(kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	defer producer.Close()

	s := scanner.New(cfg.Scanner, usageRepo, producer, log)

	log.Info("scanner starting", zap.String("topic", producer.GetTopic()))
	if err := s.Run(ctx); err != nil {
		log.Error("scanner stopped with error", zap.Error(err))
	}

	log.Info("scanner exited")
}
