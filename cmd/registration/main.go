package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/api"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/application/factories/infrastructure"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/config"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/postgres"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/logger"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/usecase"

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

	resolver, err := infraFactory.Marketplace(ctx)
	if err != nil {
		log.Fatal("failed to init marketplace client", zap.Error(err))
	}

	notifier, err := infraFactory.Notifier(ctx)
	if err != nil {
		log.Fatal("failed to init sns notifier", zap.Error(err))
	}

	txManager := postgres.NewTxManager(pgPool)
	subscriberRepo := postgres.NewSubscriberRepository(pgPool)
	usageRepo := postgres.NewUsageRepository(pgPool)

	registerUC := usecase.NewRegisterSubscriber(txManager, resolver, subscriberRepo, usageRepo, notifier, log)
	getUC := usecase.NewGetSubscriber(subscriberRepo)

	handlers := api.NewHandlers(registerUC, getUC)
	router := api.NewRouter(handlers, redisCli)

	server := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("registration api listening", zap.String("port", cfg.HTTP.Port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}

	log.Info("registration api exited")
}
