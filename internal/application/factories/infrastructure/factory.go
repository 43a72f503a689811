package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/config"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/marketplace"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/postgres"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/redis"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/sns"

	"github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

// Factory builds and memoizes infrastructure clients. Clients are
// constructed once per process and injected into components, never reached
// through package globals.
type Factory struct {
	cfg         *config.Config
	pgPool      *pgxpool.Pool
	redisCli    *go_redis.Client
	marketplace *marketplace.Client
	notifier    *sns.Notifier
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg: cfg,
	}
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	// Retry connection up to 5 times
	for i := 0; i < 5; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
		})
		if err == nil {
			break
		}
		fmt.Printf("Failed to connect to postgres (attempt %d/5): %v. Retrying in 2s...\n", i+1, err)
		time.Sleep(2 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr: f.cfg.Redis.Addr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

func (f *Factory) Marketplace(ctx context.Context) (*marketplace.Client, error) {
	if f.marketplace != nil {
		return f.marketplace, nil
	}

	client, err := marketplace.NewClient(ctx, marketplace.Config{
		Region:      f.cfg.AWS.Region,
		ProductCode: f.cfg.AWS.ProductCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init marketplace client: %w", err)
	}

	f.marketplace = client
	return client, nil
}

func (f *Factory) Notifier(ctx context.Context) (*sns.Notifier, error) {
	if f.notifier != nil {
		return f.notifier, nil
	}

	notifier, err := sns.NewNotifier(ctx, sns.Config{
		Region:   f.cfg.AWS.Region,
		TopicARN: f.cfg.AWS.SNSTopicARN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sns notifier: %w", err)
	}

	f.notifier = notifier
	return notifier, nil
}

func (f *Factory) Close() {
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
