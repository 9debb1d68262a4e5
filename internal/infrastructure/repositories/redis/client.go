package redis

import (
	"context"
	"fmt"
	"time"

	"airwave/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ClientOptions struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// NewRedisClient connects with pooling, waits for the server to answer PING and brings
// the key schema up to date.
func NewRedisClient(opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := retry.Retry(ctx, retry.DefaultConfig(), func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, opts.KeyPrefix, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}

	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
