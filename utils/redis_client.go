package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	URL      string
	Password string
	DB       int
}

// NewRedisClient creates a pooled Redis client and verifies the connection.
// URL may be a redis:// URL or a bare host:port.
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		// Fall back to simple connection
		opts = &redis.Options{
			Addr:     o.URL,
			Password: o.Password,
			DB:       o.DB,
		}
	}
	if opts.Password == "" {
		opts.Password = o.Password
	}

	// Configure connection pool
	opts.PoolSize = 100
	opts.MinIdleConns = 10
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 50 * time.Millisecond
	opts.MaxRetryBackoff = 500 * time.Millisecond

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}

	slog.Info("Successfully connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// RedisHealthCheck performs a health check on Redis connection
func RedisHealthCheck(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}
