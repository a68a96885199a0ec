package queue

import (
	"context"
	"log/slog"
	"time"

	"siteops/internal/platform/config"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds the accelerator client. It returns nil when no
// address is configured or the durable-only backend is selected. An
// unreachable server is not an error: the queue reports itself degraded
// and keeps working from Postgres.
func NewRedisClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.Queue.Backend != config.BackendRedisDispatch || cfg.RedisAddr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.Queue.AcceleratorTimeout,
		ReadTimeout:  cfg.Queue.AcceleratorTimeout,
		WriteTimeout: cfg.Queue.AcceleratorTimeout,
		MaxRetries:   1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis accelerator unreachable at startup, continuing durable-only", "addr", cfg.RedisAddr, "error", err)
	} else {
		logger.Info("redis accelerator connected", "addr", cfg.RedisAddr)
	}
	return rdb
}
