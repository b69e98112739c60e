package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings within connectTimeout.
func NewRedisClient(ctx context.Context, addr, password string, db int64, connectTimeout time.Duration) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       int(db),
	})
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if _, err := redisClient.Ping(timeoutCtx).Result(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return redisClient, nil
}
