// Package resilience protects webhook endpoints and the service itself:
// a per-webhook circuit breaker for live deliveries and a keyed rate
// limiter for synchronous test deliveries.
package resilience

import (
	"context"
	"time"
)

// RateLimiter decides whether one more request under key is allowed.
// Implementations are in-memory (LocalRateLimiter) or Redis-backed
// (RedisRateLimiter) so several API replicas can share one budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalRateLimiter adapts RateLimiterManager to the RateLimiter interface.
type LocalRateLimiter struct {
	manager *RateLimiterManager
}

// NewLocalRateLimiter allows limit requests per window for each key.
func NewLocalRateLimiter(limit int, window time.Duration) *LocalRateLimiter {
	return &LocalRateLimiter{manager: NewRateLimiterManager(ConfigFor(limit, window))}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.manager.Allow(key), nil
}

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}
