package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/cmshooks/internal/clock"
)

// NewRedisClient parses cfg.URL and applies the pool settings.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return redis.NewClient(opts), nil
}

// RedisRateLimiter implements a sliding window limit shared by every
// replica. Each accepted request is a sorted-set member scored by its
// timestamp in milliseconds.
//
// Algorithm:
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add new entry and allow
//  4. Otherwise, reject
//
// All operations are atomic using a Lua script.
type RedisRateLimiter struct {
	client   *redis.Client
	config   RedisRateLimiterConfig
	clock    clock.Clock
	fallback *RateLimiterManager
	logger   *slog.Logger
}

type RedisRateLimiterConfig struct {
	Limit  int
	Window time.Duration
	// Prefix namespaces the keys, e.g. "ratelimit:test".
	Prefix string
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Limit:  5,
		Window: time.Minute,
		Prefix: "ratelimit",
	}
}

// NewRedisRateLimiter falls back to an in-memory limiter with the same
// budget while Redis is unreachable.
func NewRedisRateLimiter(client *redis.Client, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	defaults := DefaultRedisRateLimiterConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisRateLimiter{
		client:   client,
		config:   config,
		clock:    clock.RealClock{},
		fallback: NewRateLimiterManager(ConfigFor(config.Limit, config.Window)),
		logger:   logger,
	}
}

// WithClock replaces the time source used to score requests.
func (r *RedisRateLimiter) WithClock(clk clock.Clock) *RedisRateLimiter {
	r.clock = clk
	return r
}

// rateLimitScript returns 1 if allowed, 0 if rate limited.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := r.config.Prefix + ":" + key
	now := r.clock.Now().UnixMilli()
	windowMs := r.config.Window.Milliseconds()

	result, err := rateLimitScript.Run(ctx, r.client, []string{redisKey}, now, windowMs, r.config.Limit, uuid.NewString()).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"key", key,
		)
		return r.fallback.Allow(key), nil
	}

	return result == 1, nil
}
