package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the token bucket for each key.
//
// RequestsPerSecond controls the steady-state refill rate.
// BurstSize is how many requests may be made back to back.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         5,
	}
}

// ConfigFor expresses "limit requests per window" as a token bucket
// that starts full.
func ConfigFor(limit int, window time.Duration) RateLimiterConfig {
	if limit <= 0 || window <= 0 {
		return DefaultRateLimiterConfig()
	}
	return RateLimiterConfig{
		RequestsPerSecond: float64(limit) / window.Seconds(),
		BurstSize:         limit,
	}
}

// RateLimiterManager maintains one limiter per key, created lazily with
// double-checked locking.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *RateLimiterManager) GetLimiter(key string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[key]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for key is allowed right now.
func (m *RateLimiterManager) Allow(key string) bool {
	return m.GetLimiter(key).Allow()
}

// Remove forgets the limiter for key, e.g. after its webhook is deleted.
func (m *RateLimiterManager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, key)
}
