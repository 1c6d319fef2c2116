package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/felipemaragno/cmshooks/internal/domain"
)

type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int
}

// DefaultPolicy paces outbox hand-offs.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxAttempts:     domain.DefaultOutboxMaxAttempts,
	}
}

// DeliveryPolicy paces automatic retries of failed deliveries. Its
// attempt budget is the manual retry cap.
func DeliveryPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Minute,
		MaxInterval:     1 * time.Hour,
		Multiplier:      5.0,
		Jitter:          0.1,
		MaxAttempts:     domain.MaxRetries,
	}
}

func (p Policy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))

	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (rand.Float64()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	return time.Duration(delay)
}

func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.CalculateDelay(attempt))
}

// Due reports whether attempt may run at now when the previous one
// finished at last.
func (p Policy) Due(last, now time.Time, attempt int) bool {
	return !p.NextAttemptTime(last, attempt).After(now)
}
