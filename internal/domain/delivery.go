package domain

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSuccess, DeliveryStatusFailed, DeliveryStatusRetrying:
		return true
	}
	return false
}

const (
	// MaxRetries caps manual retries of a single log entry.
	MaxRetries = 3
	// ResponseBodyLimit is the number of characters of response body kept.
	ResponseBodyLimit = 10000
	// LogRetention is how long delivery logs are kept before cleanup.
	LogRetention = 30 * 24 * time.Hour
	// StatsWindow is the lookback for the status breakdown in stats.
	StatsWindow = 7 * 24 * time.Hour
	// RecentLogsLimit is how many recent entries stats include.
	RecentLogsLimit = 10
)

// DeliveryLog records one delivery of one envelope to one webhook.
// Retries update the same row; DeliveryAttempt keeps the history.
type DeliveryLog struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	WebhookID      string            `json:"webhookId"`
	EventType      EventType         `json:"eventType"`
	EntityType     string            `json:"entityType"`
	EntityID       string            `json:"entityId"`
	EntityName     string            `json:"entityName,omitempty"`
	RequestURL     string            `json:"requestUrl"`
	RequestHeaders map[string]string `json:"requestHeaders"`
	RequestBody    string            `json:"requestBody"`
	ResponseStatus *int              `json:"responseStatus,omitempty"`
	ResponseBody   *string           `json:"responseBody,omitempty"`
	DurationMs     *int64            `json:"durationMs,omitempty"`
	Error          *string           `json:"error,omitempty"`
	Status         DeliveryStatus    `json:"status"`
	RetryCount     int               `json:"retryCount"`
	Version        int               `json:"-"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// CanRetry is false once the entry succeeded or the retry budget is spent.
func (l *DeliveryLog) CanRetry() bool {
	return l.Status != DeliveryStatusSuccess && l.RetryCount < MaxRetries
}

// InFlight reports whether an attempt on the entry may still be running:
// it is pending or retrying and was touched less than window ago. Entries
// older than that were abandoned by a crashed process.
func (l *DeliveryLog) InFlight(now time.Time, window time.Duration) bool {
	if l.Status != DeliveryStatusPending && l.Status != DeliveryStatusRetrying {
		return false
	}
	return now.Sub(l.UpdatedAt) < window
}

func (l *DeliveryLog) MarkAsRetrying(now time.Time) {
	l.Status = DeliveryStatusRetrying
	l.RetryCount++
	l.UpdatedAt = now
}

func (l *DeliveryLog) MarkAsSucceeded(now time.Time, status int, body string, duration time.Duration) {
	ms := duration.Milliseconds()
	l.Status = DeliveryStatusSuccess
	l.ResponseStatus = &status
	l.ResponseBody = &body
	l.DurationMs = &ms
	l.Error = nil
	l.UpdatedAt = now
}

// MarkAsFailed records a failed attempt. status is 0 when no response arrived.
func (l *DeliveryLog) MarkAsFailed(now time.Time, status int, body *string, duration time.Duration, reason string) {
	ms := duration.Milliseconds()
	l.Status = DeliveryStatusFailed
	if status > 0 {
		l.ResponseStatus = &status
	} else {
		l.ResponseStatus = nil
	}
	l.ResponseBody = body
	l.DurationMs = &ms
	l.Error = &reason
	l.UpdatedAt = now
}

// Summary is the compact form used in statistics.
func (l *DeliveryLog) Summary() DeliveryLogSummary {
	return DeliveryLogSummary{
		ID:             l.ID,
		EventType:      l.EventType,
		EntityType:     l.EntityType,
		EntityID:       l.EntityID,
		Status:         l.Status,
		ResponseStatus: l.ResponseStatus,
		DurationMs:     l.DurationMs,
		RetryCount:     l.RetryCount,
		CreatedAt:      l.CreatedAt,
	}
}

// DeliveryAttempt is an append-only audit record of a single HTTP attempt.
// AttemptNumber 1 is the initial delivery.
type DeliveryAttempt struct {
	ID            int64     `json:"id"`
	LogID         string    `json:"logId"`
	AttemptNumber int       `json:"attemptNumber"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Error         *string   `json:"error,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AttemptFor snapshots the current outcome of l.
func AttemptFor(l *DeliveryLog) *DeliveryAttempt {
	a := &DeliveryAttempt{
		LogID:         l.ID,
		AttemptNumber: l.RetryCount + 1,
		StatusCode:    l.ResponseStatus,
		Error:         l.Error,
		CreatedAt:     l.UpdatedAt,
	}
	if l.DurationMs != nil {
		a.DurationMs = *l.DurationMs
	}
	return a
}
