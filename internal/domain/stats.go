package domain

import "time"

// StatusBreakdown counts delivery log entries per status.
type StatusBreakdown struct {
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
}

func (b *StatusBreakdown) Add(status DeliveryStatus, n int) {
	switch status {
	case DeliveryStatusSuccess:
		b.Success += n
	case DeliveryStatusFailed:
		b.Failed += n
	case DeliveryStatusPending:
		b.Pending += n
	case DeliveryStatusRetrying:
		b.Retrying += n
	}
}

func (b StatusBreakdown) Total() int {
	return b.Success + b.Failed + b.Pending + b.Retrying
}

type DeliveryLogSummary struct {
	ID             string         `json:"id"`
	EventType      EventType      `json:"eventType"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	Status         DeliveryStatus `json:"status"`
	ResponseStatus *int           `json:"responseStatus,omitempty"`
	DurationMs     *int64         `json:"durationMs,omitempty"`
	RetryCount     int            `json:"retryCount"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// WebhookStats is the health view of a single webhook.
type WebhookStats struct {
	WebhookID       string               `json:"webhookId"`
	SuccessCount    int64                `json:"successCount"`
	FailureCount    int64                `json:"failureCount"`
	LastTriggeredAt *time.Time           `json:"lastTriggeredAt,omitempty"`
	Last7Days       StatusBreakdown      `json:"last7Days"`
	RecentLogs      []DeliveryLogSummary `json:"recentLogs"`
}
