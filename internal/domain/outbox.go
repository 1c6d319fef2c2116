package domain

import "time"

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusProcessed  OutboxStatus = "processed"
	OutboxStatusRetrying   OutboxStatus = "retrying"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// DefaultOutboxMaxAttempts bounds how often the relay hands an entry off.
const DefaultOutboxMaxAttempts = 5

// OutboxEntry is a content event persisted for asynchronous dispatch.
type OutboxEntry struct {
	ID            string       `json:"id"`
	Event         ContentEvent `json:"event"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"maxAttempts"`
	NextAttemptAt *time.Time   `json:"nextAttemptAt,omitempty"`
	LastError     *string      `json:"lastError,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	ProcessedAt   *time.Time   `json:"processedAt,omitempty"`
}

func NewOutboxEntry(id string, event ContentEvent, now time.Time) *OutboxEntry {
	return &OutboxEntry{
		ID:          id,
		Event:       event,
		Status:      OutboxStatusPending,
		MaxAttempts: DefaultOutboxMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (e *OutboxEntry) CanRetry() bool {
	return e.Attempts < e.MaxAttempts
}

func (e *OutboxEntry) MarkAsProcessed(now time.Time) {
	e.Status = OutboxStatusProcessed
	e.Attempts++
	e.ProcessedAt = &now
	e.NextAttemptAt = nil
	e.LastError = nil
	e.UpdatedAt = now
}

func (e *OutboxEntry) MarkAsRetrying(now, nextAttempt time.Time, lastError string) {
	e.Status = OutboxStatusRetrying
	e.Attempts++
	e.NextAttemptAt = &nextAttempt
	e.LastError = &lastError
	e.UpdatedAt = now
}

// Release returns a claimed entry that was never handed off. No attempt
// is counted.
func (e *OutboxEntry) Release(now time.Time) {
	e.Status = OutboxStatusPending
	e.UpdatedAt = now
}

func (e *OutboxEntry) MarkAsFailed(now time.Time, lastError string) {
	e.Status = OutboxStatusFailed
	e.Attempts++
	e.NextAttemptAt = nil
	e.LastError = &lastError
	e.UpdatedAt = now
}
