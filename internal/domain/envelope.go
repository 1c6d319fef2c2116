package domain

import (
	"encoding/json"
	"time"
)

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Envelope is the JSON document POSTed to every subscriber.
type Envelope struct {
	Event     EventType    `json:"event"`
	Timestamp string       `json:"timestamp"`
	Data      EnvelopeData `json:"data"`
}

type EnvelopeData struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	EntityName string         `json:"entityName,omitempty"`
	Action     string         `json:"action"`
	Changes    map[string]any `json:"changes,omitempty"`
	Actor      *Actor         `json:"actor,omitempty"`
}

// NewEnvelope builds the envelope for e stamped at now.
func NewEnvelope(now time.Time, e ContentEvent) Envelope {
	return Envelope{
		Event:     e.Type,
		Timestamp: now.UTC().Format(TimestampLayout),
		Data: EnvelopeData{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			EntityName: e.EntityName,
			Action:     e.Type.Action(),
			Changes:    e.Changes,
			Actor:      e.Actor,
		},
	}
}

// Marshal serializes the envelope. The returned bytes are what gets signed.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Synthetic entity used by test deliveries.
const (
	TestEntityType = "page"
	TestEntityID   = "test-123"
	TestEntityName = "Test Webhook Delivery"
)

// NewTestEnvelope builds the synthetic page_updated envelope used to probe an endpoint.
func NewTestEnvelope(now time.Time) Envelope {
	return NewEnvelope(now, ContentEvent{
		Type:       EventPageUpdated,
		EntityType: TestEntityType,
		EntityID:   TestEntityID,
		EntityName: TestEntityName,
	})
}
