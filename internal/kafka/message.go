package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/cmshooks/internal/domain"
)

// EventMessage is the value written to the events topic.
type EventMessage struct {
	ID         string              `json:"id"`
	Event      domain.ContentEvent `json:"event"`
	ProducedAt time.Time           `json:"produced_at"`
	Source     string              `json:"source,omitempty"`
}

// messageKey keeps events about one entity on one partition, so that
// subscribers see them in order.
func messageKey(ev domain.ContentEvent) []byte {
	return []byte(ev.TenantID + "/" + ev.EntityType + "/" + ev.EntityID)
}

func encode(m EventMessage) (kafka.Message, error) {
	value, err := json.Marshal(m)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %s: %w", m.ID, err)
	}
	return kafka.Message{
		Key:   messageKey(m.Event),
		Value: value,
		Time:  m.ProducedAt,
	}, nil
}

func decode(msg kafka.Message) (*EventMessage, error) {
	var m EventMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return nil, fmt.Errorf("unmarshal event at offset %d: %w", msg.Offset, err)
	}
	return &m, nil
}
