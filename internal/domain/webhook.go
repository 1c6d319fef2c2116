package domain

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Webhook is a tenant's registration of an HTTP endpoint.
// An empty EntityTypes list means every entity type matches.
type Webhook struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenantId"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	URL             string            `json:"url"`
	Secret          string            `json:"secret,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Events          []EventType       `json:"events"`
	EntityTypes     []string          `json:"entityTypes,omitempty"`
	IsActive        bool              `json:"isActive"`
	SuccessCount    int64             `json:"successCount"`
	FailureCount    int64             `json:"failureCount"`
	LastTriggeredAt *time.Time        `json:"lastTriggeredAt,omitempty"`
	CreatedBy       string            `json:"createdBy,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Matches reports whether an event of the given type about entityType
// should be delivered to this webhook.
func (w *Webhook) Matches(event EventType, entityType string) bool {
	if !w.IsActive || !w.SubscribesTo(event) {
		return false
	}
	if len(w.EntityTypes) == 0 {
		return true
	}
	for _, et := range w.EntityTypes {
		if et == entityType {
			return true
		}
	}
	return false
}

func (w *Webhook) SubscribesTo(event EventType) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Validate checks the fields a caller can set. It runs before any mutation.
func (w *Webhook) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return Invalid("name", "Name is required")
	}
	if err := ValidateURL(w.URL); err != nil {
		return err
	}
	if err := ValidateEvents(w.Events); err != nil {
		return err
	}
	return ValidateHeaders(w.Headers)
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Invalid("url", "Invalid URL format")
	}
	return nil
}

func ValidateEvents(events []EventType) error {
	if len(events) == 0 {
		return Invalid("events", "At least one event must be selected")
	}
	for _, e := range events {
		if !e.Valid() {
			return Invalid("events", "Unknown event type: %s", e)
		}
	}
	return nil
}

// Headers set on every delivery. Custom headers can never replace them.
const (
	HeaderContentType = "Content-Type"
	HeaderEvent       = "X-Webhook-Event"
	HeaderSignature   = "X-Webhook-Signature"
	HeaderTimestamp   = "X-Webhook-Timestamp"
)

var reservedHeaders = []string{HeaderContentType, HeaderEvent, HeaderSignature, HeaderTimestamp}

// IsReservedHeader compares case-insensitively.
func IsReservedHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
	for _, h := range reservedHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}

// ValidateHeaders rejects custom headers that net/http would refuse to
// send, so a bad header fails at registration and not on every delivery.
func ValidateHeaders(headers map[string]string) error {
	for name, value := range headers {
		if strings.TrimSpace(name) == "" {
			return Invalid("headers", "Header name is required")
		}
		if IsReservedHeader(name) {
			return Invalid("headers", "Reserved header: %s", name)
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return Invalid("headers", "Invalid header name: %q", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return Invalid("headers", "Invalid value for header %s", name)
		}
	}
	return nil
}

// Redacted returns a copy safe to show to readers: the secret is masked.
func (w *Webhook) Redacted() *Webhook {
	cp := *w
	cp.Secret = MaskSecret(w.Secret)
	return &cp
}

// MaskSecret keeps the prefix and the last four characters.
func MaskSecret(secret string) string {
	if len(secret) <= len(SecretPrefix)+4 {
		return strings.Repeat("*", len(secret))
	}
	return SecretPrefix + strings.Repeat("*", 8) + secret[len(secret)-4:]
}

// SecretPrefix marks generated signing secrets.
const SecretPrefix = "whsec_"
