package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWebhook_Matches(t *testing.T) {
	tests := []struct {
		name        string
		active      bool
		events      []EventType
		entityTypes []string
		event       EventType
		entityType  string
		want        bool
	}{
		{"event and all entities", true, []EventType{EventPagePublished}, nil, EventPagePublished, "page", true},
		{"event not subscribed", true, []EventType{EventPagePublished}, nil, EventPageDeleted, "page", false},
		{"inactive", false, []EventType{EventPagePublished}, nil, EventPagePublished, "page", false},
		{"entity filter matches", true, []EventType{EventFAQCreated}, []string{"faq"}, EventFAQCreated, "faq", true},
		{"entity filter excludes", true, []EventType{EventPagePublished}, []string{"faq"}, EventPagePublished, "page", false},
		{"empty entity filter", true, []EventType{EventBlogPublished}, []string{}, EventBlogPublished, "blog", true},
		{"several events second matches", true, []EventType{EventPageCreated, EventPageUpdated}, nil, EventPageUpdated, "page", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Webhook{IsActive: tt.active, Events: tt.events, EntityTypes: tt.entityTypes}
			if got := w.Matches(tt.event, tt.entityType); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.event, tt.entityType, got, tt.want)
			}
		})
	}
}

func TestWebhook_Validate(t *testing.T) {
	base := func() Webhook {
		return Webhook{
			Name:   "Search index",
			URL:    "https://hooks.example.com/cms",
			Events: []EventType{EventPagePublished},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Webhook)
		wantMsg string
	}{
		{"valid", func(*Webhook) {}, ""},
		{"missing name", func(w *Webhook) { w.Name = "  " }, "Name is required"},
		{"bad url", func(w *Webhook) { w.URL = "not a url" }, "Invalid URL format"},
		{"relative url", func(w *Webhook) { w.URL = "/hooks" }, "Invalid URL format"},
		{"ftp url", func(w *Webhook) { w.URL = "ftp://example.com" }, "Invalid URL format"},
		{"no events", func(w *Webhook) { w.Events = nil }, "At least one event must be selected"},
		{"unknown event", func(w *Webhook) { w.Events = []EventType{"page_burned"} }, "Unknown event type: page_burned"},
		{"reserved header", func(w *Webhook) { w.Headers = map[string]string{"x-webhook-signature": "x"} }, "Reserved header: x-webhook-signature"},
		{"custom header", func(w *Webhook) { w.Headers = map[string]string{"Authorization": "Bearer t"} }, ""},
		{"header name with space", func(w *Webhook) { w.Headers = map[string]string{"Bad Name": "x"} }, `Invalid header name: "Bad Name"`},
		{"header name with colon", func(w *Webhook) { w.Headers = map[string]string{"X-A:B": "x"} }, `Invalid header name: "X-A:B"`},
		{"header value with CRLF", func(w *Webhook) { w.Headers = map[string]string{"X-Tenant": "a\r\nInjected: 1"} }, "Invalid value for header X-Tenant"},
		{"header value with NUL", func(w *Webhook) { w.Headers = map[string]string{"X-Tenant": "a\x00b"} }, "Invalid value for header X-Tenant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := base()
			tt.mutate(&w)
			err := w.Validate()
			if tt.wantMsg == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Validate() = %v, want ErrInvalidInput", err)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("Validate() = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestIsReservedHeader(t *testing.T) {
	for _, h := range []string{"content-type", "X-WEBHOOK-EVENT", "x-webhook-timestamp", " X-Webhook-Signature "} {
		if !IsReservedHeader(h) {
			t.Errorf("IsReservedHeader(%q) = false, want true", h)
		}
	}
	if IsReservedHeader("X-Tenant") {
		t.Error("IsReservedHeader(X-Tenant) = true, want false")
	}
}

func TestWebhook_Redacted(t *testing.T) {
	w := &Webhook{ID: "w1", Secret: SecretPrefix + strings.Repeat("a", 44) + "beef"}

	r := w.Redacted()

	if r.Secret == w.Secret {
		t.Fatal("secret was not masked")
	}
	if !strings.HasPrefix(r.Secret, SecretPrefix) || !strings.HasSuffix(r.Secret, "beef") {
		t.Errorf("Redacted().Secret = %q", r.Secret)
	}
	if w.Secret == r.Secret {
		t.Error("original webhook was modified")
	}
}

func TestDeliveryLog_CanRetry(t *testing.T) {
	tests := []struct {
		name    string
		status  DeliveryStatus
		retries int
		want    bool
	}{
		{"failed first time", DeliveryStatusFailed, 0, true},
		{"failed twice retried", DeliveryStatusFailed, 2, true},
		{"budget spent", DeliveryStatusFailed, 3, false},
		{"succeeded", DeliveryStatusSuccess, 0, false},
		{"pending", DeliveryStatusPending, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DeliveryLog{Status: tt.status, RetryCount: tt.retries}
			if got := l.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryLog_InFlight(t *testing.T) {
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	window := time.Minute

	tests := []struct {
		name    string
		status  DeliveryStatus
		touched time.Duration
		want    bool
	}{
		{"pending just created", DeliveryStatusPending, 0, true},
		{"retrying just started", DeliveryStatusRetrying, 30 * time.Second, true},
		{"pending abandoned", DeliveryStatusPending, 2 * time.Minute, false},
		{"retrying abandoned", DeliveryStatusRetrying, time.Minute, false},
		{"failed", DeliveryStatusFailed, 0, false},
		{"success", DeliveryStatusSuccess, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DeliveryLog{Status: tt.status, UpdatedAt: now.Add(-tt.touched)}
			if got := l.InFlight(now, window); got != tt.want {
				t.Errorf("InFlight() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryLog_Transitions(t *testing.T) {
	now := time.Now()
	l := &DeliveryLog{ID: "l1", Status: DeliveryStatusFailed}

	l.MarkAsRetrying(now)
	if l.Status != DeliveryStatusRetrying || l.RetryCount != 1 {
		t.Fatalf("after retrying: status=%v retries=%d", l.Status, l.RetryCount)
	}

	l.MarkAsFailed(now, 502, nil, 40*time.Millisecond, "HTTP 502: Bad Gateway")
	if l.Status != DeliveryStatusFailed || *l.ResponseStatus != 502 || *l.Error != "HTTP 502: Bad Gateway" {
		t.Errorf("after failed: %+v", l)
	}

	l.MarkAsSucceeded(now, 200, "ok", 15*time.Millisecond)
	if l.Status != DeliveryStatusSuccess || l.Error != nil || *l.DurationMs != 15 {
		t.Errorf("after success: %+v", l)
	}

	a := AttemptFor(l)
	if a.AttemptNumber != 2 || a.LogID != "l1" || *a.StatusCode != 200 {
		t.Errorf("AttemptFor() = %+v", a)
	}
}

func TestMarkAsFailed_NoResponse(t *testing.T) {
	l := &DeliveryLog{ResponseStatus: new(int)}
	l.MarkAsFailed(time.Now(), 0, nil, time.Second, "connection refused")

	if l.ResponseStatus != nil {
		t.Errorf("ResponseStatus = %v, want nil", *l.ResponseStatus)
	}
}

func TestPrincipal_Can(t *testing.T) {
	admin := Principal{UserID: "u1", TenantID: "t1", Role: RoleAdmin}
	viewer := Principal{UserID: "u2", TenantID: "t1", Role: RoleViewer}

	if !admin.Can("t1", RoleAdmin) || !admin.Can("t1", RoleViewer) {
		t.Error("admin should manage its tenant")
	}
	if admin.Can("t2", RoleViewer) {
		t.Error("admin should not reach another tenant")
	}
	if viewer.Can("t1", RoleEditor) {
		t.Error("viewer should not edit")
	}
	if (Principal{TenantID: "t1", Role: "root"}).Can("t1", RoleViewer) {
		t.Error("unknown role should grant nothing")
	}
}
