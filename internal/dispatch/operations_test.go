package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/repository"
	"github.com/felipemaragno/cmshooks/internal/signature"
)

// newSwitchableServer answers 503 until the returned flag is set.
func newSwitchableServer(t *testing.T) (*recordingServer, *atomic.Bool) {
	t.Helper()
	var succeed atomic.Bool
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, recordedRequest{headers: r.Header.Clone(), body: b})
		rs.mu.Unlock()
		if succeed.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(rs.Close)
	return rs, &succeed
}

func dispatchOnce(t *testing.T, f *fixture, webhookID string) *domain.DeliveryLog {
	t.Helper()
	if _, err := f.d.Dispatch(context.Background(), pagePublished()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	return f.onlyLog(t, webhookID)
}

func TestRetry_CapIsThree(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server, _ := newSwitchableServer(t)
	f.addWebhook(t, "wh_down", server.URL)

	entry := dispatchOnce(t, f, "wh_down")

	for i := 1; i <= 3; i++ {
		ok, err := f.d.Retry(context.Background(), entry.ID)
		if err != nil {
			t.Fatalf("retry %d failed: %v", i, err)
		}
		if ok {
			t.Fatalf("retry %d reported success against a failing endpoint", i)
		}
	}
	requestsBefore := server.count()

	ok, err := f.d.Retry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("fourth retry failed: %v", err)
	}
	if ok {
		t.Error("fourth retry should return false")
	}
	if server.count() != requestsBefore {
		t.Error("fourth retry must not send a request")
	}

	got, _ := f.logs.GetByID(context.Background(), entry.ID)
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
	if got.Status != domain.DeliveryStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if f.logs.Len() != 1 {
		t.Errorf("retries must update in place, found %d log rows", f.logs.Len())
	}
	if w := f.webhook(t, "wh_down"); w.FailureCount != 4 {
		t.Errorf("FailureCount = %d, want 4 (initial + 3 retries)", w.FailureCount)
	}

	attempts, _ := f.logs.ListAttempts(context.Background(), entry.ID)
	if len(attempts) != 4 {
		t.Fatalf("attempts = %d, want 4", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.AttemptNumber)
		}
	}
}

func TestRetry_SucceedsAndReplaysOriginalRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server, succeed := newSwitchableServer(t)
	f.addWebhook(t, "wh_flaky", server.URL)

	entry := dispatchOnce(t, f, "wh_flaky")
	originalSig := entry.RequestHeaders[domain.HeaderSignature]

	// Rotating the secret must not change what a retry sends.
	if err := f.webhooks.UpdateSecret(context.Background(), "wh_flaky", "whsec_rotated", testNow); err != nil {
		t.Fatalf("UpdateSecret failed: %v", err)
	}
	succeed.Store(true)
	f.clock.Advance(time.Minute)

	ok, err := f.d.Retry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !ok {
		t.Fatal("retry against a healthy endpoint should succeed")
	}

	if got := server.last(t).headers.Get(domain.HeaderSignature); got != originalSig {
		t.Errorf("retry signature = %q, want original %q", got, originalSig)
	}
	if !signature.Verify([]byte(entry.RequestBody), originalSig, "whsec_wh_flaky") {
		t.Error("replayed signature should verify against the original secret")
	}

	got, _ := f.logs.GetByID(context.Background(), entry.ID)
	if got.Status != domain.DeliveryStatusSuccess || got.RetryCount != 1 {
		t.Errorf("log = status %s retries %d, want success/1", got.Status, got.RetryCount)
	}
	if got.Error != nil {
		t.Errorf("Error = %q, want cleared", *got.Error)
	}
	if !got.UpdatedAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}

	w := f.webhook(t, "wh_flaky")
	if w.SuccessCount != 1 || w.FailureCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", w.SuccessCount, w.FailureCount)
	}
}

func TestRetry_SuccessfulEntryIsNoop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server := newRecordingServer(t, http.StatusOK, "")
	f.addWebhook(t, "wh_ok", server.URL)

	entry := dispatchOnce(t, f, "wh_ok")

	ok, err := f.d.Retry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if ok {
		t.Error("retrying a success should return false")
	}
	if server.count() != 1 {
		t.Errorf("server received %d requests, want 1", server.count())
	}

	got, _ := f.logs.GetByID(context.Background(), entry.ID)
	if got.RetryCount != 0 || got.Status != domain.DeliveryStatusSuccess {
		t.Errorf("entry mutated: %+v", got)
	}
}

func TestRetry_NotFound(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.d.Retry(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRetry_WebhookDeletedStillReplays(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server, succeed := newSwitchableServer(t)
	f.addWebhook(t, "wh_gone", server.URL)

	entry := dispatchOnce(t, f, "wh_gone")
	if entry.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want the webhook's tenant", entry.TenantID)
	}
	if err := f.webhooks.Delete(context.Background(), "wh_gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	succeed.Store(true)

	ok, err := f.d.Retry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !ok {
		t.Error("retry should replay the stored request")
	}
}

// conflictingLogRepo simulates another retry winning the version race.
type conflictingLogRepo struct {
	repository.DeliveryLogRepository
	conflicts bool
}

func (r *conflictingLogRepo) Update(ctx context.Context, l *domain.DeliveryLog) error {
	if r.conflicts {
		return domain.ErrConflict
	}
	return r.DeliveryLogRepository.Update(ctx, l)
}

func TestRetry_ConcurrentRetryConflicts(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server, _ := newSwitchableServer(t)
	f.addWebhook(t, "wh_race", server.URL)
	entry := dispatchOnce(t, f, "wh_race")

	logs := &conflictingLogRepo{DeliveryLogRepository: f.logs, conflicts: true}
	d := New(DefaultConfig(), f.webhooks, logs, f.d.executor, f.clock, nil)

	before := server.count()
	_, err := d.Retry(context.Background(), entry.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if server.count() != before {
		t.Error("no request should be sent when the retry lost the race")
	}
}

func TestRetry_RejectsEntryWhileFirstDeliveryInFlight(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	var requests atomic.Int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case arrived <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	f.addWebhook(t, "wh_slow", server.URL)

	done := make(chan Result, 1)
	go func() {
		result, _ := f.d.Dispatch(context.Background(), pagePublished())
		done <- result
	}()
	<-arrived

	entry := f.onlyLog(t, "wh_slow")
	if entry.Status != domain.DeliveryStatusPending {
		t.Fatalf("Status = %s, want pending while delivering", entry.Status)
	}

	ok, err := f.d.Retry(context.Background(), entry.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got ok=%v err=%v", ok, err)
	}
	if requests.Load() != 1 {
		t.Errorf("endpoint received %d requests, want 1", requests.Load())
	}

	close(release)
	result := <-done
	if result.Failed != 1 {
		t.Errorf("result = %+v, want one failure", result)
	}

	got, _ := f.logs.GetByID(context.Background(), entry.ID)
	if got.Status != domain.DeliveryStatusFailed || got.RetryCount != 0 {
		t.Errorf("log = status %s retries %d, want failed/0", got.Status, got.RetryCount)
	}
	if w := f.webhook(t, "wh_slow"); w.SuccessCount != 0 || w.FailureCount != 1 {
		t.Errorf("counters = %d/%d, want 0/1", w.SuccessCount, w.FailureCount)
	}
}

func TestRetry_RecoversAbandonedEntry(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server := newRecordingServer(t, http.StatusOK, "")
	f.addWebhook(t, "wh_ok", server.URL)

	// A process crashed after writing the retrying state.
	entry := &domain.DeliveryLog{
		ID:             "log_abandoned",
		WebhookID:      "wh_ok",
		EventType:      domain.EventPagePublished,
		EntityType:     "page",
		EntityID:       "page-1",
		RequestURL:     server.URL,
		RequestHeaders: map[string]string{"Content-Type": "application/json"},
		RequestBody:    `{"event":"page_published"}`,
		Status:         domain.DeliveryStatusRetrying,
		RetryCount:     1,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	if err := f.logs.Create(context.Background(), entry); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := f.d.Retry(context.Background(), entry.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict inside the in-flight window, got %v", err)
	}

	f.clock.Advance(DefaultConfig().InFlightWindow)
	ok, err := f.d.Retry(context.Background(), entry.ID)
	if err != nil || !ok {
		t.Fatalf("Retry = %v, %v; want success once the attempt is abandoned", ok, err)
	}

	got, _ := f.logs.GetByID(context.Background(), entry.ID)
	if got.Status != domain.DeliveryStatusSuccess || got.RetryCount != 2 {
		t.Errorf("log = status %s retries %d, want success/2", got.Status, got.RetryCount)
	}
}

func TestTest_DoesNotTouchLogsOrCounters(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server := newRecordingServer(t, http.StatusOK, "pong")
	f.addWebhook(t, "wh_test", server.URL)

	result, err := f.d.Test(context.Background(), "wh_test")
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if !result.Success || result.Status != 200 || result.Error != "" {
		t.Errorf("result = %+v", result)
	}

	if f.logs.Len() != 0 {
		t.Errorf("test delivery wrote %d log entries", f.logs.Len())
	}
	w := f.webhook(t, "wh_test")
	if w.SuccessCount != 0 || w.FailureCount != 0 || w.LastTriggeredAt != nil {
		t.Errorf("test delivery touched counters: %+v", w)
	}

	req := server.last(t)
	if !signature.Verify(req.body, req.headers.Get(domain.HeaderSignature), "whsec_wh_test") {
		t.Error("test delivery should be signed")
	}
	if got := req.headers.Get(domain.HeaderEvent); got != "page_updated" {
		t.Errorf("event header = %q, want page_updated", got)
	}
	if !strings.Contains(string(req.body), `"entityId":"test-123"`) || !strings.Contains(string(req.body), `"entityName":"Test Webhook Delivery"`) {
		t.Errorf("unexpected test envelope: %s", req.body)
	}
}

func TestTest_ReportsFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	server := newRecordingServer(t, http.StatusNotFound, "")
	f.addWebhook(t, "wh_404", server.URL)

	result, err := f.d.Test(context.Background(), "wh_404")
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if result.Success || result.Status != 404 || result.Error != "HTTP 404: Not Found" {
		t.Errorf("result = %+v", result)
	}
}

func TestTest_UnreachableEndpoint(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addWebhook(t, "wh_nowhere", "http://127.0.0.1:1/hook")

	result, err := f.d.Test(context.Background(), "wh_nowhere")
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if result.Success || result.Status != 0 || result.Error == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestTest_UnknownWebhook(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.d.Test(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.addWebhook(t, "wh_stats", "https://example.com/hook")

	_ = f.webhooks.RecordOutcome(ctx, "wh_stats", repository.OutcomeSuccess, testNow)
	_ = f.webhooks.RecordOutcome(ctx, "wh_stats", repository.OutcomeFailure, testNow)

	statuses := []domain.DeliveryStatus{
		domain.DeliveryStatusSuccess, domain.DeliveryStatusSuccess, domain.DeliveryStatusFailed,
		domain.DeliveryStatusPending, domain.DeliveryStatusRetrying,
	}
	for i := 0; i < 12; i++ {
		created := testNow.Add(-time.Duration(i) * time.Hour)
		_ = f.logs.Create(ctx, &domain.DeliveryLog{
			ID:        fmt.Sprintf("log_%02d", i),
			WebhookID: "wh_stats",
			EventType: domain.EventPagePublished,
			Status:    statuses[i%len(statuses)],
			CreatedAt: created,
			UpdatedAt: created,
		})
	}
	_ = f.logs.Create(ctx, &domain.DeliveryLog{
		ID:        "log_old",
		WebhookID: "wh_stats",
		Status:    domain.DeliveryStatusFailed,
		CreatedAt: testNow.Add(-8 * 24 * time.Hour),
	})

	stats, err := f.d.Stats(ctx, "wh_stats")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	if stats.SuccessCount != 1 || stats.FailureCount != 1 || stats.LastTriggeredAt == nil {
		t.Errorf("counters = %+v", stats)
	}
	want := domain.StatusBreakdown{Success: 6, Failed: 2, Pending: 2, Retrying: 2}
	if stats.Last7Days != want {
		t.Errorf("Last7Days = %+v, want %+v", stats.Last7Days, want)
	}
	if len(stats.RecentLogs) != 10 {
		t.Fatalf("RecentLogs = %d, want 10", len(stats.RecentLogs))
	}
	if stats.RecentLogs[0].ID != "log_00" {
		t.Errorf("most recent = %s, want log_00", stats.RecentLogs[0].ID)
	}
}

func TestStats_UnknownWebhook(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.d.Stats(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanup_RetentionBoundary(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	w := f.addWebhook(t, "wh_clean", "https://example.com/hook")
	_ = f.webhooks.RecordOutcome(ctx, w.ID, repository.OutcomeSuccess, testNow)

	for id, age := range map[string]time.Duration{
		"log_31d": 31 * 24 * time.Hour,
		"log_29d": 29 * 24 * time.Hour,
		"log_now": 0,
	} {
		_ = f.logs.Create(ctx, &domain.DeliveryLog{
			ID:        id,
			WebhookID: w.ID,
			Status:    domain.DeliveryStatusSuccess,
			CreatedAt: testNow.Add(-age),
		})
	}

	deleted, err := f.d.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := f.logs.GetByID(ctx, "log_31d"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("31-day-old entry should be removed")
	}
	if _, err := f.logs.GetByID(ctx, "log_29d"); err != nil {
		t.Error("29-day-old entry should be kept")
	}

	again, err := f.d.Cleanup(ctx)
	if err != nil || again != 0 {
		t.Errorf("second cleanup = %d, %v; want 0, nil", again, err)
	}
	if f.webhook(t, w.ID).SuccessCount != 1 {
		t.Error("cleanup must not change counters")
	}
}
