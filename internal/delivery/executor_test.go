package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/domain"
)

func TestExecutor_Deliver_Success(t *testing.T) {
	var (
		gotMethod string
		gotBody   string
		gotHeader http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer server.Close()

	exec := NewExecutor(server.Client(), nil, nil)
	resp, err := exec.Deliver(context.Background(), Request{
		URL: server.URL,
		Headers: map[string]string{
			"X-Webhook-Signature": "abc123",
			"content-type":        "text/plain",
		},
		Body: []byte(`{"event":"page_published"}`),
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if !resp.OK() {
		t.Errorf("expected OK response, got %d", resp.StatusCode)
	}
	if resp.Body != `{"received":true}` {
		t.Errorf("Body = %q", resp.Body)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotBody != `{"event":"page_published"}` {
		t.Errorf("server received body %q", gotBody)
	}
	if gotHeader.Get("X-Webhook-Signature") != "abc123" {
		t.Errorf("signature header = %q", gotHeader.Get("X-Webhook-Signature"))
	}
	if gotHeader.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotHeader.Get("Content-Type"))
	}
}

func TestExecutor_Deliver_Non2xxIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	exec := NewExecutor(server.Client(), nil, nil)
	resp, err := exec.Deliver(context.Background(), Request{URL: server.URL, Body: []byte("{}")})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if resp.OK() {
		t.Error("500 should not be OK")
	}
	if resp.StatusText != "Internal Server Error" {
		t.Errorf("StatusText = %q", resp.StatusText)
	}
	if got := resp.FailureReason(); got != "HTTP 500: Internal Server Error" {
		t.Errorf("FailureReason = %q", got)
	}
	if resp.Body != "boom" {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestExecutor_Deliver_TruncatesBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"ascii 50k", strings.Repeat("a", 50000), domain.ResponseBodyLimit},
		{"multibyte 20k", strings.Repeat("é", 20000), domain.ResponseBodyLimit},
		{"short", "ok", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			exec := NewExecutor(server.Client(), nil, nil)
			resp, err := exec.Deliver(context.Background(), Request{URL: server.URL})
			if err != nil {
				t.Fatalf("Deliver failed: %v", err)
			}
			if got := utf8.RuneCountInString(resp.Body); got != tt.want {
				t.Errorf("body length = %d characters, want %d", got, tt.want)
			}
			if !strings.HasPrefix(tt.body, resp.Body) {
				t.Error("truncated body should be a prefix of the original")
			}
		})
	}
}

func TestExecutor_Deliver_SanitizesBinaryBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad\x00gate\xffway"))
	}))
	defer server.Close()

	exec := NewExecutor(server.Client(), nil, nil)
	resp, err := exec.Deliver(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if resp.Body != "badgate\uFFFDway" {
		t.Errorf("Body = %q", resp.Body)
	}
	if !utf8.ValidString(resp.Body) || strings.ContainsRune(resp.Body, 0) {
		t.Errorf("body is not storable text: %q", resp.Body)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"héllo", "héllo"},
		{"\x00\xff", "\uFFFD"},
		{"a\x00b", "ab"},
		{"\xc3", "\uFFFD"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExecutor_Deliver_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	exec := NewExecutor(server.Client(), nil, nil)
	resp, err := exec.Deliver(context.Background(), Request{URL: server.URL, Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected timeout error, got response %d", resp.StatusCode)
	}

	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if derr.Duration <= 0 {
		t.Errorf("Duration = %v, want a measured duration", derr.Duration)
	}
}

func TestExecutor_Deliver_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	exec := NewExecutor(nil, nil, nil)
	_, err := exec.Deliver(context.Background(), Request{URL: url, Timeout: time.Second})

	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("connection refused should not be reported as timeout")
	}
}

type stubClient struct {
	resp *http.Response
	err  error
	req  *http.Request
}

func (c *stubClient) Do(req *http.Request) (*http.Response, error) {
	c.req = req
	return c.resp, c.err
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (failingBody) Close() error             { return nil }

func TestExecutor_Deliver_UnreadableBodyTolerated(t *testing.T) {
	client := &stubClient{resp: &http.Response{
		StatusCode: http.StatusAccepted,
		Body:       failingBody{},
	}}

	exec := NewExecutor(client, nil, nil)
	resp, err := exec.Deliver(context.Background(), Request{URL: "https://example.com/hook"})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if !resp.OK() || resp.Body != "" {
		t.Errorf("resp = %+v, want 202 with empty body", resp)
	}
}

func TestExecutor_Deliver_MeasuresWithClock(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	clk.Step = 125 * time.Millisecond

	client := &stubClient{resp: &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}}

	exec := NewExecutor(client, clk, nil)
	resp, err := exec.Deliver(context.Background(), Request{URL: "https://example.com/hook"})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if resp.Duration != 125*time.Millisecond {
		t.Errorf("Duration = %v, want 125ms", resp.Duration)
	}
}

func TestExecutor_Deliver_InvalidURL(t *testing.T) {
	client := &stubClient{}
	exec := NewExecutor(client, nil, nil)

	_, err := exec.Deliver(context.Background(), Request{URL: "://bad"})
	if err == nil {
		t.Fatal("expected error for malformed URL")
	}
	if client.req != nil {
		t.Error("no request should be sent for a malformed URL")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate = %q, want hé", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q, want abc", got)
	}
	if got := Truncate("abc", 3); got != "abc" {
		t.Errorf("Truncate = %q, want abc", got)
	}
}
