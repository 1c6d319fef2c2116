// Package delivery performs a single signed webhook POST.
//
// The Executor enforces a hard per-request timeout, measures the request
// with the injected clock and captures at most domain.ResponseBodyLimit
// characters of the response body. It never retries; retry is an explicit
// operation of the dispatcher.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/domain"
)

const (
	// DispatchTimeout bounds live deliveries and retries.
	DispatchTimeout = 30 * time.Second
	// TestTimeout bounds the synchronous test delivery.
	TestTimeout = 10 * time.Second
)

// maxBodyBytes is enough bytes to hold ResponseBodyLimit UTF-8 characters.
const maxBodyBytes = domain.ResponseBodyLimit * utf8.UTFMax

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is what came back from the endpoint, whatever the status code.
type Response struct {
	StatusCode int
	StatusText string
	Body       string
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// FailureReason is the message recorded for a non-2xx response.
func (r *Response) FailureReason() string {
	return fmt.Sprintf("HTTP %d: %s", r.StatusCode, r.StatusText)
}

// Error is returned when no response was received: DNS, connection,
// TLS or timeout failures. Duration is how long the attempt took.
type Error struct {
	Err      error
	Duration time.Duration
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrTimeout is wrapped by Error when the request exceeded its budget.
var ErrTimeout = errors.New("request timed out")

type Executor struct {
	client HTTPClient
	clock  clock.Clock
	logger *slog.Logger
}

func NewExecutor(client HTTPClient, clk clock.Clock, logger *slog.Logger) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		client: client,
		clock:  clk,
		logger: logger,
	}
}

// Deliver POSTs req.Body to req.URL. A zero Timeout means DispatchTimeout.
// Any HTTP response, including 4xx and 5xx, is returned without error.
func (e *Executor) Deliver(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DispatchTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("invalid request: %w", err)}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set(domain.HeaderContentType, "application/json")

	start := e.clock.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		duration := e.clock.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, &Error{Err: err, Duration: duration}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	duration := e.clock.Since(start)
	if readErr != nil {
		e.logger.Debug("response body unreadable",
			"url", req.URL,
			"status_code", resp.StatusCode,
			"error", readErr,
		)
		body = nil
	}

	return &Response{
		StatusCode: resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Body:       Truncate(Sanitize(string(body)), domain.ResponseBodyLimit),
		Duration:   duration,
	}, nil
}

// Sanitize makes an arbitrary response body storable as text: invalid
// UTF-8 sequences become U+FFFD and NUL bytes are dropped.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// Truncate keeps the first limit characters of s.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
