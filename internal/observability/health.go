package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function, such as a Redis ping, to HealthChecker.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// HealthHandler serves liveness and readiness. Readiness fails while the
// process is still starting or any registered dependency fails its ping.
type HealthHandler struct {
	checks []namedCheck
	ready  atomic.Bool
}

// NewHealthHandler registers db under the "database" check. db may be nil.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	h := &HealthHandler{}
	if db != nil {
		h.WithCheck("database", db)
	}
	return h
}

// WithCheck adds a dependency to the readiness probe. Call before serving.
func (h *HealthHandler) WithCheck(name string, c HealthChecker) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, checker: c})
	sort.Slice(h.checks, func(i, j int) bool { return h.checks[i].name < h.checks[j].name })
	return h
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string, len(h.checks)+1)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	for _, c := range h.checks {
		if err := c.checker.Ping(r.Context()); err != nil {
			checks[c.name] = err.Error()
			allHealthy = false
		} else {
			checks[c.name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}
