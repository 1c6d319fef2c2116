package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/cmshooks/internal/auth"
	"github.com/felipemaragno/cmshooks/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Auth          *auth.Authenticator
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth, cfg.Logger))
		Mount(r, cfg.Handler)
	})

	return r
}

// Mount registers the management routes on r.
func Mount(r chi.Router, h *Handler) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", h.CreateWebhook)
		r.Get("/", h.ListWebhooks)
		r.Get("/{id}", h.GetWebhook)
		r.Patch("/{id}", h.UpdateWebhook)
		r.Delete("/{id}", h.DeleteWebhook)
		r.Post("/{id}/secret", h.RegenerateSecret)
		r.Post("/{id}/test", h.TestWebhook)
		r.Get("/{id}/stats", h.GetStats)
		r.Get("/{id}/logs", h.ListLogs)
	})

	r.Route("/logs", func(r chi.Router) {
		r.Get("/{id}", h.GetLog)
		r.Post("/{id}/retry", h.RetryLog)
	})

	r.Post("/events", h.PublishEvent)
	r.Post("/maintenance/cleanup", h.Cleanup)
}
