package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/felipemaragno/cmshooks/internal/auth"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/observability"
	"github.com/felipemaragno/cmshooks/internal/repository"
	"github.com/felipemaragno/cmshooks/internal/webhooks"
)

type Handler struct {
	service  *webhooks.Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(service *webhooks.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Response is the envelope of every API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CreateWebhookRequest struct {
	Name        string             `json:"name" validate:"max=200"`
	Description string             `json:"description" validate:"max=1000"`
	URL         string             `json:"url" validate:"max=2048"`
	Headers     map[string]string  `json:"headers" validate:"max=20"`
	Events      []domain.EventType `json:"events" validate:"max=50"`
	EntityTypes []string           `json:"entityTypes" validate:"max=50,dive,max=100"`
	IsActive    *bool              `json:"isActive"`
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if !h.decode(w, r, &req) {
		return
	}

	webhook, err := h.service.Create(r.Context(), principal(r), webhooks.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		URL:         req.URL,
		Headers:     req.Headers,
		Events:      req.Events,
		EntityTypes: req.EntityTypes,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.handleError(w, r, err, "create webhook")
		return
	}

	h.respondJSON(w, http.StatusCreated, webhook)
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), principal(r))
	if err != nil {
		h.handleError(w, r, err, "list webhooks")
		return
	}
	h.respondJSON(w, http.StatusOK, list)
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, err := h.service.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err, "get webhook")
		return
	}
	h.respondJSON(w, http.StatusOK, webhook)
}

type UpdateWebhookRequest struct {
	Name        *string             `json:"name" validate:"omitempty,max=200"`
	Description *string             `json:"description" validate:"omitempty,max=1000"`
	URL         *string             `json:"url" validate:"omitempty,max=2048"`
	Headers     *map[string]string  `json:"headers" validate:"omitempty,max=20"`
	Events      *[]domain.EventType `json:"events" validate:"omitempty,max=50"`
	EntityTypes *[]string           `json:"entityTypes" validate:"omitempty,max=50,dive,max=100"`
	IsActive    *bool               `json:"isActive"`
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req UpdateWebhookRequest
	if !h.decode(w, r, &req) {
		return
	}

	webhook, err := h.service.Update(r.Context(), principal(r), chi.URLParam(r, "id"), webhooks.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		URL:         req.URL,
		Headers:     req.Headers,
		Events:      req.Events,
		EntityTypes: req.EntityTypes,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.handleError(w, r, err, "update webhook")
		return
	}
	h.respondJSON(w, http.StatusOK, webhook)
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		h.handleError(w, r, err, "delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SecretResponse struct {
	Secret string `json:"secret"`
}

func (h *Handler) RegenerateSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := h.service.RegenerateSecret(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err, "regenerate secret")
		return
	}
	h.respondJSON(w, http.StatusOK, SecretResponse{Secret: secret})
}

func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Test(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err, "test webhook")
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err, "get stats")
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

type LogPage struct {
	Logs   []*domain.DeliveryLog `json:"logs"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	filter := repository.LogFilter{
		Status: domain.DeliveryStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	logs, total, err := h.service.ListLogs(r.Context(), principal(r), chi.URLParam(r, "id"), filter)
	if err != nil {
		h.handleError(w, r, err, "list delivery logs")
		return
	}

	if limit <= 0 || limit > webhooks.MaxPageSize {
		limit = webhooks.DefaultPageSize
	}
	h.respondJSON(w, http.StatusOK, LogPage{Logs: logs, Total: total, Limit: limit, Offset: max(offset, 0)})
}

func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetLog(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err, "get delivery log")
		return
	}
	h.respondJSON(w, http.StatusOK, detail)
}

type RetryResponse struct {
	Retried bool `json:"retried"`
}

func (h *Handler) RetryLog(w http.ResponseWriter, r *http.Request) {
	ok, err := h.service.Retry(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err, "retry delivery")
		return
	}
	h.respondJSON(w, http.StatusOK, RetryResponse{Retried: ok})
}

type PublishEventRequest struct {
	Type       domain.EventType `json:"type" validate:"required"`
	EntityType string           `json:"entityType" validate:"required,max=100"`
	EntityID   string           `json:"entityId" validate:"required,max=255"`
	EntityName string           `json:"entityName" validate:"max=500"`
	Changes    map[string]any   `json:"changes"`
	Actor      *domain.Actor    `json:"actor"`
}

type PublishEventResponse struct {
	ID        string              `json:"id"`
	Status    domain.OutboxStatus `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
}

func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.service.Publish(r.Context(), principal(r), domain.ContentEvent{
		Type:       req.Type,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		EntityName: req.EntityName,
		Changes:    req.Changes,
		Actor:      req.Actor,
	})
	if err != nil {
		h.handleError(w, r, err, "enqueue event")
		return
	}

	h.respondJSON(w, http.StatusAccepted, PublishEventResponse{
		ID:        entry.ID,
		Status:    entry.Status,
		CreatedAt: entry.CreatedAt,
	})
}

type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.service.Cleanup(r.Context(), principal(r))
	if err != nil {
		h.handleError(w, r, err, "clean up delivery logs")
		return
	}
	h.respondJSON(w, http.StatusOK, CleanupResponse{Deleted: deleted})
}

// decode reads and validates a JSON body, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: failed %s", fe.Field(), fe.Tag()))
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// handleError maps service errors to status codes. Unexpected errors are
// logged and reported without their cause.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		h.respondError(w, http.StatusForbidden, domain.ErrUnauthorized.Error())
	case errors.As(err, &verr):
		h.respondError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConflict):
		h.respondError(w, http.StatusConflict, "concurrent modification, try again")
	case errors.Is(err, webhooks.ErrRateLimited):
		h.respondError(w, http.StatusTooManyRequests, "too many test deliveries, try again later")
	default:
		observability.LoggerFromContext(r.Context()).Error("failed to "+op, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: status < 400, Data: data}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: false, Error: message}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// principal returns the caller set by the auth middleware. A request that
// bypassed it gets the zero principal, which is never authorized.
func principal(r *http.Request) domain.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
