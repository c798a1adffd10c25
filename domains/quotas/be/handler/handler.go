package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/domains/quotas/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/quota"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Service is implemented by *service.Service.
type Service interface {
	List(ctx context.Context, space tenant.Space, session platformauth.Session, featureKey string) ([]quota.Quota, error)
	Create(ctx context.Context, space tenant.Space, session platformauth.Session, input service.CreateInput) (quota.Quota, error)
	Update(ctx context.Context, space tenant.Space, session platformauth.Session, id uuid.UUID, input service.UpdateInput) (quota.Quota, error)
	Allowance(ctx context.Context, space tenant.Space, session platformauth.Session, featureKey string) (quota.Snapshot, error)
}

type Handler struct {
	svc    Service
	logger *zap.Logger
}

func New(svc Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("quotas service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// AdminRoutes mounts quota administration.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Patch("/{quotaId}", h.Update)
}

type createRequest struct {
	ScopeType  string     `json:"scopeType"`
	ScopeID    string     `json:"scopeId"`
	FeatureKey string     `json:"featureKey"`
	Limit      *int64     `json:"limit"`
	StartsAt   *time.Time `json:"startsAt"`
	EndsAt     *time.Time `json:"endsAt"`
}

type updateRequest struct {
	Limit  *int64     `json:"limit"`
	Status *string    `json:"status"`
	EndsAt *time.Time `json:"endsAt"`
}

type listResponse struct {
	Items []quota.Quota `json:"items"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	space, session, ok := h.scope(w, r)
	if !ok {
		return
	}
	items, err := h.svc.List(r.Context(), space, session, r.URL.Query().Get("featureKey"))
	if err != nil {
		h.writeError(w, r, err, "quotasList")
		return
	}
	httpjson.Write(w, http.StatusOK, listResponse{Items: items})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	space, session, ok := h.scope(w, r)
	if !ok {
		return
	}
	var body createRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	created, err := h.svc.Create(r.Context(), space, session, service.CreateInput{
		ScopeType:  body.ScopeType,
		ScopeID:    body.ScopeID,
		FeatureKey: body.FeatureKey,
		Limit:      body.Limit,
		StartsAt:   body.StartsAt,
		EndsAt:     body.EndsAt,
	})
	if err != nil {
		h.writeError(w, r, err, "quotasCreate")
		return
	}
	w.Header().Set("Location", "/api/v1/admin/quotas/"+created.ID.String())
	httpjson.Write(w, http.StatusCreated, created)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	space, session, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "quotaId"))
	if err != nil {
		problem.NotFound(w, "quota not found")
		return
	}
	var body updateRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	updated, err := h.svc.Update(r.Context(), space, session, id, service.UpdateInput{
		Limit:  body.Limit,
		Status: body.Status,
		EndsAt: body.EndsAt,
	})
	if err != nil {
		h.writeError(w, r, err, "quotasUpdate")
		return
	}
	httpjson.Write(w, http.StatusOK, updated)
}

// Allowance serves GET /quota/{featureKey}.
func (h *Handler) Allowance(w http.ResponseWriter, r *http.Request) {
	space, session, ok := h.scope(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Allowance(r.Context(), space, session, chi.URLParam(r, "featureKey"))
	if err != nil {
		h.writeError(w, r, err, "quotaAllowance")
		return
	}
	httpjson.Write(w, http.StatusOK, snap)
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (tenant.Space, platformauth.Session, bool) {
	session, ok := platformauth.SessionFromContext(r.Context())
	if !ok {
		problem.Unauthorized(w)
		return tenant.Space{}, platformauth.Session{}, false
	}
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		problem.Forbidden(w)
		return tenant.Space{}, platformauth.Session{}, false
	}
	return space, session, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	logger := platformlogging.For(r.Context(), h.logger).With(zap.String("operation", op))

	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		logger.Info("quota request rejected", zap.Error(err))
		problem.Write(w, problem.New(http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problem.TypeValidation).
			WithErrors(validationErr.Fields))
	case errors.Is(err, service.ErrNotFound):
		problem.NotFound(w, "quota not found")
	case errors.Is(err, service.ErrConflict):
		logger.Info("quota conflict", zap.Error(err))
		problem.Write(w, problem.New(http.StatusConflict, "Conflict", "an active quota already exists for this scope and feature", problem.TypeConflict))
	case errors.Is(err, service.ErrForbidden):
		logger.Warn("quota outside caller scope", zap.Error(err))
		problem.Forbidden(w)
	default:
		logger.Error("quota operation failed", zap.Error(err))
		problem.Internal(w)
	}
}
