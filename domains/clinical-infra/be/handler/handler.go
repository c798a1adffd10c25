package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/domains/clinical-infra/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Handler exposes the bed registry over HTTP.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("clinical infra service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the bed endpoints. Mutations are wrapped in mutationMiddlewares,
// typically the idempotency middleware.
func (h *Handler) Routes(r chi.Router, mutationMiddlewares ...func(http.Handler) http.Handler) {
	r.Get("/", h.List)
	r.Group(func(r chi.Router) {
		r.Use(mutationMiddlewares...)
		r.Post("/", h.Create)
		r.Patch("/{bedId}", h.Update)
		r.Delete("/{bedId}", h.Archive)
	})
}

type listResponse struct {
	Items      []map[string]any `json:"items"`
	TotalItems int              `json:"totalItems"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	space, _, ok := h.scope(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid query", "limit must be a non-negative integer", problem.TypeValidation))
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid query", "offset must be a non-negative integer", problem.TypeValidation))
		return
	}
	includeArchived, _ := strconv.ParseBool(q.Get("includeArchived"))

	result, err := h.svc.List(r.Context(), space, service.ListOptions{
		FacilityID:      q.Get("facilityId"),
		UnitID:          q.Get("unitId"),
		Status:          q.Get("status"),
		Search:          q.Get("q"),
		IncludeArchived: includeArchived,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		h.writeError(w, r, err, "bedsList")
		return
	}

	items := make([]map[string]any, 0, len(result.Items))
	for _, bed := range result.Items {
		items = append(items, toAPIBed(bed))
	}
	httpjson.Write(w, http.StatusOK, listResponse{
		Items:      items,
		TotalItems: result.TotalItems,
		Limit:      result.Limit,
		Offset:     result.Offset,
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	space, session, ok := h.scope(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	bed, err := h.svc.Create(r.Context(), space, session.UserID, body)
	if err != nil {
		h.writeError(w, r, err, "bedsCreate")
		return
	}
	w.Header().Set("Location", "/api/v1/clinical-infra/beds/"+bed.ID)
	httpjson.Write(w, http.StatusCreated, toAPIBed(bed))
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	space, session, ok := h.scope(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	bed, err := h.svc.Update(r.Context(), space, session.UserID, chi.URLParam(r, "bedId"), body)
	if err != nil {
		h.writeError(w, r, err, "bedsUpdate")
		return
	}
	httpjson.Write(w, http.StatusOK, toAPIBed(bed))
}

func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	space, session, ok := h.scope(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Archive(r.Context(), space, session.UserID, chi.URLParam(r, "bedId")); err != nil {
		h.writeError(w, r, err, "bedsArchive")
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
		logger.Info("bed payload rejected", zap.Any("fields", validationErr.Fields))
		problem.Write(w, problem.New(http.StatusBadRequest, "Validation failed", "the bed payload does not match its schema", problem.TypeValidation).
			WithErrors(validationErr.Fields))
	case errors.Is(err, service.ErrNotFound):
		problem.NotFound(w, "bed not found")
	case errors.Is(err, service.ErrConflict):
		problem.Write(w, problem.New(http.StatusConflict, "Conflict", "the bed was modified concurrently", problem.TypeConflict))
	case errors.Is(err, context.Canceled):
		logger.Info("request cancelled")
	default:
		logger.Error("bed operation failed", zap.Error(err))
		problem.Internal(w)
	}
}

// toAPIBed flattens the stored attributes next to the system fields.
func toAPIBed(bed service.Bed) map[string]any {
	out := make(map[string]any, len(bed.Attributes)+8)
	for k, v := range bed.Attributes {
		out[k] = v
	}
	out["id"] = bed.ID
	out["tenantId"] = bed.TenantID
	out["isArchived"] = bed.IsArchived
	if bed.ArchivedAt != nil {
		out["archivedAt"] = bed.ArchivedAt.UTC().Format(time.RFC3339)
	}
	out["createdBy"] = bed.CreatedBy
	out["updatedBy"] = bed.UpdatedBy
	out["createdAt"] = bed.CreatedAt.UTC().Format(time.RFC3339)
	out["updatedAt"] = bed.UpdatedAt.UTC().Format(time.RFC3339)
	return out
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}
