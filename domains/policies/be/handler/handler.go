package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/domains/policies/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Handler exposes the policy library.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("policies service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Middlewares gate the individual policy routes.
type Middlewares struct {
	Create []func(http.Handler) http.Handler
	Search []func(http.Handler) http.Handler
	View   []func(http.Handler) http.Handler
}

// Routes mounts the policy endpoints.
func (h *Handler) Routes(r chi.Router, mw Middlewares) {
	r.With(mw.Search...).Get("/", h.Search)
	r.With(mw.Create...).Post("/", h.Create)
	r.With(mw.View...).Get("/{policyId}", h.Get)
}

// Policy is the wire form of a policy.
type Policy struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	Code          string    `json:"code"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Content       string    `json:"content"`
	Version       string    `json:"version,omitempty"`
	EffectiveDate string    `json:"effectiveDate,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type createRequest struct {
	Code          string   `json:"code"`
	Title         string   `json:"title"`
	Category      string   `json:"category"`
	Content       string   `json:"content"`
	Version       string   `json:"version"`
	EffectiveDate string   `json:"effectiveDate"`
	Tags          []string `json:"tags"`
}

type searchResponse struct {
	Items      []Policy `json:"items"`
	TotalItems int      `json:"totalItems"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		problem.Forbidden(w)
		return
	}

	q := r.URL.Query()
	limit, err := nonNegative(q.Get("limit"))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid query", "limit must be a non-negative integer", problem.TypeValidation))
		return
	}
	offset, err := nonNegative(q.Get("offset"))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid query", "offset must be a non-negative integer", problem.TypeValidation))
		return
	}

	result, err := h.svc.Search(r.Context(), space, service.SearchInput{
		Query:    q.Get("q"),
		Category: q.Get("category"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeError(w, r, err, "policiesSearch")
		return
	}

	items := make([]Policy, 0, len(result.Items))
	for _, p := range result.Items {
		items = append(items, toAPIPolicy(p))
	}
	httpjson.Write(w, http.StatusOK, searchResponse{Items: items, TotalItems: result.TotalItems, Limit: result.Limit, Offset: result.Offset})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	session, ok := platformauth.SessionFromContext(r.Context())
	if !ok {
		problem.Unauthorized(w)
		return
	}
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		problem.Forbidden(w)
		return
	}

	var body createRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	created, err := h.svc.Create(r.Context(), space, session.UserID, service.CreateInput{
		Code:          body.Code,
		Title:         body.Title,
		Category:      body.Category,
		Content:       body.Content,
		Version:       body.Version,
		EffectiveDate: body.EffectiveDate,
		Tags:          body.Tags,
	})
	if err != nil {
		h.writeError(w, r, err, "policiesCreate")
		return
	}
	w.Header().Set("Location", "/api/v1/policies/"+created.ID)
	httpjson.Write(w, http.StatusCreated, toAPIPolicy(created))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		problem.Forbidden(w)
		return
	}
	p, err := h.svc.Get(r.Context(), space, chi.URLParam(r, "policyId"))
	if err != nil {
		h.writeError(w, r, err, "policiesGet")
		return
	}
	httpjson.Write(w, http.StatusOK, toAPIPolicy(p))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	logger := platformlogging.For(r.Context(), h.logger).With(zap.String("operation", op))

	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		problem.Write(w, problem.New(http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problem.TypeValidation).
			WithErrors(validationErr.Fields))
	case errors.Is(err, service.ErrNotFound):
		problem.NotFound(w, "policy not found")
	case errors.Is(err, service.ErrConflict):
		problem.Write(w, problem.New(http.StatusConflict, "Conflict", "a policy with this code already exists", problem.TypeConflict))
	default:
		logger.Error("policy operation failed", zap.Error(err))
		problem.Internal(w)
	}
}

func toAPIPolicy(p service.Policy) Policy {
	return Policy{
		ID:            p.ID,
		TenantID:      p.TenantID,
		Code:          p.Code,
		Title:         p.Title,
		Category:      p.Category,
		Content:       p.Content,
		Version:       p.Version,
		EffectiveDate: p.EffectiveDate,
		Tags:          p.Tags,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func nonNegative(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}
