package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/domains/tenants/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
)

type operation string

const (
	createOperation      operation = "tenantsCreate"
	listOperation        operation = "tenantsList"
	updateOperation      operation = "tenantsUpdate"
	createAdminOperation operation = "tenantsCreateAdmin"
)

// Handler serves the owner console.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the owner console endpoints. Callers gate them to platform owners.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Patch("/{tenantId}", h.Update)
	r.Post("/{tenantId}/admins", h.CreateAdmin)
}

type tenantBody struct {
	TenantID           string     `json:"tenantId"`
	Name               string     `json:"name"`
	SchemaName         string     `json:"schemaName"`
	Status             string     `json:"status"`
	Entitlements       []string   `json:"entitlements"`
	PlanType           string     `json:"planType"`
	MaxUsers           int        `json:"maxUsers"`
	SubscriptionEndsAt *time.Time `json:"subscriptionEndsAt,omitempty"`
	CreatedBy          string     `json:"createdBy,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type statsBody struct {
	TotalTenants   int `json:"totalTenants"`
	ActiveTenants  int `json:"activeTenants"`
	BlockedTenants int `json:"blockedTenants"`
	TotalUsers     int `json:"totalUsers"`
}

type listBody struct {
	Items      []tenantBody `json:"items"`
	Page       int          `json:"page"`
	PageSize   int          `json:"pageSize"`
	TotalItems int          `json:"totalItems"`
	TotalPages int          `json:"totalPages"`
	Stats      statsBody    `json:"stats"`
}

type createRequest struct {
	TenantID           string     `json:"tenantId"`
	Name               string     `json:"name"`
	Entitlements       []string   `json:"entitlements"`
	Status             *string    `json:"status"`
	PlanType           *string    `json:"planType"`
	MaxUsers           *int       `json:"maxUsers"`
	SubscriptionEndsAt *time.Time `json:"subscriptionEndsAt"`
}

// updateRequest keeps subscriptionEndsAt raw so an explicit null clears it.
type updateRequest struct {
	Name               *string          `json:"name"`
	Status             *string          `json:"status"`
	Entitlements       *[]string        `json:"entitlements"`
	PlanType           *string          `json:"planType"`
	MaxUsers           *int             `json:"maxUsers"`
	SubscriptionEndsAt optionalDateTime `json:"subscriptionEndsAt"`
}

type optionalDateTime struct {
	Set   bool
	Value *time.Time
}

func (o *optionalDateTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := t.UnmarshalJSON(data); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

type adminRequest struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

type adminBody struct {
	UserID    string    `json:"userId"`
	TenantID  string    `json:"tenantId"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	input := service.CreateInput{
		TenantID:           body.TenantID,
		Name:               body.Name,
		Entitlements:       body.Entitlements,
		Status:             body.Status,
		PlanType:           body.PlanType,
		MaxUsers:           body.MaxUsers,
		SubscriptionEndsAt: body.SubscriptionEndsAt,
	}
	if session, ok := platformauth.SessionFromContext(r.Context()); ok {
		input.CreatedBy = session.UserID
	}

	created, err := h.svc.Create(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err, createOperation)
		return
	}

	w.Header().Set("Location", "/api/v1/owner/tenants/"+created.TenantID)
	httpjson.Write(w, http.StatusCreated, toTenantBody(created))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := service.ListOptions{
		Page:     atoiOrZero(query.Get("page")),
		PageSize: atoiOrZero(query.Get("pageSize")),
	}
	if status := query.Get("status"); status != "" {
		opts.Status = &status
	}

	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	items := make([]tenantBody, 0, len(result.Tenants))
	for _, t := range result.Tenants {
		items = append(items, toTenantBody(t))
	}
	httpjson.Write(w, http.StatusOK, listBody{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
		Stats: statsBody{
			TotalTenants:   result.Stats.TotalTenants,
			ActiveTenants:  result.Stats.ActiveTenants,
			BlockedTenants: result.Stats.BlockedTenants,
			TotalUsers:     result.Stats.TotalUsers,
		},
	})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var body updateRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	input := service.UpdateInput{
		Name:         body.Name,
		Status:       body.Status,
		Entitlements: body.Entitlements,
		PlanType:     body.PlanType,
		MaxUsers:     body.MaxUsers,
	}
	if body.SubscriptionEndsAt.Set {
		if body.SubscriptionEndsAt.Value == nil {
			input.ClearSubscriptionEndsAt = true
		} else {
			input.SubscriptionEndsAt = body.SubscriptionEndsAt.Value
		}
	}

	updated, err := h.svc.Update(r.Context(), chi.URLParam(r, "tenantId"), input)
	if err != nil {
		h.writeError(w, r, err, updateOperation)
		return
	}
	httpjson.Write(w, http.StatusOK, toTenantBody(updated))
}

func (h *Handler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var body adminRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	admin, err := h.svc.CreateAdmin(r.Context(), chi.URLParam(r, "tenantId"), service.AdminInput{
		Email:    body.Email,
		FullName: body.FullName,
	})
	if err != nil {
		h.writeError(w, r, err, createAdminOperation)
		return
	}

	httpjson.Write(w, http.StatusCreated, adminBody{
		UserID:    admin.UserID.String(),
		TenantID:  admin.TenantID,
		Email:     admin.Email,
		FullName:  admin.FullName,
		Role:      admin.Role,
		CreatedAt: admin.CreatedAt,
	})
}

func toTenantBody(t service.Tenant) tenantBody {
	entitlements := make([]string, 0, len(t.Entitlements))
	for _, key := range t.Entitlements {
		entitlements = append(entitlements, string(key))
	}
	return tenantBody{
		TenantID:           t.TenantID,
		Name:               t.Name,
		SchemaName:         t.SchemaName,
		Status:             string(t.Status),
		Entitlements:       entitlements,
		PlanType:           t.PlanType,
		MaxUsers:           t.MaxUsers,
		SubscriptionEndsAt: t.SubscriptionEndsAt,
		CreatedBy:          t.CreatedBy,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op operation) {
	d := h.classifyError(err)

	logger := h.loggerFrom(r.Context())
	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", d.Status),
		zap.Error(err),
	}
	switch {
	case d.Status >= http.StatusInternalServerError:
		logger.Error("tenants operation failed", fields...)
	case d.Status == http.StatusNotFound:
		logger.Info("tenant not found", fields...)
	default:
		logger.Warn("tenants request rejected", fields...)
	}

	problem.Write(w, d)
}

func (h *Handler) classifyError(err error) problem.Details {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return problem.New(http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problem.TypeValidation).
			WithErrors(validationErr.Fields)
	case errors.Is(err, service.ErrNotFound):
		return problem.New(http.StatusNotFound, "Resource not found", "tenant not found", problem.TypeNotFound)
	case errors.Is(err, service.ErrConflict):
		return problem.New(http.StatusConflict, "Conflict", "tenant already exists", problem.TypeConflict)
	case errors.Is(err, service.ErrUserConflict):
		return problem.New(http.StatusConflict, "Conflict", "a user with this email already exists", problem.TypeConflict)
	case errors.Is(err, service.ErrUserLimitReached):
		return problem.New(http.StatusForbidden, "Forbidden", "tenant user limit reached", problem.TypeForbidden)
	default:
		return problem.New(http.StatusInternalServerError, "Internal server error", "an unexpected error occurred", problem.TypeInternal)
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
