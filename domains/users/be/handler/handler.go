package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/domains/users/be/repo"
	"github.com/zenGate-Global/hospital-ops-core/domains/users/be/service"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
)

type operation string

const (
	createOperation operation = "usersCreate"
	listOperation   operation = "usersList"
	getOperation    operation = "usersGet"
)

// Handler exposes the tenant user directory.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("users service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Routes mounts list, get and create. create is expected to sit behind the idempotency middleware.
func (h *Handler) Routes(r chi.Router, createMiddlewares ...func(http.Handler) http.Handler) {
	r.Get("/", h.List)
	r.Get("/{userId}", h.Get)
	r.With(createMiddlewares...).Post("/", h.Create)
}

// User is the wire representation of a tenant user.
type User struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Email       string     `json:"email"`
	FullName    string     `json:"fullName"`
	Role        string     `json:"role"`
	GroupID     *string    `json:"groupId,omitempty"`
	Permissions []string   `json:"permissions"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type listResponse struct {
	Items      []User `json:"items"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	TotalItems int    `json:"totalItems"`
	TotalPages int    `json:"totalPages"`
}

type createRequest struct {
	Email           string   `json:"email"`
	FullName        string   `json:"fullName"`
	Role            string   `json:"role"`
	GroupID         *string  `json:"groupId"`
	Permissions     []string `json:"permissions"`
	ClientRequestID string   `json:"clientRequestId,omitempty"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := service.ListOptions{}
	if n, err := strconv.Atoi(query.Get("page")); err == nil {
		opts.Page = n
	}
	if n, err := strconv.Atoi(query.Get("pageSize")); err == nil {
		opts.PageSize = n
	}
	if email := strings.TrimSpace(query.Get("email")); email != "" {
		opts.Email = &email
	}

	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	items := make([]User, 0, len(result.Users))
	for _, user := range result.Users {
		items = append(items, ToAPIUser(user))
	}

	httpjson.Write(w, http.StatusOK, listResponse{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	})
}

// Get returns one user of the routed tenant. Ids outside the tenant are not found.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, service.ErrNotFound, getOperation)
		return
	}

	user, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}
	httpjson.Write(w, http.StatusOK, ToAPIUser(user))
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	created, err := h.svc.Create(r.Context(), service.CreateInput{
		Email:       body.Email,
		FullName:    body.FullName,
		Role:        body.Role,
		GroupID:     body.GroupID,
		Permissions: body.Permissions,
	})
	if err != nil {
		h.writeError(w, r, err, createOperation)
		return
	}

	w.Header().Set("Location", "/api/v1/users/"+created.ID.String())
	httpjson.Write(w, http.StatusCreated, ToAPIUser(created))
}

// ToAPIUser maps the domain user to its wire form.
func ToAPIUser(user service.User) User {
	permissions := user.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	return User{
		ID:          user.ID.String(),
		TenantID:    user.TenantID,
		Email:       user.Email,
		FullName:    user.FullName,
		Role:        string(user.Role),
		GroupID:     user.GroupID,
		Permissions: permissions,
		IsActive:    user.IsActive,
		LastLoginAt: user.LastLoginAt,
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op operation) {
	d := classifyError(err)

	logger := h.loggerFrom(r.Context())
	fieldsForLog := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", d.Status),
		zap.Error(err),
	}

	switch {
	case d.Status >= http.StatusInternalServerError:
		logger.Error("users operation failed", fieldsForLog...)
	case d.Status == http.StatusNotFound:
		logger.Info("users resource not found", fieldsForLog...)
	default:
		logger.Warn("users request rejected", fieldsForLog...)
	}

	problem.Write(w, d)
}

func classifyError(err error) problem.Details {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return problem.New(http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problem.TypeValidation).
			WithErrors(validationErr.Fields)
	case errors.Is(err, service.ErrNotFound):
		return problem.New(http.StatusNotFound, "Resource not found", "user not found", problem.TypeNotFound)
	case errors.Is(err, service.ErrConflict):
		return problem.New(http.StatusConflict, "Conflict", "a user with this email already exists", problem.TypeConflict)
	case errors.Is(err, service.ErrUserLimitReached):
		return problem.New(http.StatusForbidden, "Forbidden", "tenant user limit reached", problem.TypeForbidden)
	case errors.Is(err, service.ErrForbidden), errors.Is(err, repo.ErrNoTenantSpace):
		return problem.New(http.StatusForbidden, "Forbidden", "", problem.TypeForbidden)
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
