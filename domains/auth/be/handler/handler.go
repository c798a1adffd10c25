package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/domains/auth/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
)

// Service is implemented by *service.Service.
type Service interface {
	Login(ctx context.Context, input service.LoginInput) (service.Issued, error)
	Logout(ctx context.Context, session platformauth.Session) error
	Me(ctx context.Context, session platformauth.Session) (service.Profile, error)
	SwitchTenant(ctx context.Context, session platformauth.Session, tenantID string) (service.Issued, error)
}

// Handler serves /auth.
type Handler struct {
	svc    Service
	cookie platformauth.CookieConfig
	logger *zap.Logger
}

func New(svc Service, cookie platformauth.CookieConfig, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("auth service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, cookie: cookie, logger: logger}
}

// Routes mounts login publicly and the rest behind requireSession.
func (h *Handler) Routes(r chi.Router, requireSession func(http.Handler) http.Handler) {
	r.Post("/login", h.Login)
	r.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
		r.Post("/switch-tenant", h.SwitchTenant)
	})
}

type loginRequest struct {
	IDToken  string `json:"idToken"`
	TenantID string `json:"tenantId"`
}

type switchRequest struct {
	TenantID string `json:"tenantId"`
}

type sessionBody struct {
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	ActiveTenantID string    `json:"activeTenantId,omitempty"`
	GroupID        string    `json:"groupId,omitempty"`
	Permissions    []string  `json:"permissions"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type tenantBody struct {
	TenantID     string   `json:"tenantId"`
	Status       string   `json:"status"`
	Entitlements []string `json:"entitlements"`
}

type userBody struct {
	Email       string     `json:"email"`
	FullName    string     `json:"fullName"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

type meBody struct {
	Session sessionBody `json:"session"`
	Tenant  *tenantBody `json:"tenant,omitempty"`
	User    *userBody   `json:"user,omitempty"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if r.ContentLength != 0 {
		if err := httpjson.Decode(r, &body); err != nil {
			problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
			return
		}
	}
	if body.IDToken == "" {
		if bearer, ok := platformauth.ExtractBearerToken(r); ok {
			body.IDToken = bearer
		}
	}

	issued, err := h.svc.Login(r.Context(), service.LoginInput{IDToken: body.IDToken, TenantID: body.TenantID})
	if err != nil {
		h.writeError(w, r, err, "authLogin")
		return
	}

	platformauth.SetSessionCookie(w, h.cookie, issued.Token, issued.Session.ExpiresAt)
	httpjson.Write(w, http.StatusOK, toSessionBody(issued.Session))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := platformauth.SessionFromContext(r.Context())
	if !ok {
		problem.Unauthorized(w)
		return
	}
	if err := h.svc.Logout(r.Context(), session); err != nil {
		h.writeError(w, r, err, "authLogout")
		return
	}
	platformauth.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	session, ok := platformauth.SessionFromContext(r.Context())
	if !ok {
		problem.Unauthorized(w)
		return
	}
	profile, err := h.svc.Me(r.Context(), session)
	if err != nil {
		h.writeError(w, r, err, "authMe")
		return
	}

	body := meBody{Session: toSessionBody(profile.Session)}
	if profile.Tenant != nil {
		entitlements := make([]string, 0, len(profile.Tenant.Entitlements))
		for _, key := range profile.Tenant.Entitlements {
			if profile.Tenant.Entitled(key) {
				entitlements = append(entitlements, string(key))
			}
		}
		body.Tenant = &tenantBody{
			TenantID:     profile.Tenant.TenantID,
			Status:       string(profile.Tenant.Status),
			Entitlements: entitlements,
		}
	}
	if profile.User != nil {
		body.User = &userBody{
			Email:       profile.User.Email,
			FullName:    profile.User.FullName,
			LastLoginAt: profile.User.LastLoginAt,
		}
	}
	httpjson.Write(w, http.StatusOK, body)
}

func (h *Handler) SwitchTenant(w http.ResponseWriter, r *http.Request) {
	session, ok := platformauth.SessionFromContext(r.Context())
	if !ok {
		problem.Unauthorized(w)
		return
	}
	var body switchRequest
	if err := httpjson.Decode(r, &body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}

	issued, err := h.svc.SwitchTenant(r.Context(), session, body.TenantID)
	if err != nil {
		h.writeError(w, r, err, "authSwitchTenant")
		return
	}
	platformauth.SetSessionCookie(w, h.cookie, issued.Token, issued.Session.ExpiresAt)
	httpjson.Write(w, http.StatusOK, toSessionBody(issued.Session))
}

func toSessionBody(s platformauth.Session) sessionBody {
	perms := s.Permissions
	if perms == nil {
		perms = []string{}
	}
	return sessionBody{
		UserID:         s.UserID,
		Role:           string(s.Role),
		ActiveTenantID: s.ActiveTenantID,
		GroupID:        s.GroupID,
		Permissions:    perms,
		ExpiresAt:      s.ExpiresAt,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	logger := platformlogging.For(r.Context(), h.logger).With(zap.String("operation", op))
	switch {
	case errors.Is(err, service.ErrValidation):
		logger.Info("auth request rejected", zap.Error(err))
		problem.Write(w, problem.New(http.StatusBadRequest, "Validation failed", err.Error(), problem.TypeValidation))
	case errors.Is(err, service.ErrUnauthenticated):
		problem.Unauthorized(w)
	case errors.Is(err, service.ErrTenantUnavailable), errors.Is(err, service.ErrNotPlatformOwner):
		logger.Warn("auth request forbidden", zap.Error(err))
		problem.Forbidden(w)
	default:
		logger.Error("auth operation failed", zap.Error(err))
		problem.Internal(w)
	}
}
