package auth

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
)

// DefaultCookieName is the http-only cookie carrying the session token.
const DefaultCookieName = "auth-token"

// SessionResolver decodes raw session tokens.
type SessionResolver interface {
	Resolve(raw string) (Session, error)
}

// MiddlewareConfig controls RequireSession.
type MiddlewareConfig struct {
	CookieName  string
	Revocations RevocationList
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// RequireSession resolves the session from the cookie (or an Authorization bearer
// header for non-browser clients) and stores it on the context. Any failure is
// answered with the same generic 401.
func RequireSession(resolver SessionResolver, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("auth.RequireSession: resolver must not be nil")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			logger := platformlogging.FromRequest(r, cfg.Logger)

			raw := ""
			if c, err := r.Cookie(cfg.CookieName); err == nil {
				raw = c.Value
			} else if bearer, ok := ExtractBearerToken(r); ok {
				raw = bearer
			}
			if raw == "" {
				cfg.Metrics.SessionFailure("missing")
				problem.Unauthorized(w)
				return
			}

			session, err := resolver.Resolve(raw)
			if err != nil {
				reason := "invalid"
				switch {
				case errors.Is(err, ErrExpired):
					reason = "expired"
				case errors.Is(err, ErrNoActiveTenant):
					reason = "no_active_tenant"
				}
				cfg.Metrics.SessionFailure(reason)
				logger.Info("session rejected", zap.String("reason", reason))
				problem.Unauthorized(w)
				return
			}

			if cfg.Revocations != nil {
				revoked, err := cfg.Revocations.IsRevoked(r.Context(), session.ID)
				if err != nil {
					logger.Error("check session revocation", zap.Error(err))
					problem.Internal(w)
					return
				}
				if revoked {
					cfg.Metrics.SessionFailure("revoked")
					logger.Info("session rejected", zap.String("reason", "revoked"))
					problem.Unauthorized(w)
					return
				}
			}

			ctx := WithSession(r.Context(), session)
			ctx = platformlogging.WithLogger(ctx, logger.With(
				zap.String("user_id", session.UserID),
				zap.String("role", string(session.Role)),
				zap.String("tenant_id", session.ActiveTenantID),
			))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a route group to the listed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok || !HasRole(session.Capabilities(), roles...) {
				deny(w, r, session, "role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission gates a route on a single capability.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok || Authorize(session.Capabilities(), perm) != nil {
				deny(w, r, session, string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, session Session, required string) {
	platformlogging.FromRequest(r, zap.NewNop()).Warn("authorization denied",
		zap.String("required", required),
		zap.String("user_id", session.UserID),
		zap.String("tenant_id", session.ActiveTenantID),
	)
	problem.Forbidden(w)
}

// CookieConfig describes how the session cookie is written.
type CookieConfig struct {
	Name   string
	Secure bool
}

// SetSessionCookie writes the session token as a secure, http-only cookie.
func SetSessionCookie(w http.ResponseWriter, cfg CookieConfig, token string, expires time.Time) {
	name := cfg.Name
	if name == "" {
		name = DefaultCookieName
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	name := cfg.Name
	if name == "" {
		name = DefaultCookieName
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
