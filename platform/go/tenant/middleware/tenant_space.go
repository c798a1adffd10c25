package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant/router"
)

// Router resolves the session's active tenant to its partition.
// Implemented by router.Router.
type Router interface {
	Route(ctx context.Context, tenantID string) (tenant.Space, error)
}

// WithTenantSpace routes the session's active tenant and attaches the
// resulting tenant.Space to the request context. Sessions without an active
// tenant, and tenants that are unknown or blocked, are refused with 403.
func WithTenantSpace(r Router, logger *zap.Logger) func(http.Handler) http.Handler {
	if r == nil {
		panic("tenant middleware: router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			session, ok := platformauth.SessionFromContext(req.Context())
			if !ok {
				problem.Unauthorized(w)
				return
			}
			log := platformlogging.FromRequest(req, logger)
			if !session.HasTenant() {
				log.Info("tenant route refused", zap.String("reason", "no_active_tenant"))
				problem.Forbidden(w)
				return
			}

			space, err := r.Route(req.Context(), session.ActiveTenantID)
			if err != nil {
				if errors.Is(err, router.ErrTenantNotFound) {
					log.Info("tenant route refused", zap.String("reason", "tenant_unavailable"))
					problem.Forbidden(w)
					return
				}
				log.Error("route tenant", zap.Error(err))
				problem.Internal(w)
				return
			}

			ctx := tenant.WithSpace(req.Context(), space)
			ctx = platformlogging.WithLogger(ctx, log.With(zap.String("tenant_schema", space.SchemaName)))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// RequireEntitlement refuses requests whose tenant is not entitled to key or
// whose subscription has expired.
func RequireEntitlement(key tenant.PlatformKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			space, ok := tenant.FromContext(req.Context())
			if !ok || !space.Entitled(key) {
				platformlogging.FromRequest(req, zap.NewNop()).Info("entitlement denied",
					zap.String("platform", string(key)),
					zap.String("tenant_id", space.TenantID),
					zap.String("tenant_status", string(space.Status)))
				problem.Forbidden(w)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
