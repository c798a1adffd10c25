package quota

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// ErrorResponse is the body returned with a quota denial.
type ErrorResponse struct {
	Error      string   `json:"error"`
	ReasonCode string   `json:"reasonCode"`
	Quota      Snapshot `json:"quota"`
}

// ErrNoTenantSpace is returned when the request was not routed to a tenant partition.
var ErrNoTenantSpace = errors.New("quota check requires a routed tenant")

// RequireQuota checks featureKey for the session against the tenant routed into
// ctx. A nil response means proceed.
func (g *Guard) RequireQuota(ctx context.Context, session auth.Session, featureKey string) (*ErrorResponse, error) {
	space, ok := tenant.FromContext(ctx)
	if !ok || space.TenantID != session.ActiveTenantID {
		return nil, ErrNoTenantSpace
	}

	decision, err := g.Check(ctx, space, Subject{UserID: session.UserID, GroupID: session.GroupID}, featureKey)
	if err != nil {
		return nil, err
	}
	if decision.Allowed {
		return nil, nil
	}
	return &ErrorResponse{
		Error:      "Usage limit reached for this feature",
		ReasonCode: decision.Reason,
		Quota:      decision.Quota,
	}, nil
}

// Middleware meters every request through featureKey. It must run after the
// session and tenant routing middleware.
func (g *Guard) Middleware(featureKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := auth.SessionFromContext(r.Context())
			if !ok {
				problem.Unauthorized(w)
				return
			}

			denied, err := g.RequireQuota(r.Context(), session, featureKey)
			if err != nil {
				platformlogging.FromRequest(r, g.logger).Error("quota check failed",
					zap.String("feature_key", featureKey), zap.Error(err))
				problem.Internal(w)
				return
			}
			if denied != nil {
				httpjson.Write(w, http.StatusForbidden, denied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
