package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant/router"
)

type routerFunc func(ctx context.Context, tenantID string) (tenant.Space, error)

func (f routerFunc) Route(ctx context.Context, tenantID string) (tenant.Space, error) {
	return f(ctx, tenantID)
}

func staticRouter(spaces ...tenant.Space) routerFunc {
	return func(_ context.Context, tenantID string) (tenant.Space, error) {
		for _, s := range spaces {
			if s.TenantID == tenantID {
				return s, nil
			}
		}
		return tenant.Space{}, router.ErrTenantNotFound
	}
}

func withSession(session platformauth.Session) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(platformauth.WithSession(r.Context(), session)))
		})
	}
}

func newTestRouter(t *testing.T, r Router, session platformauth.Session, key tenant.PlatformKey) http.Handler {
	mux := chi.NewRouter()
	mux.Use(withSession(session))
	mux.Use(WithTenantSpace(r, zaptest.NewLogger(t)))
	mux.With(RequireEntitlement(key)).Get("/beds", func(w http.ResponseWriter, r *http.Request) {
		space, ok := tenant.FromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(space.SchemaName))
	})
	return mux
}

func serve(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/beds", nil))
	return rec
}

func TestWithTenantSpace(t *testing.T) {
	acme := tenant.Space{TenantID: "acme", SchemaName: "test__t_acme_x", RoleName: "r", Status: tenant.StatusActive, Entitlements: []tenant.PlatformKey{tenant.PlatformHealth}}
	expired := tenant.Space{TenantID: "late", SchemaName: "test__t_late_x", RoleName: "r", Status: tenant.StatusExpired, Entitlements: []tenant.PlatformKey{tenant.PlatformHealth}}
	routes := staticRouter(acme, expired)

	cases := []struct {
		name    string
		session platformauth.Session
		key     tenant.PlatformKey
		status  int
	}{
		{"routed and entitled", platformauth.Session{UserID: "u", Role: platformauth.RoleStaff, ActiveTenantID: "acme"}, tenant.PlatformHealth, http.StatusOK},
		{"missing entitlement", platformauth.Session{UserID: "u", Role: platformauth.RoleStaff, ActiveTenantID: "acme"}, tenant.PlatformSAM, http.StatusForbidden},
		{"expired tenant", platformauth.Session{UserID: "u", Role: platformauth.RoleStaff, ActiveTenantID: "late"}, tenant.PlatformHealth, http.StatusForbidden},
		{"unknown tenant", platformauth.Session{UserID: "u", Role: platformauth.RoleStaff, ActiveTenantID: "ghost"}, tenant.PlatformHealth, http.StatusForbidden},
		{"owner without tenant", platformauth.Session{UserID: "o", Role: platformauth.RolePlatformOwner}, tenant.PlatformHealth, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(newTestRouter(t, routes, tc.session, tc.key))
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				require.Equal(t, acme.SchemaName, rec.Body.String())
			}
		})
	}
}

func TestWithTenantSpaceRouterFailure(t *testing.T) {
	failing := routerFunc(func(context.Context, string) (tenant.Space, error) {
		return tenant.Space{}, errors.New("connection refused")
	})
	session := platformauth.Session{UserID: "u", Role: platformauth.RoleStaff, ActiveTenantID: "acme"}
	rec := serve(newTestRouter(t, failing, session, tenant.PlatformHealth))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")
}

func TestWithTenantSpaceRequiresSession(t *testing.T) {
	h := WithTenantSpace(staticRouter(), zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := serve(h)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
