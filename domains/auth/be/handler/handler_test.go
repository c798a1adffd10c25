package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/domains/auth/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

type mockService struct {
	loginFn  func(ctx context.Context, input service.LoginInput) (service.Issued, error)
	logoutFn func(ctx context.Context, session platformauth.Session) error
	meFn     func(ctx context.Context, session platformauth.Session) (service.Profile, error)
	switchFn func(ctx context.Context, session platformauth.Session, tenantID string) (service.Issued, error)
}

func (m *mockService) Login(ctx context.Context, input service.LoginInput) (service.Issued, error) {
	if m.loginFn == nil {
		panic("loginFn not configured")
	}
	return m.loginFn(ctx, input)
}

func (m *mockService) Logout(ctx context.Context, session platformauth.Session) error {
	if m.logoutFn == nil {
		panic("logoutFn not configured")
	}
	return m.logoutFn(ctx, session)
}

func (m *mockService) Me(ctx context.Context, session platformauth.Session) (service.Profile, error) {
	if m.meFn == nil {
		panic("meFn not configured")
	}
	return m.meFn(ctx, session)
}

func (m *mockService) SwitchTenant(ctx context.Context, session platformauth.Session, tenantID string) (service.Issued, error) {
	if m.switchFn == nil {
		panic("switchFn not configured")
	}
	return m.switchFn(ctx, session, tenantID)
}

var ownerSession = platformauth.Session{ID: "s-1", UserID: "owner-1", Role: platformauth.RolePlatformOwner, ExpiresAt: time.Now().Add(time.Hour)}

func fakeSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(platformauth.WithSession(r.Context(), ownerSession)))
	})
}

func newRouter(t *testing.T, svc Service) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/auth", func(r chi.Router) {
		New(svc, platformauth.CookieConfig{Name: "auth-token", Secure: true}, zaptest.NewLogger(t)).Routes(r, fakeSession)
	})
	return r
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == "auth-token" {
			return c
		}
	}
	return nil
}

func TestLoginSetsCookie(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		loginFn: func(_ context.Context, input service.LoginInput) (service.Issued, error) {
			require.Equal(t, "id-token", input.IDToken)
			require.Equal(t, "acme", input.TenantID)
			return service.Issued{
				Token:   "signed",
				Session: platformauth.Session{UserID: "u-1", Role: platformauth.RoleStaff, ActiveTenantID: "acme", ExpiresAt: time.Now().Add(time.Hour)},
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"idToken":"id-token","tenantId":"acme"}`))
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	require.Equal(t, "signed", cookie.Value)
	require.True(t, cookie.HttpOnly)
	require.True(t, cookie.Secure)
}

func TestLoginAcceptsBearerToken(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		loginFn: func(_ context.Context, input service.LoginInput) (service.Issued, error) {
			require.Equal(t, "header-token", input.IDToken)
			return service.Issued{Token: "signed", Session: platformauth.Session{UserID: "owner-1", Role: platformauth.RolePlatformOwner}}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
	}{
		{err: service.ErrUnauthenticated, status: http.StatusUnauthorized},
		{err: service.ErrTenantUnavailable, status: http.StatusForbidden},
		{err: service.ErrValidation, status: http.StatusBadRequest},
		{err: context.DeadlineExceeded, status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &mockService{
			loginFn: func(context.Context, service.LoginInput) (service.Issued, error) {
				return service.Issued{}, tc.err
			},
		}
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"idToken":"x"}`))
		rec := httptest.NewRecorder()
		newRouter(t, svc).ServeHTTP(rec, req)

		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		require.Nil(t, sessionCookie(rec))
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	t.Parallel()

	var revoked string
	svc := &mockService{
		logoutFn: func(_ context.Context, session platformauth.Session) error {
			revoked = session.ID
			return nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "s-1", revoked)
	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	require.Equal(t, -1, cookie.MaxAge)
}

func TestMeHidesExpiredEntitlements(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		meFn: func(_ context.Context, session platformauth.Session) (service.Profile, error) {
			return service.Profile{
				Session: session,
				Tenant:  &tenant.Space{TenantID: "acme", Status: tenant.StatusExpired, Entitlements: []tenant.PlatformKey{tenant.PlatformHealth}},
				User:    &persistence.User{Email: "a@acme.test", FullName: "A"},
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body meBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Tenant)
	require.Empty(t, body.Tenant.Entitlements)
	require.Equal(t, "a@acme.test", body.User.Email)
}

func TestSwitchTenantRotatesCookie(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		switchFn: func(_ context.Context, session platformauth.Session, tenantID string) (service.Issued, error) {
			require.Equal(t, "owner-1", session.UserID)
			require.Equal(t, "acme", tenantID)
			return service.Issued{Token: "rotated", Session: platformauth.Session{UserID: "owner-1", Role: platformauth.RolePlatformOwner, ActiveTenantID: "acme"}}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/switch-tenant", strings.NewReader(`{"tenantId":"acme"}`))
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "rotated", sessionCookie(rec).Value)
}

func TestSwitchTenantForbiddenForTenantUsers(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		switchFn: func(context.Context, platformauth.Session, string) (service.Issued, error) {
			return service.Issued{}, service.ErrNotPlatformOwner
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/switch-tenant", strings.NewReader(`{"tenantId":"acme"}`))
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}
