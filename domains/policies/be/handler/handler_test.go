package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/domains/policies/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/quota"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

type mockService struct {
	createFn func(ctx context.Context, space tenant.Space, actor string, input service.CreateInput) (service.Policy, error)
	searchFn func(ctx context.Context, space tenant.Space, input service.SearchInput) (service.SearchResult, error)
	getFn    func(ctx context.Context, space tenant.Space, id string) (service.Policy, error)
}

func (m *mockService) Create(ctx context.Context, space tenant.Space, actor string, input service.CreateInput) (service.Policy, error) {
	return m.createFn(ctx, space, actor, input)
}

func (m *mockService) Search(ctx context.Context, space tenant.Space, input service.SearchInput) (service.SearchResult, error) {
	return m.searchFn(ctx, space, input)
}

func (m *mockService) Get(ctx context.Context, space tenant.Space, id string) (service.Policy, error) {
	return m.getFn(ctx, space, id)
}

var acme = tenant.Space{TenantID: "acme", Status: tenant.StatusActive, Entitlements: []tenant.PlatformKey{tenant.PlatformSAM}}

func newRouter(t *testing.T, svc service.Service, session platformauth.Session, guard *quota.Guard) http.Handler {
	t.Helper()
	h := New(svc, zaptest.NewLogger(t))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := platformauth.WithSession(req.Context(), session)
			ctx = tenant.WithSpace(ctx, acme)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/policies", func(r chi.Router) {
		h.Routes(r, Middlewares{
			Create: []func(http.Handler) http.Handler{platformauth.RequireRole(platformauth.RoleAdmin)},
			Search: []func(http.Handler) http.Handler{guard.Middleware("policy.search")},
			View:   []func(http.Handler) http.Handler{guard.Middleware("policy.view")},
		})
	})
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var (
	staff = platformauth.Session{UserID: "u-1", Role: platformauth.RoleStaff, ActiveTenantID: "acme"}
	admin = platformauth.Session{UserID: "admin-1", Role: platformauth.RoleAdmin, ActiveTenantID: "acme"}
)

func TestCreatePolicyRequiresAdmin(t *testing.T) {
	t.Parallel()

	svc := &mockService{createFn: func(_ context.Context, _ tenant.Space, actor string, input service.CreateInput) (service.Policy, error) {
		require.Equal(t, "admin-1", actor)
		return service.Policy{ID: "p-1", TenantID: "acme", Code: input.Code, Title: input.Title}, nil
	}}
	guard := quota.NewGuard(quota.GuardConfig{Store: quota.NewMemoryStore()})
	payload := `{"code":"IPC-001","title":"Hand hygiene","category":"IPC","content":"Wash hands."}`

	rec := do(newRouter(t, svc, staff, guard), http.MethodPost, "/policies", payload)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(newRouter(t, svc, admin, guard), http.MethodPost, "/policies", payload)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/v1/policies/p-1", rec.Header().Get("Location"))
	var body Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "IPC-001", body.Code)
}

func TestSearchConsumesQuotaUntilExhausted(t *testing.T) {
	t.Parallel()

	store := quota.NewMemoryStore()
	_, err := store.Create(context.Background(), acme, quota.Quota{
		ScopeType:  quota.ScopeUser,
		ScopeID:    "u-1",
		FeatureKey: "policy.search",
		Limit:      2,
	})
	require.NoError(t, err)
	guard := quota.NewGuard(quota.GuardConfig{Store: store})

	var queries []string
	svc := &mockService{searchFn: func(_ context.Context, _ tenant.Space, input service.SearchInput) (service.SearchResult, error) {
		queries = append(queries, input.Query)
		return service.SearchResult{Items: []service.Policy{{ID: "p-1", Title: "Hand hygiene"}}, TotalItems: 1, Limit: 20}, nil
	}}
	h := newRouter(t, svc, staff, guard)

	for range 2 {
		rec := do(h, http.MethodGet, "/policies?q=hygiene", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(h, http.MethodGet, "/policies?q=hygiene", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var denied quota.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denied))
	require.Equal(t, quota.ReasonQuotaReached, denied.ReasonCode)
	require.Equal(t, int64(0), denied.Quota.Available)
	require.Equal(t, []string{"hygiene", "hygiene"}, queries)
}

func TestGetPolicy(t *testing.T) {
	t.Parallel()

	svc := &mockService{getFn: func(_ context.Context, _ tenant.Space, id string) (service.Policy, error) {
		if id == "p-1" {
			return service.Policy{ID: "p-1", Title: "Hand hygiene"}, nil
		}
		return service.Policy{}, service.ErrNotFound
	}}
	h := newRouter(t, svc, staff, quota.NewGuard(quota.GuardConfig{Store: quota.NewMemoryStore()}))

	rec := do(h, http.MethodGet, "/policies/p-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/policies/p-9", "").Code)
}

func TestSearchRejectsBadPaging(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	h := newRouter(t, svc, staff, quota.NewGuard(quota.GuardConfig{Store: quota.NewMemoryStore()}))
	require.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/policies?offset=x", "").Code)
}
