package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/domains/clinical-infra/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/idempotency"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

type mockService struct {
	listFn    func(ctx context.Context, space tenant.Space, opts service.ListOptions) (service.ListResult, error)
	createFn  func(ctx context.Context, space tenant.Space, actor string, attrs map[string]any) (service.Bed, error)
	updateFn  func(ctx context.Context, space tenant.Space, actor, id string, patch map[string]any) (service.Bed, error)
	archiveFn func(ctx context.Context, space tenant.Space, actor, id string) (service.Bed, error)
}

func (m *mockService) List(ctx context.Context, space tenant.Space, opts service.ListOptions) (service.ListResult, error) {
	return m.listFn(ctx, space, opts)
}

func (m *mockService) Create(ctx context.Context, space tenant.Space, actor string, attrs map[string]any) (service.Bed, error) {
	return m.createFn(ctx, space, actor, attrs)
}

func (m *mockService) Update(ctx context.Context, space tenant.Space, actor, id string, patch map[string]any) (service.Bed, error) {
	return m.updateFn(ctx, space, actor, id, patch)
}

func (m *mockService) Archive(ctx context.Context, space tenant.Space, actor, id string) (service.Bed, error) {
	return m.archiveFn(ctx, space, actor, id)
}

var acme = tenant.Space{TenantID: "acme", Status: tenant.StatusActive}

func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := platformauth.WithSession(r.Context(), platformauth.Session{UserID: "nurse-1", Role: platformauth.RoleStaff, ActiveTenantID: "acme"})
		ctx = tenant.WithSpace(ctx, acme)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRouter(t *testing.T, svc service.Service, mutation ...func(http.Handler) http.Handler) http.Handler {
	t.Helper()
	h := New(svc, zaptest.NewLogger(t))
	r := chi.NewRouter()
	r.Use(withCaller)
	r.Route("/clinical-infra/beds", func(r chi.Router) { h.Routes(r, mutation...) })
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleBed(id string, attrs map[string]any) service.Bed {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return service.Bed{ID: id, TenantID: "acme", Attributes: attrs, CreatedBy: "nurse-1", UpdatedBy: "nurse-1", CreatedAt: now, UpdatedAt: now}
}

func TestCreateBedFlattensAttributes(t *testing.T) {
	t.Parallel()

	svc := &mockService{createFn: func(_ context.Context, space tenant.Space, actor string, attrs map[string]any) (service.Bed, error) {
		require.Equal(t, "acme", space.TenantID)
		require.Equal(t, "nurse-1", actor)
		return sampleBed("bed-1", attrs), nil
	}}
	h := newRouter(t, svc)

	rec := do(h, http.MethodPost, "/clinical-infra/beds", `{"label":"ICU-1","bedType":"ICU"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/v1/clinical-infra/beds/bed-1", rec.Header().Get("Location"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "bed-1", body["id"])
	require.Equal(t, "acme", body["tenantId"])
	require.Equal(t, "ICU-1", body["label"])
	require.Equal(t, false, body["isArchived"])
	require.Equal(t, "2026-03-01T08:00:00Z", body["createdAt"])
}

func TestCreateBedValidationProblem(t *testing.T) {
	t.Parallel()

	svc := &mockService{createFn: func(context.Context, tenant.Space, string, map[string]any) (service.Bed, error) {
		return service.Bed{}, &service.ValidationError{Fields: map[string][]string{"/bedType": {"value must be one of ER, IPD, ICU"}}}
	}}
	h := newRouter(t, svc)

	rec := do(h, http.MethodPost, "/clinical-infra/beds", `{"bedType":"CRIB"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "/bedType")

	rec = do(h, http.MethodPost, "/clinical-infra/beds", `{"bedType":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBedsPassesFilters(t *testing.T) {
	t.Parallel()

	svc := &mockService{listFn: func(_ context.Context, _ tenant.Space, opts service.ListOptions) (service.ListResult, error) {
		require.Equal(t, "unit-1", opts.UnitID)
		require.Equal(t, "north", opts.Search)
		require.True(t, opts.IncludeArchived)
		require.Equal(t, 10, opts.Limit)
		return service.ListResult{Items: []service.Bed{sampleBed("bed-1", map[string]any{"label": "North 1"})}, TotalItems: 1, Limit: 10}, nil
	}}
	h := newRouter(t, svc)

	rec := do(h, http.MethodGet, "/clinical-infra/beds?unitId=unit-1&q=north&includeArchived=true&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.TotalItems)
	require.Equal(t, "North 1", body.Items[0]["label"])

	rec = do(h, http.MethodGet, "/clinical-infra/beds?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAndArchiveMapErrors(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		updateFn: func(context.Context, tenant.Space, string, string, map[string]any) (service.Bed, error) {
			return service.Bed{}, service.ErrNotFound
		},
		archiveFn: func(_ context.Context, _ tenant.Space, _ string, id string) (service.Bed, error) {
			if id == "busy" {
				return service.Bed{}, service.ErrConflict
			}
			return sampleBed(id, nil), nil
		},
	}
	h := newRouter(t, svc)

	require.Equal(t, http.StatusNotFound, do(h, http.MethodPatch, "/clinical-infra/beds/missing", `{"status":"inactive"}`).Code)
	require.Equal(t, http.StatusConflict, do(h, http.MethodDelete, "/clinical-infra/beds/busy", "").Code)
	require.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/clinical-infra/beds/bed-1", "").Code)
}

func TestRetriedCreateIsReplayed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	svc := &mockService{createFn: func(_ context.Context, _ tenant.Space, _ string, attrs map[string]any) (service.Bed, error) {
		calls.Add(1)
		return sampleBed("bed-1", attrs), nil
	}}
	idem := idempotency.NewService(idempotency.Config{Store: idempotency.NewMemoryStore()})
	h := newRouter(t, svc, idem.Middleware)

	payload := `{"clientRequestId":"req-42","label":"ICU-1"}`
	first := do(h, http.MethodPost, "/clinical-infra/beds", payload)
	require.Equal(t, http.StatusCreated, first.Code)
	second := do(h, http.MethodPost, "/clinical-infra/beds", payload)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, int32(1), calls.Load())
}
