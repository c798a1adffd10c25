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
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/domains/users/be/service"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
)

type mockService struct {
	createFn func(ctx context.Context, input service.CreateInput) (service.User, error)
	listFn   func(ctx context.Context, opts service.ListOptions) (service.ListResult, error)
	getFn    func(ctx context.Context, id uuid.UUID) (service.User, error)
}

func (m *mockService) Create(ctx context.Context, input service.CreateInput) (service.User, error) {
	if m.createFn == nil {
		panic("createFn not configured")
	}
	return m.createFn(ctx, input)
}

func (m *mockService) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	if m.listFn == nil {
		panic("listFn not configured")
	}
	return m.listFn(ctx, opts)
}

func (m *mockService) Get(ctx context.Context, id uuid.UUID) (service.User, error) {
	if m.getFn == nil {
		panic("getFn not configured")
	}
	return m.getFn(ctx, id)
}

func newRouter(t *testing.T, svc service.Service) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/users", func(r chi.Router) {
		New(svc, zaptest.NewLogger(t)).Routes(r)
	})
	return r
}

func TestUsersListSuccess(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	userID := uuid.New()
	svc := &mockService{
		listFn: func(_ context.Context, opts service.ListOptions) (service.ListResult, error) {
			require.Equal(t, 2, opts.Page)
			require.Equal(t, 10, opts.PageSize)
			require.NotNil(t, opts.Email)
			return service.ListResult{
				Users: []service.User{{
					ID:        userID,
					TenantID:  "acme",
					Email:     "a@acme.test",
					FullName:  "Alpha",
					Role:      platformauth.RoleAdmin,
					IsActive:  true,
					CreatedAt: now,
					UpdatedAt: now,
				}},
				Page:       2,
				PageSize:   10,
				TotalItems: 11,
				TotalPages: 2,
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/users?page=2&pageSize=10&email=a@acme.test", nil)
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	require.Equal(t, userID.String(), body.Items[0].ID)
	require.Equal(t, "admin", body.Items[0].Role)
	require.Equal(t, []string{}, body.Items[0].Permissions)
}

func TestUsersCreateSuccess(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	svc := &mockService{
		createFn: func(_ context.Context, input service.CreateInput) (service.User, error) {
			require.Equal(t, "n@acme.test", input.Email)
			require.Equal(t, "supervisor", input.Role)
			return service.User{ID: userID, Email: input.Email, FullName: input.FullName, Role: platformauth.RoleSupervisor}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"email":"n@acme.test","fullName":"N","role":"supervisor","clientRequestId":"req-1"}`))
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/v1/users/"+userID.String(), rec.Header().Get("Location"))
}

func TestUsersCreateErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		ptype  string
	}{
		{name: "limit", err: service.ErrUserLimitReached, status: http.StatusForbidden, ptype: problem.TypeForbidden},
		{name: "conflict", err: service.ErrConflict, status: http.StatusConflict, ptype: problem.TypeConflict},
		{name: "owner role", err: service.ErrForbidden, status: http.StatusForbidden, ptype: problem.TypeForbidden},
		{
			name:   "validation",
			err:    &service.ValidationError{Fields: service.FieldErrors{"email": {"email is required"}}},
			status: http.StatusBadRequest,
			ptype:  problem.TypeValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{
				createFn: func(context.Context, service.CreateInput) (service.User, error) {
					return service.User{}, tc.err
				},
			}
			req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"email":"x@acme.test","fullName":"X"}`))
			rec := httptest.NewRecorder()
			newRouter(t, svc).ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			var body problem.Details
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tc.ptype, body.Type)
		})
	}
}

func TestUsersCreateRunsMiddlewares(t *testing.T) {
	t.Parallel()

	called := false
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}
	svc := &mockService{
		createFn: func(_ context.Context, input service.CreateInput) (service.User, error) {
			return service.User{ID: uuid.New(), Email: input.Email}, nil
		},
	}

	r := chi.NewRouter()
	r.Route("/users", func(r chi.Router) {
		New(svc, zaptest.NewLogger(t)).Routes(r, mw)
	})

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"email":"x@acme.test","fullName":"X"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, called)
}

func TestUsersGet(t *testing.T) {
	t.Parallel()

	known := uuid.New()
	svc := &mockService{
		getFn: func(_ context.Context, id uuid.UUID) (service.User, error) {
			if id != known {
				return service.User{}, service.ErrNotFound
			}
			return service.User{ID: id, TenantID: "acme", Email: "k@acme.test", Role: platformauth.RoleStaff}, nil
		},
	}
	router := newRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/"+known.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var user User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	require.Equal(t, known.String(), user.ID)
	require.Equal(t, "acme", user.TenantID)
	require.Equal(t, []string{}, user.Permissions)

	for _, path := range []string{"/users/" + uuid.NewString(), "/users/not-a-uuid"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		var body problem.Details
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, problem.TypeNotFound, body.Type)
	}
}
