package idempotency

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

type bedHandler struct {
	created atomic.Int64
	block   chan struct{}
	entered chan struct{}
	status  int
}

func (h *bedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.entered != nil {
		h.entered <- struct{}{}
	}
	if h.block != nil {
		<-h.block
	}
	if h.status != 0 {
		w.WriteHeader(h.status)
		return
	}
	n := h.created.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", fmt.Sprintf("/api/v1/clinical-infra/beds/bed-%d", n))
	w.Header().Set("X-Debug", "not stored")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"id":"bed-%d"}`, n)
}

func withSpace(space tenant.Space, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(tenant.WithSpace(r.Context(), space)))
	})
}

func post(t *testing.T, h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/clinical-infra/beds", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareReplaysRetriedCreate(t *testing.T) {
	svc := NewService(Config{Store: NewMemoryStore(), Logger: zaptest.NewLogger(t)})
	beds := &bedHandler{}
	h := withSpace(spaceT1, svc.Middleware(beds))

	body := `{"clientRequestId":"abc","label":"A1"}`
	first := post(t, h, body, nil)
	second := post(t, h, body, nil)

	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	require.JSONEq(t, `{"id":"bed-1"}`, first.Body.String())
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, first.Header().Get("Location"), second.Header().Get("Location"))
	require.Equal(t, "true", second.Header().Get(HeaderReplayed))
	require.Empty(t, first.Header().Get(HeaderReplayed))
	require.Empty(t, second.Header().Get("X-Debug"))
	require.Equal(t, int64(1), beds.created.Load())
}

func TestMiddlewareBodyIsStillReadableByHandler(t *testing.T) {
	svc := NewService(Config{Store: NewMemoryStore()})
	var seen []byte
	h := withSpace(spaceT1, svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		seen, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	})))

	body := `{"clientRequestId":"abc","label":"A1"}`
	rec := post(t, h, body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, body, string(seen))
}

func TestMiddlewareHeaderKey(t *testing.T) {
	svc := NewService(Config{Store: NewMemoryStore()})
	beds := &bedHandler{}
	h := withSpace(spaceT1, svc.Middleware(beds))

	post(t, h, `{"label":"A1"}`, map[string]string{HeaderKey: "k-1"})
	rec := post(t, h, `{"label":"A1"}`, map[string]string{HeaderKey: "k-1"})
	require.Equal(t, "true", rec.Header().Get(HeaderReplayed))
	require.Equal(t, int64(1), beds.created.Load())
}

func TestMiddlewareWithoutKeyPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(Config{Store: store})
	beds := &bedHandler{}
	h := withSpace(spaceT1, svc.Middleware(beds))

	post(t, h, `{"label":"A1"}`, nil)
	post(t, h, `{"label":"A1"}`, nil)
	require.Equal(t, int64(2), beds.created.Load())
	require.Zero(t, store.Len())
}

func TestMiddlewareInFlightDuplicateGetsConflict(t *testing.T) {
	svc := NewService(Config{Store: NewMemoryStore()})
	beds := &bedHandler{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	h := withSpace(spaceT1, svc.Middleware(beds))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- post(t, h, `{"clientRequestId":"abc"}`, nil) }()
	<-beds.entered

	dup := post(t, h, `{"clientRequestId":"abc"}`, nil)
	require.Equal(t, http.StatusConflict, dup.Code)
	require.Equal(t, "1", dup.Header().Get("Retry-After"))
	require.Contains(t, dup.Header().Get("Content-Type"), "application/problem+json")

	close(beds.block)
	first := <-done
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, int64(1), beds.created.Load())
}

func TestMiddlewareServerErrorReleasesKey(t *testing.T) {
	svc := NewService(Config{Store: NewMemoryStore()})
	beds := &bedHandler{status: http.StatusInternalServerError}
	h := withSpace(spaceT1, svc.Middleware(beds))

	rec := post(t, h, `{"clientRequestId":"abc"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	beds.status = 0
	rec = post(t, h, `{"clientRequestId":"abc"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, rec.Header().Get(HeaderReplayed))
	require.Equal(t, int64(1), beds.created.Load())
}

func TestMiddlewareTenantsDoNotShareKeys(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(Config{Store: store})
	beds := &bedHandler{}

	post(t, withSpace(spaceT1, svc.Middleware(beds)), `{"clientRequestId":"abc"}`, nil)
	rec := post(t, withSpace(tenant.Space{TenantID: "t2"}, svc.Middleware(beds)), `{"clientRequestId":"abc"}`, nil)
	require.Empty(t, rec.Header().Get(HeaderReplayed))
	require.Equal(t, int64(2), beds.created.Load())
}

func TestMiddlewareRejectsOversizedKey(t *testing.T) {
	svc := NewService(Config{Store: NewMemoryStore()})
	h := withSpace(spaceT1, svc.Middleware(&bedHandler{}))
	rec := post(t, h, `{}`, map[string]string{HeaderKey: strings.Repeat("k", 256)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
