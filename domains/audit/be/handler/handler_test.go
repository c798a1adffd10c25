package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

func TestListScopesToRoutedTenant(t *testing.T) {
	t.Parallel()

	store := audit.NewMemoryStore()
	logger := audit.NewLogger(audit.Config{Store: store})
	acme := tenant.Space{TenantID: "acme"}
	other := tenant.Space{TenantID: "other"}
	noop := func(context.Context) (any, error) { return nil, nil }

	ctx := context.Background()
	require.NoError(t, logger.Record(ctx, acme, audit.Entry{EntityType: "clinical_infra_bed", EntityID: "b-1", Action: "create"}, noop))
	require.NoError(t, logger.Record(ctx, acme, audit.Entry{EntityType: "user", EntityID: "u-1", Action: "create"}, noop))
	require.NoError(t, logger.Record(ctx, other, audit.Entry{EntityType: "clinical_infra_bed", EntityID: "b-9", Action: "create"}, noop))

	h := New(logger, zaptest.NewLogger(t))
	req := httptest.NewRequest(http.MethodGet, "/admin/audit?entityType=clinical_infra_bed", nil)
	req = req.WithContext(tenant.WithSpace(req.Context(), acme))
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	require.Equal(t, "b-1", body.Items[0].EntityID)
}

func TestListValidatesQuery(t *testing.T) {
	t.Parallel()

	h := New(audit.NewLogger(audit.Config{Store: audit.NewMemoryStore()}), zaptest.NewLogger(t))
	req := httptest.NewRequest(http.MethodGet, "/admin/audit?from=yesterday&limit=0", nil)
	req = req.WithContext(tenant.WithSpace(req.Context(), tenant.Space{TenantID: "acme"}))
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"from"`)
	require.Contains(t, rec.Body.String(), `"limit"`)
}

func TestListRequiresTenant(t *testing.T) {
	t.Parallel()

	h := New(audit.NewLogger(audit.Config{Store: audit.NewMemoryStore()}), zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/admin/audit", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
}
