package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/contracts"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
)

func validated(t *testing.T) http.Handler {
	t.Helper()
	spec, err := contracts.Load()
	require.NoError(t, err)
	return ContractValidator(spec, zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
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

func TestContractValidatorPassesConformingRequests(t *testing.T) {
	h := validated(t)

	rec := send(h, http.MethodPost, "/api/v1/owner/tenants", `{"tenantId":"acme","entitlements":["sam","health"]}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = send(h, http.MethodGet, "/api/v1/clinical-infra/beds?limit=10&includeArchived=true", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestContractValidatorRejectsWithProblem(t *testing.T) {
	h := validated(t)

	rec := send(h, http.MethodPost, "/api/v1/owner/tenants", `{"tenantId":"acme","status":"frozen"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var details problem.Details
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	require.Equal(t, problem.TypeValidation, details.Type)

	rec = send(h, http.MethodPost, "/api/v1/clinical-infra/beds", `{"bedType":"CRIB"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(h, http.MethodGet, "/api/v1/nowhere", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
