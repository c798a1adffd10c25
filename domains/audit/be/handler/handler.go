// Package handler exposes the tenant's audit trail to administrators.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Lister is implemented by *audit.Logger.
type Lister interface {
	List(ctx context.Context, space tenant.Space, q audit.Query) ([]audit.Record, error)
}

type Handler struct {
	audit  Lister
	logger *zap.Logger
}

func New(lister Lister, logger *zap.Logger) *Handler {
	if lister == nil {
		panic("audit lister is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{audit: lister, logger: logger}
}

type listResponse struct {
	Items []audit.Record `json:"items"`
}

// List serves GET /admin/audit?entityType&entityId&from&to&limit.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		problem.Forbidden(w)
		return
	}

	query := r.URL.Query()
	q := audit.Query{
		EntityType: query.Get("entityType"),
		EntityID:   query.Get("entityId"),
	}
	fieldErrors := map[string][]string{}
	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fieldErrors["from"] = append(fieldErrors["from"], "from must be an RFC 3339 timestamp")
		} else {
			q.From = &from
		}
	}
	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fieldErrors["to"] = append(fieldErrors["to"], "to must be an RFC 3339 timestamp")
		} else {
			q.To = &to
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			fieldErrors["limit"] = append(fieldErrors["limit"], "limit must be a positive integer")
		} else {
			q.Limit = limit
		}
	}
	if len(fieldErrors) > 0 {
		problem.Write(w, problem.New(http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problem.TypeValidation).
			WithErrors(fieldErrors))
		return
	}

	records, err := h.audit.List(r.Context(), space, q)
	if err != nil {
		platformlogging.For(r.Context(), h.logger).Error("list audit records", zap.Error(err))
		problem.Internal(w)
		return
	}
	httpjson.Write(w, http.StatusOK, listResponse{Items: records})
}
