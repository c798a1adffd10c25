// Package problem renders RFC 7807 problem documents.
package problem

import (
	"encoding/json"
	"net/http"
)

const (
	TypeValidation   = "https://hospital-ops.dev/problems/validation-error"
	TypeUnauthorized = "https://hospital-ops.dev/problems/unauthorized"
	TypeForbidden    = "https://hospital-ops.dev/problems/forbidden"
	TypeNotFound     = "https://hospital-ops.dev/problems/not-found"
	TypeConflict     = "https://hospital-ops.dev/problems/conflict"
	TypeInFlight     = "https://hospital-ops.dev/problems/request-in-flight"
	TypeInternal     = "https://hospital-ops.dev/problems/internal-error"
)

// Details is the problem+json body.
type Details struct {
	Type   string              `json:"type,omitempty"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// New builds a problem document.
func New(status int, title, detail, problemType string) Details {
	return Details{Type: problemType, Title: title, Status: status, Detail: detail}
}

// WithErrors attaches a copy of the per-field messages.
func (d Details) WithErrors(fields map[string][]string) Details {
	if len(fields) == 0 {
		return d
	}
	copied := make(map[string][]string, len(fields))
	for field, messages := range fields {
		copied[field] = append([]string(nil), messages...)
	}
	d.Errors = copied
	return d
}

// Write emits the document with its status code.
func Write(w http.ResponseWriter, d Details) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}

// Unauthorized writes the generic authentication failure. The body never says which check failed.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	Write(w, New(http.StatusUnauthorized, "Unauthorized", "", TypeUnauthorized))
}

// Forbidden writes a generic authorization failure.
func Forbidden(w http.ResponseWriter) {
	Write(w, New(http.StatusForbidden, "Forbidden", "", TypeForbidden))
}

// NotFound writes a not-found problem.
func NotFound(w http.ResponseWriter, detail string) {
	Write(w, New(http.StatusNotFound, "Resource not found", detail, TypeNotFound))
}

// Internal writes the generic server error.
func Internal(w http.ResponseWriter) {
	Write(w, New(http.StatusInternalServerError, "Internal server error", "an unexpected error occurred", TypeInternal))
}
