package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/requesttrace"
)

// RequestTrace populates the context with the request Trace used to stamp audit records.
// It runs after RequireSession on authenticated routes and yields an anonymous trace elsewhere.
// RemoteAddr is expected to have been rewritten by chi's RealIP middleware.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		var trace requesttrace.Trace
		if session, ok := platformauth.SessionFromContext(r.Context()); ok {
			var err error
			trace, err = requesttrace.FromSession(session, requestID, r.RemoteAddr, r.URL.Path)
			if err != nil {
				platformlogging.FromRequest(r, zap.NewNop()).Error("build request trace", zap.Error(err))
				problem.Unauthorized(w)
				return
			}
		} else {
			trace = requesttrace.Anonymous(requestID, r.RemoteAddr, r.URL.Path)
		}

		next.ServeHTTP(w, r.WithContext(requesttrace.IntoContext(r.Context(), trace)))
	})
}
