package middleware

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
)

// ContractValidator rejects requests that do not match the OpenAPI contract
// with a problem document. Authentication is enforced by the session
// middleware, so declared security requirements are accepted as-is here.
func ContractValidator(spec *openapi3.T, logger *zap.Logger) func(http.Handler) http.Handler {
	if spec == nil {
		panic("contract validator: spec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			logger.Debug("request rejected by contract", zap.Int("status", statusCode), zap.String("reason", message))
			switch statusCode {
			case http.StatusNotFound:
				problem.NotFound(w, "no such operation")
			case http.StatusUnauthorized:
				problem.Unauthorized(w)
			default:
				problem.Write(w, problem.New(http.StatusBadRequest, "Request does not match the API contract", message, problem.TypeValidation))
			}
		},
	})
}
