package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/httpjson"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/problem"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

const (
	// HeaderKey carries the client request id when it is not in the body.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed marks responses served from a stored result.
	HeaderReplayed = "Idempotent-Replayed"

	maxClientRequestIDLen = 255
)

// storedHeaders are the response headers kept with a result for replay.
var storedHeaders = []string{"Content-Type", "Location"}

// Middleware wraps a mutating handler. The client request id comes from the
// Idempotency-Key header or, failing that, a top-level "clientRequestId" in the
// JSON body. Requests without one pass straight through. It must run after
// tenant routing.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := platformlogging.FromRequest(r, s.logger)

		clientRequestID, err := extractClientRequestID(r)
		if err != nil {
			problem.Write(w, problem.New(http.StatusBadRequest, "Invalid idempotency key", err.Error(), problem.TypeValidation))
			return
		}
		if clientRequestID == "" {
			next.ServeHTTP(w, r)
			return
		}

		space, ok := tenant.FromContext(r.Context())
		if !ok {
			logger.Error("idempotency middleware mounted without tenant routing")
			problem.Internal(w)
			return
		}

		key := Key{
			TenantID:        space.TenantID,
			Method:          r.Method,
			Pathname:        r.URL.Path,
			ClientRequestID: clientRequestID,
		}

		var live *recorder
		outcome, err := s.Do(r.Context(), space, key, func(ctx context.Context) (Result, error) {
			live = newRecorder()
			next.ServeHTTP(live, r.WithContext(ctx))
			return live.result(), nil
		})
		switch {
		case errors.Is(err, ErrInFlight):
			w.Header().Set("Retry-After", "1")
			problem.Write(w, problem.New(http.StatusConflict, "Request in flight",
				"a request with this idempotency key is still being processed; retry shortly", problem.TypeInFlight))
			return
		case err != nil:
			logger.Error("idempotent execution failed", zap.Error(err))
			problem.Internal(w)
			return
		}

		if outcome.Replayed {
			for name, values := range outcome.Result.Header {
				w.Header()[name] = values
			}
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(outcome.Result.StatusCode)
			_, _ = w.Write(outcome.Result.Body)
			return
		}

		for name, values := range live.header {
			w.Header()[name] = values
		}
		w.WriteHeader(live.statusCode())
		_, _ = w.Write(live.body.Bytes())
	})
}

func extractClientRequestID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderKey))

	if id == "" && r.Body != nil && r.Body != http.NoBody && strings.Contains(r.Header.Get("Content-Type"), "json") {
		raw, err := io.ReadAll(io.LimitReader(r.Body, httpjson.MaxBodyBytes+1))
		if err != nil {
			return "", errors.New("could not read request body")
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var peek struct {
			ClientRequestID string `json:"clientRequestId"`
		}
		// Malformed bodies are left for the handler to reject.
		if json.Unmarshal(raw, &peek) == nil {
			id = strings.TrimSpace(peek.ClientRequestID)
		}
	}

	if len(id) > maxClientRequestIDLen {
		return "", errors.New("idempotency key must be at most 255 characters")
	}
	return id, nil
}

// recorder buffers a handler's response so it can be stored before it is sent.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *recorder) result() Result {
	header := make(http.Header)
	for _, name := range storedHeaders {
		if values := r.header.Values(name); len(values) > 0 {
			header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return Result{StatusCode: r.statusCode(), Header: header, Body: bytes.Clone(r.body.Bytes())}
}
