// Package idempotency makes retried mutating requests execute at most once.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

var tracer = otel.Tracer("github.com/zenGate-Global/hospital-ops-core/platform/go/idempotency")

// Status of an idempotency record.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

// DefaultStaleAfter is how long a pending record blocks duplicates before it is
// treated as abandoned and may be taken over by a retry.
const DefaultStaleAfter = 30 * time.Second

var (
	// ErrInFlight is returned while another request holds the key.
	ErrInFlight = errors.New("request with this idempotency key is in flight")

	// ErrLeaseLost is returned by Complete when the pending record is no longer
	// the caller's reservation.
	ErrLeaseLost = errors.New("idempotency reservation was taken over")
)

// Key identifies one logical operation.
type Key struct {
	TenantID        string
	Method          string
	Pathname        string
	ClientRequestID string
}

// Result is the stored outcome replayed to retries.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Record is an IdempotencyRecord.
type Record struct {
	Key         Key
	Status      Status
	Result      *Result
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Store persists idempotency records in the tenant partition.
//
// Reserve atomically inserts a pending record, or takes over an existing pending
// record created before staleBefore, and returns the reservation. Its CreatedAt
// is the owner token for Complete and Release, which only touch a pending record
// still carrying that token. When nothing is reserved Reserve returns the
// existing record with acquired=false.
type Store interface {
	Reserve(ctx context.Context, space tenant.Space, key Key, now, staleBefore time.Time) (acquired bool, rec Record, err error)
	Complete(ctx context.Context, space tenant.Space, key Key, owner time.Time, result Result, now time.Time) error
	Release(ctx context.Context, space tenant.Space, key Key, owner time.Time) error
}

// Outcome is what Do returns to the caller.
type Outcome struct {
	Result   Result
	Replayed bool
}

// Service runs handlers under the at-most-once contract.
type Service struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Config struct {
	Store      Store
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func NewService(cfg Config) *Service {
	if cfg.Store == nil {
		panic("idempotency service requires store")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, staleAfter: cfg.StaleAfter, now: cfg.Now, logger: cfg.Logger, metrics: cfg.Metrics}
}

// StaleAfter returns the pending staleness threshold.
func (s *Service) StaleAfter() time.Duration {
	return s.staleAfter
}

// Do executes fn at most once for key. Without a client request id fn simply
// runs. A stored result is replayed; a key held by a live request yields
// ErrInFlight. Results with a 5xx status and errors release the key so the
// caller may retry.
func (s *Service) Do(ctx context.Context, space tenant.Space, key Key, fn func(ctx context.Context) (Result, error)) (Outcome, error) {
	if key.ClientRequestID == "" {
		result, err := fn(ctx)
		return Outcome{Result: result}, err
	}
	if key.TenantID != space.TenantID {
		return Outcome{}, fmt.Errorf("idempotency key tenant %q does not match routed tenant", key.TenantID)
	}

	ctx, span := tracer.Start(ctx, "idempotency.Do")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", key.TenantID), attribute.String("http.route", key.Pathname))

	logger := platformlogging.For(ctx, s.logger).With(
		zap.String("tenant_id", key.TenantID),
		zap.String("method", key.Method),
		zap.String("pathname", key.Pathname),
		zap.String("client_request_id", key.ClientRequestID),
	)

	now := s.now()
	acquired, rec, err := s.store.Reserve(ctx, space, key, now, now.Add(-s.staleAfter))
	if err != nil {
		s.metrics.Idempotency("error")
		return Outcome{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	if !acquired {
		if rec.Status == StatusDone && rec.Result != nil {
			span.SetAttributes(attribute.String("idempotency.outcome", "replayed"))
			s.metrics.Idempotency("replayed")
			logger.Info("idempotent replay")
			return Outcome{Result: *rec.Result, Replayed: true}, nil
		}
		span.SetAttributes(attribute.String("idempotency.outcome", "in_flight"))
		s.metrics.Idempotency("in_flight")
		logger.Warn("idempotency key in flight")
		return Outcome{}, ErrInFlight
	}

	owner := rec.CreatedAt
	result, err := fn(ctx)
	if err != nil || result.StatusCode >= http.StatusInternalServerError {
		// Release with a context that survives the caller's cancellation.
		if relErr := s.store.Release(context.WithoutCancel(ctx), space, key, owner); relErr != nil {
			logger.Error("release idempotency key", zap.Error(relErr))
		}
		s.metrics.Idempotency("released")
		return Outcome{Result: result}, err
	}

	if err := s.store.Complete(context.WithoutCancel(ctx), space, key, owner, result, s.now()); err != nil {
		// The side effect already happened; report it and let the record go stale.
		if errors.Is(err, ErrLeaseLost) {
			logger.Warn("idempotency key taken over before completion", zap.Duration("held_for", s.now().Sub(owner)))
		} else {
			logger.Error("complete idempotency key", zap.Error(err))
		}
		s.metrics.Idempotency("complete_failed")
		return Outcome{Result: result}, nil
	}
	span.SetAttributes(attribute.String("idempotency.outcome", "executed"))
	s.metrics.Idempotency("executed")
	return Outcome{Result: result}, nil
}
