// Package audit records before/after snapshots of privileged mutations.
// Audit writes are best effort: failures are logged and counted, never returned.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/requesttrace"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Outcome of an audited operation.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
)

// ErrNotPending is returned by stores when a record is already finalized.
var ErrNotPending = errors.New("audit record is not pending")

// Record is an AuditRecord.
type Record struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenantId"`
	UserID      string          `json:"userId"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Action      string          `json:"action"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	IP          string          `json:"ip,omitempty"`
	Path        string          `json:"path,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	ErrorDetail *string         `json:"errorDetail,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Finalization is what Finish writes onto a pending record.
type Finalization struct {
	Outcome     Outcome
	ErrorDetail *string
	After       json.RawMessage
	FinishedAt  time.Time
}

// Query filters List.
type Query struct {
	EntityType string
	EntityID   string
	From       *time.Time
	To         *time.Time
	Limit      int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store persists audit records in the tenant partition. Finalize must only
// touch records whose outcome is still pending and return ErrNotPending otherwise.
type Store interface {
	Insert(ctx context.Context, space tenant.Space, rec Record) error
	Finalize(ctx context.Context, space tenant.Space, id uuid.UUID, fin Finalization) error
	List(ctx context.Context, space tenant.Space, q Query) ([]Record, error)
}

// Entry describes the mutation about to happen.
type Entry struct {
	EntityType string
	EntityID   string
	Action     string
	Before     any
	After      any
}

// Handle ties Start to Finish.
type Handle struct {
	ID      uuid.UUID
	record  Record
	written bool
}

// SetAfter replaces the after snapshot recorded by Finish.
func (h *Handle) SetAfter(after any) {
	if h == nil {
		return
	}
	if raw, err := marshalSnapshot(after); err == nil && raw != nil {
		h.record.After = raw
	}
}

// Logger writes audit records.
type Logger struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store   Store
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func NewLogger(cfg Config) *Logger {
	if cfg.Store == nil {
		panic("audit logger requires store")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Logger{store: cfg.Store, now: cfg.Now, logger: cfg.Logger, metrics: cfg.Metrics}
}

// Start records a pending entry before the mutation runs. The returned handle
// is always usable, even when the write failed.
func (l *Logger) Start(ctx context.Context, space tenant.Space, entry Entry) *Handle {
	trace := requesttrace.FromContextOrSystem(ctx)
	userID := trace.UserID
	if userID == "" {
		userID = string(trace.ActorKind)
	}

	rec := Record{
		ID:         uuid.New(),
		TenantID:   space.TenantID,
		UserID:     userID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		IP:         trace.IP,
		Path:       trace.Path,
		Outcome:    OutcomePending,
		StartedAt:  l.now().UTC(),
	}
	h := &Handle{ID: rec.ID, record: rec}

	logger := l.loggerFor(ctx, rec)
	var err error
	if h.record.Before, err = marshalSnapshot(entry.Before); err != nil {
		logger.Warn("audit before snapshot not serializable", zap.Error(err))
	}
	if h.record.After, err = marshalSnapshot(entry.After); err != nil {
		logger.Warn("audit after snapshot not serializable", zap.Error(err))
	}

	if err := l.store.Insert(ctx, space, h.record); err != nil {
		logger.Error("audit start failed", zap.Error(err))
		l.metrics.AuditFailure("start")
		return h
	}
	h.written = true
	return h
}

// Finish finalizes the record with the mutation's outcome. When Start could not
// write, the complete record is inserted instead.
func (l *Logger) Finish(ctx context.Context, space tenant.Space, h *Handle, opErr error) {
	if h == nil {
		return
	}
	// The caller's request may already be cancelled; the audit write must still land.
	ctx = context.WithoutCancel(ctx)

	fin := Finalization{Outcome: OutcomeOK, After: h.record.After, FinishedAt: l.now().UTC()}
	if opErr != nil {
		detail := opErr.Error()
		fin.Outcome = OutcomeError
		fin.ErrorDetail = &detail
	}

	logger := l.loggerFor(ctx, h.record)

	if !h.written {
		rec := h.record
		rec.Outcome = fin.Outcome
		rec.ErrorDetail = fin.ErrorDetail
		rec.FinishedAt = &fin.FinishedAt
		if err := l.store.Insert(ctx, space, rec); err != nil {
			logger.Error("audit finish failed", zap.Error(err))
			l.metrics.AuditFailure("finish")
			return
		}
		h.written = true
		return
	}

	if err := l.store.Finalize(ctx, space, h.ID, fin); err != nil {
		if errors.Is(err, ErrNotPending) {
			logger.Warn("audit record already finalized")
			return
		}
		logger.Error("audit finish failed", zap.Error(err))
		l.metrics.AuditFailure("finish")
	}
}

// Record runs fn between Start and Finish. fn returns the after snapshot.
// Its error is returned unchanged; audit failures never are.
func (l *Logger) Record(ctx context.Context, space tenant.Space, entry Entry, fn func(ctx context.Context) (after any, err error)) error {
	h := l.Start(ctx, space, entry)
	after, err := fn(ctx)
	if err == nil && after != nil {
		h.SetAfter(after)
	}
	l.Finish(ctx, space, h, err)
	return err
}

// List returns records for compliance review, newest first.
func (l *Logger) List(ctx context.Context, space tenant.Space, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	return l.store.List(ctx, space, q)
}

func (l *Logger) loggerFor(ctx context.Context, rec Record) *zap.Logger {
	return platformlogging.For(ctx, l.logger).With(
		zap.String("audit_id", rec.ID.String()),
		zap.String("tenant_id", rec.TenantID),
		zap.String("entity_type", rec.EntityType),
		zap.String("entity_id", rec.EntityID),
		zap.String("action", rec.Action),
	)
}

func marshalSnapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
