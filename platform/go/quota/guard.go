package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

var tracer = otel.Tracer("github.com/zenGate-Global/hospital-ops-core/platform/go/quota")

// Subject is who consumes the allowance.
type Subject struct {
	UserID  string
	GroupID string
}

// Snapshot is the usage view returned with decisions.
type Snapshot struct {
	Limit      int64     `json:"limit"`
	Used       int64     `json:"used"`
	Available  int64     `json:"available"`
	ScopeType  ScopeType `json:"scopeType,omitempty"`
	FeatureKey string    `json:"featureKey"`
	Unlimited  bool      `json:"unlimited,omitempty"`
}

func snapshotOf(q Quota) Snapshot {
	return Snapshot{Limit: q.Limit, Used: q.Used, Available: q.Available(), ScopeType: q.ScopeType, FeatureKey: q.FeatureKey}
}

func unlimited(featureKey string) Snapshot {
	return Snapshot{FeatureKey: featureKey, Unlimited: true, Available: -1}
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed bool
	Reason  string
	Quota   Snapshot
}

// Guard implements the quota resolution and conditional consumption algorithm.
type Guard struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type GuardConfig struct {
	Store   Store
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Store == nil {
		panic("quota guard requires store")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Guard{store: cfg.Store, now: cfg.Now, logger: cfg.Logger, metrics: cfg.Metrics}
}

// Resolve returns the quota that governs subject for featureKey: the active
// user-level quota when one applies, else the active group-level one. Locked
// quotas never take part in resolution. ErrNotFound means no quota applies.
func (g *Guard) Resolve(ctx context.Context, space tenant.Space, subject Subject, featureKey string) (Quota, error) {
	now := g.now()

	if subject.UserID != "" {
		q, err := g.store.FindApplicable(ctx, space, Key{ScopeType: ScopeUser, ScopeID: subject.UserID, FeatureKey: featureKey}, now)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Quota{}, fmt.Errorf("find user quota: %w", err)
		}
	}

	if subject.GroupID != "" {
		q, err := g.store.FindApplicable(ctx, space, Key{ScopeType: ScopeGroup, ScopeID: subject.GroupID, FeatureKey: featureKey}, now)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Quota{}, fmt.Errorf("find group quota: %w", err)
		}
	}

	return Quota{}, ErrNotFound
}

// Peek reports the current allowance without consuming it.
func (g *Guard) Peek(ctx context.Context, space tenant.Space, subject Subject, featureKey string) (Snapshot, error) {
	q, err := g.Resolve(ctx, space, subject, featureKey)
	if errors.Is(err, ErrNotFound) {
		return unlimited(featureKey), nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	if q.Status == StatusLocked {
		return unlimited(featureKey), nil
	}
	return snapshotOf(q), nil
}

// Check decides whether subject may use featureKey once more and, when
// allowed by an enforced quota, consumes one unit atomically.
func (g *Guard) Check(ctx context.Context, space tenant.Space, subject Subject, featureKey string) (Decision, error) {
	ctx, span := tracer.Start(ctx, "quota.Check")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", space.TenantID), attribute.String("quota.feature", featureKey))

	decision, err := g.check(ctx, space, subject, featureKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.QuotaDecision(featureKey, "error")
		return Decision{}, err
	}

	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
		platformlogging.For(ctx, g.logger).Info("quota denied",
			zap.String("tenant_id", space.TenantID),
			zap.String("user_id", subject.UserID),
			zap.String("group_id", subject.GroupID),
			zap.String("feature_key", featureKey),
			zap.String("scope_type", string(decision.Quota.ScopeType)),
			zap.Int64("limit", decision.Quota.Limit),
			zap.Int64("used", decision.Quota.Used),
		)
	}
	span.SetAttributes(attribute.String("quota.outcome", outcome))
	g.metrics.QuotaDecision(featureKey, outcome)
	return decision, nil
}

func (g *Guard) check(ctx context.Context, space tenant.Space, subject Subject, featureKey string) (Decision, error) {
	q, err := g.Resolve(ctx, space, subject, featureKey)
	if errors.Is(err, ErrNotFound) {
		return Decision{Allowed: true, Quota: unlimited(featureKey)}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if q.Status == StatusLocked {
		return Decision{Allowed: true, Quota: unlimited(featureKey)}, nil
	}

	if q.Used >= q.Limit {
		return deny(q), nil
	}

	updated, ok, err := g.store.Increment(ctx, space, q.ID, g.now())
	if err != nil {
		return Decision{}, fmt.Errorf("increment quota: %w", err)
	}
	if ok {
		return Decision{Allowed: true, Quota: snapshotOf(updated)}, nil
	}

	// A concurrent request took the last unit (or the quota changed underneath us).
	current, err := g.store.Get(ctx, space, q.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return deny(q), nil
		}
		return Decision{}, fmt.Errorf("refetch quota: %w", err)
	}
	if current.Status == StatusLocked {
		return Decision{Allowed: true, Quota: unlimited(featureKey)}, nil
	}
	return deny(current), nil
}

func deny(q Quota) Decision {
	snap := snapshotOf(q)
	snap.Available = 0
	return Decision{Allowed: false, Reason: ReasonQuotaReached, Quota: snap}
}
