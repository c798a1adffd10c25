// Package router maps a tenant id to its storage partition. Partitions are
// provisioned on first use and their handles cached for the process lifetime
// of the cache entry.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

var tracer = otel.Tracer("github.com/zenGate-Global/hospital-ops-core/platform/go/tenant/router")

// ErrTenantNotFound is returned when the tenant is unknown or blocked.
var ErrTenantNotFound = errors.New("tenant not found")

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute

	loadTimeout = 15 * time.Second
)

// Registry looks tenants up in the tenant registry.
type Registry interface {
	Lookup(ctx context.Context, tenantID string) (tenant.Space, bool, error)
}

// Provisioner creates a tenant partition. Ensure must be idempotent.
type Provisioner interface {
	Ensure(ctx context.Context, space tenant.Space) error
}

type Config struct {
	Registry    Registry
	Provisioner Provisioner
	CacheSize   int
	CacheTTL    time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Router resolves tenant ids to partitions. Concurrent first requests for the
// same tenant share one registry lookup and one provisioning run.
type Router struct {
	registry    Registry
	provisioner Provisioner
	cache       *expirable.LRU[string, tenant.Space]
	group       singleflight.Group
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func New(cfg Config) *Router {
	if cfg.Registry == nil || cfg.Provisioner == nil {
		panic("tenant router requires registry and provisioner")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:    cfg.Registry,
		provisioner: cfg.Provisioner,
		cache:       expirable.NewLRU[string, tenant.Space](size, nil, ttl),
		logger:      logger.Named("tenant-router"),
		metrics:     cfg.Metrics,
	}
}

// Route returns the partition handle for tenantID, provisioning it if needed.
// Expired tenants are routed; their entitlements are denied by tenant.Space.
func (r *Router) Route(ctx context.Context, tenantID string) (tenant.Space, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		r.metrics.TenantRoute("not_found")
		return tenant.Space{}, ErrTenantNotFound
	}

	if space, ok := r.cache.Get(tenantID); ok {
		r.metrics.TenantRoute("hit")
		return space, nil
	}

	ctx, span := tracer.Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	ch := r.group.DoChan(tenantID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return r.load(loadCtx, tenantID)
	})

	select {
	case <-ctx.Done():
		return tenant.Space{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrTenantNotFound) {
				r.metrics.TenantRoute("not_found")
			} else {
				r.metrics.TenantRoute("error")
				span.RecordError(res.Err)
				span.SetStatus(codes.Error, "route failed")
			}
			return tenant.Space{}, res.Err
		}
		r.metrics.TenantRoute("miss")
		return res.Val.(tenant.Space), nil
	}
}

func (r *Router) load(ctx context.Context, tenantID string) (tenant.Space, error) {
	if space, ok := r.cache.Get(tenantID); ok {
		return space, nil
	}

	space, found, err := r.registry.Lookup(ctx, tenantID)
	if err != nil {
		return tenant.Space{}, fmt.Errorf("lookup tenant %s: %w", tenantID, err)
	}
	if !found {
		return tenant.Space{}, ErrTenantNotFound
	}
	if space.Status == tenant.StatusBlocked {
		r.logger.Info("blocked tenant refused", zap.String("tenant_id", tenantID))
		return tenant.Space{}, ErrTenantNotFound
	}

	if err := r.provisioner.Ensure(ctx, space); err != nil {
		r.logger.Error("provision tenant partition failed",
			zap.String("tenant_id", tenantID),
			zap.String("schema", space.SchemaName),
			zap.Error(err))
		return tenant.Space{}, fmt.Errorf("provision tenant %s: %w", tenantID, err)
	}

	r.cache.Add(tenantID, space)
	r.logger.Debug("tenant partition ready", zap.String("tenant_id", tenantID), zap.String("schema", space.SchemaName))
	return space, nil
}

// Invalidate drops the cached handle so the next Route re-reads the registry.
// Called after a tenant's status or entitlements change.
func (r *Router) Invalidate(tenantID string) {
	r.cache.Remove(strings.TrimSpace(tenantID))
}
