// Package sweeper deletes expired idempotency and audit records from every
// provisioned tenant partition on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

const (
	DefaultSchedule             = "@every 15m"
	DefaultIdempotencyRetention = 24 * time.Hour
	DefaultAuditRetention       = 365 * 24 * time.Hour

	// staleMultiplier widens the idempotency staleness threshold for deleting
	// abandoned pending records.
	staleMultiplier = 10
	parallelTenants = 4
	runTimeout      = 10 * time.Minute
)

type Tenants interface {
	ProvisionedSpaces(ctx context.Context) ([]tenant.Space, error)
}

type IdempotencyRecords interface {
	Sweep(ctx context.Context, space tenant.Space, doneBefore, pendingBefore time.Time) (int64, error)
}

type AuditRecords interface {
	Sweep(ctx context.Context, space tenant.Space, cutoff time.Time) (int64, error)
}

type Config struct {
	Tenants     Tenants
	Idempotency IdempotencyRecords
	Audit       AuditRecords

	Schedule             string
	IdempotencyRetention time.Duration
	IdempotencyStale     time.Duration
	AuditRetention       time.Duration

	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Report summarises one sweep.
type Report struct {
	Tenants            int
	Failed             int
	IdempotencyDeleted int64
	AuditDeleted       int64
}

type Sweeper struct {
	cfg     Config
	cron    *cron.Cron
	logger  *zap.Logger
	running atomic.Bool
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Tenants == nil || cfg.Idempotency == nil || cfg.Audit == nil {
		return nil, fmt.Errorf("sweeper requires tenants, idempotency and audit stores")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.IdempotencyRetention <= 0 {
		cfg.IdempotencyRetention = DefaultIdempotencyRetention
	}
	if cfg.IdempotencyStale <= 0 {
		cfg.IdempotencyStale = 30 * time.Second
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = DefaultAuditRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("sweeper")

	s := &Sweeper{cfg: cfg, logger: logger}
	s.cron = cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.Recover(cronLogger{logger})))
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running sweeps on the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", zap.String("schedule", s.cfg.Schedule))
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("sweeper stop timed out")
	}
}

func (s *Sweeper) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("previous sweep still running; skipping")
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// RunOnce sweeps every provisioned tenant. Failures in one tenant are logged
// and do not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	spaces, err := s.cfg.Tenants.ProvisionedSpaces(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list tenants: %w", err)
	}

	now := s.cfg.Now()
	doneBefore := now.Add(-s.cfg.IdempotencyRetention)
	pendingBefore := now.Add(-staleMultiplier * s.cfg.IdempotencyStale)
	auditBefore := now.Add(-s.cfg.AuditRetention)

	var (
		report             = Report{Tenants: len(spaces)}
		failed             atomic.Int64
		idemDeleted, audit atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelTenants)
	for _, space := range spaces {
		g.Go(func() error {
			log := s.logger.With(zap.String("tenant_id", space.TenantID))

			n, err := s.cfg.Idempotency.Sweep(gctx, space, doneBefore, pendingBefore)
			if err != nil {
				failed.Add(1)
				log.Warn("sweep idempotency records", zap.Error(err))
				return nil
			}
			idemDeleted.Add(n)

			n, err = s.cfg.Audit.Sweep(gctx, space, auditBefore)
			if err != nil {
				failed.Add(1)
				log.Warn("sweep audit records", zap.Error(err))
				return nil
			}
			audit.Add(n)
			return nil
		})
	}
	_ = g.Wait()

	report.Failed = int(failed.Load())
	report.IdempotencyDeleted = idemDeleted.Load()
	report.AuditDeleted = audit.Load()

	s.cfg.Metrics.SweepDeleted("idempotency_records", report.IdempotencyDeleted)
	s.cfg.Metrics.SweepDeleted("audit_records", report.AuditDeleted)
	s.logger.Info("sweep finished",
		zap.Int("tenants", report.Tenants),
		zap.Int("failed", report.Failed),
		zap.Int64("idempotency_deleted", report.IdempotencyDeleted),
		zap.Int64("audit_deleted", report.AuditDeleted))
	return report, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
