// Package platformdb opens the platform database for CLI commands and builds
// the stores they share.
package platformdb

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	tenantsservice "github.com/zenGate-Global/hospital-ops-core/domains/tenants/be/service"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Flags are the connection flags every database command accepts.
type Flags struct {
	DatabaseURL string
	EnvKey      string
	LogLevel    string
}

// Bind registers the flags on cmd. Values default to the API server's environment variables.
func (f *Flags) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (default $DATABASE_URL)")
	cmd.Flags().StringVar(&f.EnvKey, "env-key", envOr("ENV_KEY", "dev"), "Environment key prefix (e.g. dev, stg, prod)")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "warn", "Log level for CLI diagnostics")
}

// Runtime holds the pool and stores of one CLI invocation.
type Runtime struct {
	Pool           *pgxpool.Pool
	PlatformSchema string
	Tenants        *persistence.TenantStore
	Users          *persistence.UserStore
	AuditStore     *persistence.AuditStore
	Idempotency    *persistence.IdempotencyStore
	Provisioner    *persistence.PartitionProvisioner
	Auditor        *audit.Logger
	Logger         *zap.Logger
}

// Open connects to the database. When bootstrap is true the platform schema is
// created first; otherwise it must already exist.
func Open(ctx context.Context, f Flags, bootstrap bool) (*Runtime, error) {
	if strings.TrimSpace(f.DatabaseURL) == "" {
		return nil, fmt.Errorf("database url is required (--database-url or DATABASE_URL)")
	}
	if strings.TrimSpace(f.EnvKey) == "" {
		return nil, fmt.Errorf("env key is required")
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "cli",
		Level:     f.LogLevel,
		Output:    os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:      f.DatabaseURL,
		ApplicationName: "hoctl",
		MaxConns:        4,
	})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}

	platformSchema := tenant.BuildPlatformSchemaName(f.EnvKey)
	if bootstrap {
		if err := persistence.BootstrapPlatformSchema(ctx, pool, platformSchema); err != nil {
			persistence.ClosePool(pool)
			return nil, err
		}
	}

	db := persistence.NewTenantDB(persistence.TenantDBConfig{Pool: pool, PlatformSchema: platformSchema})
	scope := persistence.NewScopeBuilder(persistence.ScopeBuilderConfig{Logger: logger})
	auditStore := persistence.NewAuditStore(db, scope)

	return &Runtime{
		Pool:           pool,
		PlatformSchema: platformSchema,
		Tenants:        persistence.NewTenantStore(db),
		Users:          persistence.NewUserStore(db, scope),
		AuditStore:     auditStore,
		Idempotency:    persistence.NewIdempotencyStore(db, scope),
		Provisioner:    persistence.NewPartitionProvisioner(pool, db),
		Auditor:        audit.NewLogger(audit.Config{Store: auditStore, Logger: logger}),
		Logger:         logger,
	}, nil
}

// Close releases the pool and flushes the logger.
func (r *Runtime) Close() {
	persistence.ClosePool(r.Pool)
	_ = r.Logger.Sync()
}

// TenantService builds the owner-console service on this runtime. The CLI
// holds no route cache, so invalidation is a no-op.
func (r *Runtime) TenantService(envKey string) tenantsservice.Service {
	return tenantsservice.New(tenantsservice.Config{
		Repo:       r.Tenants,
		Partitions: partitions{r.Provisioner},
		Users:      r.Users,
		Audit:      r.Auditor,
		EnvKey:     envKey,
		Logger:     r.Logger,
	})
}

type partitions struct {
	*persistence.PartitionProvisioner
}

func (partitions) Invalidate(string) {}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
