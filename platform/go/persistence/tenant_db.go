package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TenantDB runs transactions either against the platform schema or inside a
// tenant partition, switching to the partition's role so one tenant's
// transaction cannot touch another tenant's schema.
type TenantDB struct {
	pool           txBeginner
	platformSchema string
}

type TenantDBConfig struct {
	Pool           *pgxpool.Pool
	PlatformSchema string
}

func NewTenantDB(cfg TenantDBConfig) *TenantDB {
	if cfg.Pool == nil {
		panic("TenantDB requires pool")
	}

	platformSchema := strings.TrimSpace(cfg.PlatformSchema)
	if platformSchema == "" {
		panic("TenantDB requires platform schema")
	}
	return &TenantDB{pool: cfg.Pool, platformSchema: platformSchema}
}

// PlatformSchema returns the schema holding the tenant registry.
func (db *TenantDB) PlatformSchema() string {
	return db.platformSchema
}

// WithPlatform executes fn inside a transaction scoped to the platform schema.
// No role switching is performed; the connection's own identity is used.
func (db *TenantDB) WithPlatform(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, db.platformSchema); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// WithTenant executes fn inside a transaction confined to the tenant partition:
// the partition role is assumed and search_path contains only the partition schema.
func (db *TenantDB) WithTenant(ctx context.Context, space tenant.Space, fn func(tx pgx.Tx) error) error {
	if strings.TrimSpace(space.RoleName) == "" || strings.TrimSpace(space.SchemaName) == "" {
		return fmt.Errorf("tenant role and schema are required in tenant.Space")
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL ROLE %s", pgx.Identifier{space.RoleName}.Sanitize())); err != nil {
		return fmt.Errorf("set role: %w", err)
	}

	if _, err = tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, pgx.Identifier{space.SchemaName}.Sanitize()); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
