package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/zenGate-Global/hospital-ops-core/database"
)

// BootstrapPlatformSchema creates the platform schema (if missing) and applies
// the tenant registry DDL in a single transaction. SQL is embedded at build time.
// The helper is idempotent and runs at API startup and in tests.
func BootstrapPlatformSchema(ctx context.Context, pool *pgxpool.Pool, platformSchema string) error {
	if pool == nil {
		return fmt.Errorf("bootstrap platform schema: pool is required")
	}
	if platformSchema == "" {
		return fmt.Errorf("bootstrap platform schema: platform schema is required")
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, platformSchema); err != nil {
		return fmt.Errorf("lock platform schema: %w", err)
	}

	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{platformSchema}.Sanitize()); err != nil {
		return fmt.Errorf("create platform schema: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, pgx.Identifier{platformSchema}.Sanitize()); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	for _, stmt := range splitStatements(sqlassets.TenantsSQL) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}
