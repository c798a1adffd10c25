package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/zenGate-Global/hospital-ops-core/database"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// PartitionProvisioner creates a tenant's role, schema, grants and tables.
// Every step is idempotent and serialized per schema with an advisory lock, so
// concurrent first requests from several API instances converge on one partition.
type PartitionProvisioner struct {
	pool txBeginner
	db   *TenantDB
}

func NewPartitionProvisioner(pool *pgxpool.Pool, db *TenantDB) *PartitionProvisioner {
	if pool == nil {
		panic("partition provisioner requires pool")
	}
	if db == nil {
		panic("partition provisioner requires tenant db")
	}
	return &PartitionProvisioner{pool: pool, db: db}
}

// Ensure makes the partition described by space ready for WithTenant.
func (p *PartitionProvisioner) Ensure(ctx context.Context, space tenant.Space) error {
	if strings.TrimSpace(space.SchemaName) == "" || strings.TrimSpace(space.RoleName) == "" {
		return fmt.Errorf("provision partition: role and schema are required")
	}
	if err := p.ensureRoleSchemaAndGrants(ctx, space); err != nil {
		return err
	}
	return p.ensureTables(ctx, space)
}

func (p *PartitionProvisioner) ensureRoleSchemaAndGrants(ctx context.Context, space tenant.Space) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, space.SchemaName); err != nil {
		return fmt.Errorf("lock partition: %w", err)
	}

	role := pgx.Identifier{space.RoleName}.Sanitize()
	schema := pgx.Identifier{space.SchemaName}.Sanitize()

	// CREATE ROLE has no IF NOT EXISTS; a failed statement would abort the transaction.
	var roleExists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", space.RoleName).Scan(&roleExists); err != nil {
		return fmt.Errorf("check role existence: %w", err)
	}
	if !roleExists {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE ROLE %s NOLOGIN", role)); err != nil {
			return fmt.Errorf("create role: %w", err)
		}
	}

	statements := []struct {
		sql  string
		what string
	}{
		{fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s AUTHORIZATION %s", schema, role), "create schema"},
		{fmt.Sprintf("GRANT %s TO CURRENT_USER", role), "grant tenant role to app user"},
		{fmt.Sprintf("GRANT USAGE, CREATE ON SCHEMA %s TO %s", schema, role), "grant usage on tenant schema"},
		{fmt.Sprintf("REVOKE ALL ON SCHEMA %s FROM PUBLIC", schema), "revoke public access"},
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PartitionProvisioner) ensureTables(ctx context.Context, space tenant.Space) error {
	return p.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, space.SchemaName); err != nil {
			return fmt.Errorf("lock partition: %w", err)
		}
		for _, asset := range sqlassets.TenantSpaceSQL() {
			for _, stmt := range splitStatements(asset) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("apply partition ddl: %w", err)
				}
			}
		}
		return nil
	})
}
