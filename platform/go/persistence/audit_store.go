package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

const auditTable = "audit_records"

const auditColumns = `id, tenant_id, user_id, entity_type, entity_id, action, before_state, after_state,
    ip, path, outcome, error_detail, started_at, finished_at`

var auditFields = Fields{Columns: map[string]string{
	TenantField:  "tenant_id",
	"id":         "id",
	"entityType": "entity_type",
	"entityId":   "entity_id",
	"outcome":    "outcome",
}}

// AuditStore is the Postgres audit.Store.
type AuditStore struct {
	db    *TenantDB
	scope *ScopeBuilder
}

func NewAuditStore(db *TenantDB, scope *ScopeBuilder) *AuditStore {
	if db == nil || scope == nil {
		panic("audit store requires tenant db and scope builder")
	}
	return &AuditStore{db: db, scope: scope}
}

func (s *AuditStore) Insert(ctx context.Context, space tenant.Space, rec audit.Record) error {
	query, args, err := psql.Insert(auditTable).
		Columns("id", "tenant_id", "user_id", "entity_type", "entity_id", "action", "before_state", "after_state",
			"ip", "path", "outcome", "error_detail", "started_at", "finished_at").
		Values(rec.ID, space.TenantID, rec.UserID, rec.EntityType, rec.EntityID, rec.Action, nullableJSON(rec.Before), nullableJSON(rec.After),
			rec.IP, rec.Path, string(rec.Outcome), rec.ErrorDetail, rec.StartedAt, rec.FinishedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert audit: %w", err)
	}
	return s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, args...)
		return err
	})
}

func (s *AuditStore) Finalize(ctx context.Context, space tenant.Space, id uuid.UUID, fin audit.Finalization) error {
	cond, err := s.scope.Where(space.TenantID, Predicate{"id": id.String(), "outcome": string(audit.OutcomePending)}, auditFields)
	if err != nil {
		return err
	}

	update := psql.Update(auditTable).
		Set("outcome", string(fin.Outcome)).
		Set("error_detail", fin.ErrorDetail).
		Set("finished_at", fin.FinishedAt).
		Where(cond)
	if fin.After != nil {
		update = update.Set("after_state", []byte(fin.After))
	}
	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build finalize audit: %w", err)
	}

	return s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return audit.ErrNotPending
		}
		return nil
	})
}

func (s *AuditStore) List(ctx context.Context, space tenant.Space, q audit.Query) ([]audit.Record, error) {
	raw := Predicate{}
	if q.EntityType != "" {
		raw["entityType"] = q.EntityType
	}
	if q.EntityID != "" {
		raw["entityId"] = q.EntityID
	}
	cond, err := s.scope.Where(space.TenantID, raw, auditFields)
	if err != nil {
		return nil, err
	}

	builder := psql.Select(auditColumns).From(auditTable).Where(cond)
	if q.From != nil {
		builder = builder.Where(sq.GtOrEq{"started_at": *q.From})
	}
	if q.To != nil {
		builder = builder.Where(sq.LtOrEq{"started_at": *q.To})
	}
	limit := q.Limit
	if limit <= 0 {
		limit = audit.DefaultListLimit
	}
	query, args, err := builder.OrderBy("started_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit: %w", err)
	}

	out := []audit.Record{}
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list audit: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanAuditRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// Sweep deletes finalized records started before cutoff.
func (s *AuditStore) Sweep(ctx context.Context, space tenant.Space, cutoff time.Time) (int64, error) {
	cond, err := s.scope.Where(space.TenantID, nil, auditFields)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Delete(auditTable).Where(cond).
		Where(sq.Lt{"started_at": cutoff}).
		Where(sq.NotEq{"outcome": string(audit.OutcomePending)}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sweep audit: %w", err)
	}

	var deleted int64
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sweep audit records: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func scanAuditRecord(row pgx.Row) (audit.Record, error) {
	var (
		rec     audit.Record
		before  []byte
		after   []byte
		outcome string
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.EntityType, &rec.EntityID, &rec.Action, &before, &after,
		&rec.IP, &rec.Path, &outcome, &rec.ErrorDetail, &rec.StartedAt, &rec.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Record{}, ErrNotFound
		}
		return audit.Record{}, err
	}
	rec.Before = before
	rec.After = after
	rec.Outcome = audit.Outcome(outcome)
	return rec, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

var _ audit.Store = (*AuditStore)(nil)
