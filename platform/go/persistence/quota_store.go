package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/quota"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

const quotasTable = "usage_quotas"

const quotaColumns = `id, tenant_id, scope_type, scope_id, feature_key, "limit", used, status,
    starts_at, ends_at, created_by, created_at, updated_at`

var quotaFields = Fields{Columns: map[string]string{
	TenantField:  "tenant_id",
	"id":         "id",
	"scopeType":  "scope_type",
	"scopeId":    "scope_id",
	"featureKey": "feature_key",
	"status":     "status",
}}

// QuotaStore is the Postgres quota.Store. Consumption is a single conditional
// UPDATE, so concurrent API instances never push used past limit.
type QuotaStore struct {
	db    *TenantDB
	scope *ScopeBuilder
}

func NewQuotaStore(db *TenantDB, scope *ScopeBuilder) *QuotaStore {
	if db == nil || scope == nil {
		panic("quota store requires tenant db and scope builder")
	}
	return &QuotaStore{db: db, scope: scope}
}

func inWindow(now time.Time) sq.Sqlizer {
	return sq.And{
		sq.Or{sq.Eq{"starts_at": nil}, sq.LtOrEq{"starts_at": now}},
		sq.Or{sq.Eq{"ends_at": nil}, sq.GtOrEq{"ends_at": now}},
	}
}

func (s *QuotaStore) FindApplicable(ctx context.Context, space tenant.Space, key quota.Key, now time.Time) (quota.Quota, error) {
	cond, err := s.scope.Where(space.TenantID, Predicate{
		"scopeType":  string(key.ScopeType),
		"scopeId":    key.ScopeID,
		"featureKey": key.FeatureKey,
		"status":     string(quota.StatusActive),
	}, quotaFields)
	if err != nil {
		return quota.Quota{}, err
	}

	query, args, err := psql.Select(quotaColumns).From(quotasTable).Where(cond).Where(inWindow(now)).Limit(1).ToSql()
	if err != nil {
		return quota.Quota{}, fmt.Errorf("build find quota: %w", err)
	}

	return s.queryOne(ctx, space, query, args)
}

func (s *QuotaStore) Increment(ctx context.Context, space tenant.Space, id uuid.UUID, now time.Time) (quota.Quota, bool, error) {
	cond, err := s.scope.Where(space.TenantID, Predicate{"id": id.String(), "status": string(quota.StatusActive)}, quotaFields)
	if err != nil {
		return quota.Quota{}, false, err
	}

	query, args, err := psql.Update(quotasTable).
		Set("used", sq.Expr("used + 1")).
		Set("updated_at", now).
		Where(cond).
		Where(`used < "limit"`).
		Where(inWindow(now)).
		Suffix("RETURNING " + quotaColumns).
		ToSql()
	if err != nil {
		return quota.Quota{}, false, fmt.Errorf("build increment: %w", err)
	}

	q, err := s.queryOne(ctx, space, query, args)
	if errors.Is(err, quota.ErrNotFound) {
		return quota.Quota{}, false, nil
	}
	if err != nil {
		return quota.Quota{}, false, err
	}
	return q, true, nil
}

func (s *QuotaStore) Get(ctx context.Context, space tenant.Space, id uuid.UUID) (quota.Quota, error) {
	cond, err := s.scope.Where(space.TenantID, Predicate{"id": id.String()}, quotaFields)
	if err != nil {
		return quota.Quota{}, err
	}
	query, args, err := psql.Select(quotaColumns).From(quotasTable).Where(cond).ToSql()
	if err != nil {
		return quota.Quota{}, fmt.Errorf("build get quota: %w", err)
	}
	return s.queryOne(ctx, space, query, args)
}

func (s *QuotaStore) Create(ctx context.Context, space tenant.Space, q quota.Quota) (quota.Quota, error) {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.Status == "" {
		q.Status = quota.StatusActive
	}

	query, args, err := psql.Insert(quotasTable).
		Columns("id", "tenant_id", "scope_type", "scope_id", "feature_key", `"limit"`, "used", "status", "starts_at", "ends_at", "created_by").
		Values(q.ID, space.TenantID, string(q.ScopeType), q.ScopeID, q.FeatureKey, q.Limit, q.Used, string(q.Status), q.StartsAt, q.EndsAt, q.CreatedBy).
		Suffix("RETURNING " + quotaColumns).
		ToSql()
	if err != nil {
		return quota.Quota{}, fmt.Errorf("build create quota: %w", err)
	}

	out, err := s.queryOne(ctx, space, query, args)
	if isUniqueViolation(err) {
		return quota.Quota{}, quota.ErrConflict
	}
	return out, err
}

func (s *QuotaStore) Update(ctx context.Context, space tenant.Space, id uuid.UUID, patch quota.Patch) (quota.Quota, quota.Quota, error) {
	cond, err := s.scope.Where(space.TenantID, Predicate{"id": id.String()}, quotaFields)
	if err != nil {
		return quota.Quota{}, quota.Quota{}, err
	}

	set := map[string]any{"updated_at": sq.Expr("now()")}
	if patch.Limit != nil {
		set[`"limit"`] = *patch.Limit
	}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.EndsAt != nil {
		set["ends_at"] = *patch.EndsAt
	}

	selectSQL, selectArgs, err := psql.Select(quotaColumns).From(quotasTable).Where(cond).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return quota.Quota{}, quota.Quota{}, fmt.Errorf("build select quota: %w", err)
	}
	updateSQL, updateArgs, err := psql.Update(quotasTable).SetMap(set).Where(cond).Suffix("RETURNING " + quotaColumns).ToSql()
	if err != nil {
		return quota.Quota{}, quota.Quota{}, fmt.Errorf("build update quota: %w", err)
	}

	var before, after quota.Quota
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		var err error
		if before, err = scanQuota(tx.QueryRow(ctx, selectSQL, selectArgs...)); err != nil {
			return err
		}
		after, err = scanQuota(tx.QueryRow(ctx, updateSQL, updateArgs...))
		return err
	})
	if isUniqueViolation(err) {
		return quota.Quota{}, quota.Quota{}, quota.ErrConflict
	}
	return before, after, err
}

func (s *QuotaStore) List(ctx context.Context, space tenant.Space, filter quota.ListFilter) ([]quota.Quota, error) {
	raw := Predicate{}
	if filter.ScopeType != nil {
		raw["scopeType"] = string(*filter.ScopeType)
	}
	if filter.ScopeID != nil {
		raw["scopeId"] = *filter.ScopeID
	}
	if filter.FeatureKey != nil {
		raw["featureKey"] = *filter.FeatureKey
	}
	cond, err := s.scope.Where(space.TenantID, raw, quotaFields)
	if err != nil {
		return nil, err
	}
	query, args, err := psql.Select(quotaColumns).From(quotasTable).Where(cond).OrderBy("created_at DESC").Limit(500).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list quotas: %w", err)
	}

	out := []quota.Quota{}
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list quotas: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			q, err := scanQuota(rows)
			if err != nil {
				return err
			}
			out = append(out, q)
		}
		return rows.Err()
	})
	return out, err
}

func (s *QuotaStore) queryOne(ctx context.Context, space tenant.Space, query string, args []any) (quota.Quota, error) {
	var out quota.Quota
	err := s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		var err error
		out, err = scanQuota(tx.QueryRow(ctx, query, args...))
		return err
	})
	return out, err
}

func scanQuota(row pgx.Row) (quota.Quota, error) {
	var (
		q         quota.Quota
		scopeType string
		status    string
	)
	if err := row.Scan(&q.ID, &q.TenantID, &scopeType, &q.ScopeID, &q.FeatureKey, &q.Limit, &q.Used, &status,
		&q.StartsAt, &q.EndsAt, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Quota{}, quota.ErrNotFound
		}
		return quota.Quota{}, err
	}
	q.ScopeType = quota.ScopeType(scopeType)
	q.Status = quota.Status(status)
	return q, nil
}

var _ quota.Store = (*QuotaStore)(nil)
