package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// TenantsTable is the tenant registry inside the platform schema.
const TenantsTable = "tenants"

// TenantRecord is a row of the tenant registry.
type TenantRecord struct {
	TenantID           string
	Name               string
	SchemaName         string
	RoleName           string
	Status             tenant.Status
	Entitlements       []tenant.PlatformKey
	PlanType           string
	MaxUsers           int
	SubscriptionEndsAt *time.Time
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Space returns the routing handle for the record.
func (r TenantRecord) Space() tenant.Space {
	return tenant.Space{
		TenantID:     r.TenantID,
		SchemaName:   r.SchemaName,
		RoleName:     r.RoleName,
		Status:       r.Status,
		Entitlements: append([]tenant.PlatformKey(nil), r.Entitlements...),
		MaxUsers:     r.MaxUsers,
	}
}

// ErrTenantNotFound is returned when a tenant record does not exist.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrTenantConflict is returned when a tenant id or schema is already taken.
var ErrTenantConflict = errors.New("tenant already exists")

const tenantColumns = `tenant_id, name, schema_name, role_name, status, entitlements, plan_type,
    max_users, subscription_ends_at, created_by, created_at, updated_at`

// TenantStore provides access to the tenant registry.
type TenantStore struct {
	db *TenantDB
}

func NewTenantStore(db *TenantDB) *TenantStore {
	if db == nil {
		panic("tenant store requires tenant db")
	}
	return &TenantStore{db: db}
}

// Create inserts a tenant record.
func (s *TenantStore) Create(ctx context.Context, rec TenantRecord) (TenantRecord, error) {
	if strings.TrimSpace(rec.TenantID) == "" {
		return TenantRecord{}, errors.New("tenant id is required")
	}

	var out TenantRecord
	err := s.db.WithPlatform(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(`
            INSERT INTO %s (
                tenant_id, name, schema_name, role_name, status, entitlements, plan_type,
                max_users, subscription_ends_at, created_by
            ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
            RETURNING %s
        `, TenantsTable, tenantColumns),
			rec.TenantID, rec.Name, rec.SchemaName, rec.RoleName, string(rec.Status),
			entitlementStrings(rec.Entitlements), rec.PlanType, rec.MaxUsers,
			rec.SubscriptionEndsAt, rec.CreatedBy,
		)

		var err error
		out, err = scanTenantRecord(row)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return TenantRecord{}, ErrTenantConflict
		}
		return TenantRecord{}, err
	}
	return out, nil
}

// Get fetches a tenant by id.
func (s *TenantStore) Get(ctx context.Context, tenantID string) (TenantRecord, error) {
	var out TenantRecord
	err := s.db.WithPlatform(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1`, tenantColumns, TenantsTable), tenantID)
		var err error
		out, err = scanTenantRecord(row)
		return err
	})
	return out, err
}

// Lookup resolves a tenant's routing handle. A missing tenant is reported
// through the boolean rather than an error.
func (s *TenantStore) Lookup(ctx context.Context, tenantID string) (tenant.Space, bool, error) {
	rec, err := s.Get(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return tenant.Space{}, false, nil
	}
	if err != nil {
		return tenant.Space{}, false, err
	}
	return rec.Space(), true, nil
}

// ListTenantsParams filters and paginates List.
type ListTenantsParams struct {
	Status *tenant.Status
	Limit  int
	Offset int
}

// List returns tenants ordered by creation time, newest first, and the total matching count.
func (s *TenantStore) List(ctx context.Context, params ListTenantsParams) ([]TenantRecord, int, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	var where sq.Sqlizer = sq.Expr("TRUE")
	if params.Status != nil {
		where = sq.Eq{"status": string(*params.Status)}
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From(TenantsTable).Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	listSQL, listArgs, err := psql.Select(tenantColumns).From(TenantsTable).Where(where).
		OrderBy("created_at DESC").Limit(uint64(params.Limit)).Offset(uint64(params.Offset)).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list: %w", err)
	}

	var (
		total   int
		records []TenantRecord
	)
	err = s.db.WithPlatform(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
			return fmt.Errorf("count tenants: %w", err)
		}

		rows, err := tx.Query(ctx, listSQL, listArgs...)
		if err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanTenantRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// StatusCounts returns the number of tenants per status.
func (s *TenantStore) StatusCounts(ctx context.Context) (map[tenant.Status]int, error) {
	counts := map[tenant.Status]int{}
	err := s.db.WithPlatform(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, TenantsTable))
		if err != nil {
			return fmt.Errorf("count tenants by status: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[tenant.Status(status)] = n
		}
		return rows.Err()
	})
	return counts, err
}

// ProvisionedSpaces returns the routing handles of every tenant whose partition
// schema already exists.
func (s *TenantStore) ProvisionedSpaces(ctx context.Context) ([]tenant.Space, error) {
	query, args, err := psql.Select(tenantColumns).From(TenantsTable + " t").
		Where("EXISTS (SELECT 1 FROM pg_namespace n WHERE n.nspname = t.schema_name)").
		OrderBy("tenant_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build provisioned tenants: %w", err)
	}

	var spaces []tenant.Space
	err = s.db.WithPlatform(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list provisioned tenants: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanTenantRecord(rows)
			if err != nil {
				return err
			}
			spaces = append(spaces, rec.Space())
		}
		return rows.Err()
	})
	return spaces, err
}

// TenantUpdate carries the owner-editable fields. Nil fields are left untouched.
type TenantUpdate struct {
	Name                    *string
	Status                  *tenant.Status
	Entitlements            *[]tenant.PlatformKey
	PlanType                *string
	MaxUsers                *int
	SubscriptionEndsAt      *time.Time
	ClearSubscriptionEndsAt bool
}

// Apply returns rec with the update's fields applied.
func (u TenantUpdate) Apply(rec TenantRecord) TenantRecord {
	if u.Name != nil {
		rec.Name = *u.Name
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Entitlements != nil {
		rec.Entitlements = append([]tenant.PlatformKey(nil), (*u.Entitlements)...)
	}
	if u.PlanType != nil {
		rec.PlanType = *u.PlanType
	}
	if u.MaxUsers != nil {
		rec.MaxUsers = *u.MaxUsers
	}
	if u.SubscriptionEndsAt != nil {
		endsAt := *u.SubscriptionEndsAt
		rec.SubscriptionEndsAt = &endsAt
	}
	if u.ClearSubscriptionEndsAt {
		rec.SubscriptionEndsAt = nil
	}
	return rec
}

func (u TenantUpdate) empty() bool {
	return u.Name == nil && u.Status == nil && u.Entitlements == nil && u.PlanType == nil &&
		u.MaxUsers == nil && u.SubscriptionEndsAt == nil && !u.ClearSubscriptionEndsAt
}

// Update applies the update and returns the record before and after it.
func (s *TenantStore) Update(ctx context.Context, tenantID string, update TenantUpdate) (before, after TenantRecord, err error) {
	if update.empty() {
		return TenantRecord{}, TenantRecord{}, errors.New("no fields to update")
	}

	set := map[string]any{"updated_at": sq.Expr("now()")}
	if update.Name != nil {
		set["name"] = strings.TrimSpace(*update.Name)
	}
	if update.Status != nil {
		set["status"] = string(*update.Status)
	}
	if update.Entitlements != nil {
		set["entitlements"] = entitlementStrings(*update.Entitlements)
	}
	if update.PlanType != nil {
		set["plan_type"] = *update.PlanType
	}
	if update.MaxUsers != nil {
		set["max_users"] = *update.MaxUsers
	}
	if update.SubscriptionEndsAt != nil {
		set["subscription_ends_at"] = *update.SubscriptionEndsAt
	} else if update.ClearSubscriptionEndsAt {
		set["subscription_ends_at"] = nil
	}

	updateSQL, updateArgs, err := psql.Update(TenantsTable).SetMap(set).
		Where(sq.Eq{"tenant_id": tenantID}).Suffix("RETURNING " + tenantColumns).ToSql()
	if err != nil {
		return TenantRecord{}, TenantRecord{}, fmt.Errorf("build update: %w", err)
	}

	err = s.db.WithPlatform(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 FOR UPDATE`, tenantColumns, TenantsTable), tenantID)
		var err error
		if before, err = scanTenantRecord(row); err != nil {
			return err
		}
		after, err = scanTenantRecord(tx.QueryRow(ctx, updateSQL, updateArgs...))
		return err
	})
	return before, after, err
}

func scanTenantRecord(row pgx.Row) (TenantRecord, error) {
	var (
		rec          TenantRecord
		status       string
		entitlements []string
	)
	if err := row.Scan(&rec.TenantID, &rec.Name, &rec.SchemaName, &rec.RoleName, &status, &entitlements,
		&rec.PlanType, &rec.MaxUsers, &rec.SubscriptionEndsAt, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrTenantNotFound
		}
		return TenantRecord{}, err
	}
	rec.Status = tenant.Status(status)
	rec.Entitlements = make([]tenant.PlatformKey, 0, len(entitlements))
	for _, key := range entitlements {
		rec.Entitlements = append(rec.Entitlements, tenant.PlatformKey(key))
	}
	return rec, nil
}

func entitlementStrings(keys []tenant.PlatformKey) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, string(key))
	}
	return out
}
