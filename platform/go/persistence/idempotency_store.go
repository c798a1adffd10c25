package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/idempotency"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

const idempotencyTable = "idempotency_records"

var idempotencyFields = Fields{Columns: map[string]string{
	TenantField:       "tenant_id",
	"method":          "method",
	"pathname":        "pathname",
	"clientRequestId": "client_request_id",
	"status":          "status",
}}

// reserveSQL inserts a pending record, or takes over a pending record older
// than $6. When neither applies the upsert matches no row and returns nothing.
const reserveSQL = `
    INSERT INTO idempotency_records (tenant_id, method, pathname, client_request_id, status, created_at)
    VALUES ($1, $2, $3, $4, 'pending', $5)
    ON CONFLICT (tenant_id, method, pathname, client_request_id) DO UPDATE
        SET status = 'pending', created_at = EXCLUDED.created_at, completed_at = NULL,
            response_status = NULL, response_headers = NULL, response_body = NULL
        WHERE idempotency_records.status = 'pending' AND idempotency_records.created_at < $6
    RETURNING created_at`

// IdempotencyStore is the Postgres idempotency.Store.
type IdempotencyStore struct {
	db    *TenantDB
	scope *ScopeBuilder
}

func NewIdempotencyStore(db *TenantDB, scope *ScopeBuilder) *IdempotencyStore {
	if db == nil || scope == nil {
		panic("idempotency store requires tenant db and scope builder")
	}
	return &IdempotencyStore{db: db, scope: scope}
}

func (s *IdempotencyStore) keyCond(space tenant.Space, key idempotency.Key) (sq.Sqlizer, error) {
	return s.scope.Where(space.TenantID, Predicate{
		"method":          key.Method,
		"pathname":        key.Pathname,
		"clientRequestId": key.ClientRequestID,
	}, idempotencyFields)
}

func (s *IdempotencyStore) Reserve(ctx context.Context, space tenant.Space, key idempotency.Key, now, staleBefore time.Time) (bool, idempotency.Record, error) {
	cond, err := s.keyCond(space, key)
	if err != nil {
		return false, idempotency.Record{}, err
	}
	selectSQL, selectArgs, err := psql.Select("status", "response_status", "response_headers", "response_body", "created_at", "completed_at").
		From(idempotencyTable).Where(cond).ToSql()
	if err != nil {
		return false, idempotency.Record{}, fmt.Errorf("build select record: %w", err)
	}

	// A record can be released between the failed upsert and the read; retry once.
	for attempt := 0; attempt < 2; attempt++ {
		var (
			acquired bool
			existing idempotency.Record
			found    bool
		)
		err := s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
			var createdAt time.Time
			err := tx.QueryRow(ctx, reserveSQL, space.TenantID, key.Method, key.Pathname, key.ClientRequestID, now, staleBefore).Scan(&createdAt)
			if err == nil {
				acquired = true
				existing = idempotency.Record{Key: key, Status: idempotency.StatusPending, CreatedAt: createdAt}
				existing.Key.TenantID = space.TenantID
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("reserve: %w", err)
			}

			existing, err = scanIdempotencyRecord(tx.QueryRow(ctx, selectSQL, selectArgs...))
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			existing.Key = key
			existing.Key.TenantID = space.TenantID
			found = true
			return nil
		})
		if err != nil {
			return false, idempotency.Record{}, err
		}
		if acquired {
			return true, existing, nil
		}
		if found {
			return false, existing, nil
		}
	}
	return false, idempotency.Record{}, fmt.Errorf("reserve: record for %q vanished twice", key.ClientRequestID)
}

// Complete stores the result on the caller's own reservation. created_at is
// compared as returned by Reserve, so the owner token round-trips at the
// column's precision.
func (s *IdempotencyStore) Complete(ctx context.Context, space tenant.Space, key idempotency.Key, owner time.Time, result idempotency.Result, now time.Time) error {
	cond, err := s.keyCond(space, key)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(result.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	query, args, err := psql.Update(idempotencyTable).
		Set("status", string(idempotency.StatusDone)).
		Set("response_status", result.StatusCode).
		Set("response_headers", headers).
		Set("response_body", result.Body).
		Set("completed_at", now).
		Where(cond).
		Where(sq.Eq{"status": string(idempotency.StatusPending), "created_at": owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build complete: %w", err)
	}

	return s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return idempotency.ErrLeaseLost
		}
		return nil
	})
}

// Release deletes the caller's pending reservation. A record taken over by a
// later request is left alone.
func (s *IdempotencyStore) Release(ctx context.Context, space tenant.Space, key idempotency.Key, owner time.Time) error {
	cond, err := s.keyCond(space, key)
	if err != nil {
		return err
	}
	query, args, err := psql.Delete(idempotencyTable).Where(cond).
		Where(sq.Eq{"status": string(idempotency.StatusPending), "created_at": owner}).ToSql()
	if err != nil {
		return fmt.Errorf("build release: %w", err)
	}
	return s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, args...)
		return err
	})
}

// Sweep deletes done records completed before doneBefore and pending records
// created before pendingBefore.
func (s *IdempotencyStore) Sweep(ctx context.Context, space tenant.Space, doneBefore, pendingBefore time.Time) (int64, error) {
	cond, err := s.scope.Where(space.TenantID, nil, idempotencyFields)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Delete(idempotencyTable).Where(cond).Where(sq.Or{
		sq.And{sq.Eq{"status": string(idempotency.StatusDone)}, sq.Lt{"completed_at": doneBefore}},
		sq.And{sq.Eq{"status": string(idempotency.StatusPending)}, sq.Lt{"created_at": pendingBefore}},
	}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sweep: %w", err)
	}

	var deleted int64
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sweep idempotency records: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func scanIdempotencyRecord(row pgx.Row) (idempotency.Record, error) {
	var (
		rec            idempotency.Record
		status         string
		responseStatus *int
		headers        []byte
		body           []byte
	)
	if err := row.Scan(&status, &responseStatus, &headers, &body, &rec.CreatedAt, &rec.CompletedAt); err != nil {
		return idempotency.Record{}, err
	}
	rec.Status = idempotency.Status(status)
	if rec.Status == idempotency.StatusDone && responseStatus != nil {
		result := idempotency.Result{StatusCode: *responseStatus, Body: body, Header: http.Header{}}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &result.Header); err != nil {
				return idempotency.Record{}, fmt.Errorf("decode stored headers: %w", err)
			}
		}
		rec.Result = &result
	}
	return rec, nil
}

var _ idempotency.Store = (*IdempotencyStore)(nil)
