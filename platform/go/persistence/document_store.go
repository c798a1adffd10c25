package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

const documentsTable = "documents"

const documentColumns = `collection, id, tenant_id, short_code, body, is_archived, archived_at,
    created_by, updated_by, created_at, updated_at`

const (
	DefaultDocumentLimit = 100
	MaxDocumentLimit     = 2000
)

var documentFields = Fields{
	Columns: map[string]string{
		TenantField:  "tenant_id",
		"collection": "collection",
		"id":         "id",
		"shortCode":  "short_code",
		"isArchived": "is_archived",
	},
	JSONColumn: "body",
}

// immutableKeys are never taken from caller bodies on insert or update.
var immutableKeys = []string{"tenantId", "tenant_id", "id", "createdAt", "shortCode", "isArchived", "archivedAt"}

// Document is a row of a tenant collection.
type Document struct {
	Collection string
	ID         string
	TenantID   string
	ShortCode  *string
	Body       map[string]any
	IsArchived bool
	ArchivedAt *time.Time
	CreatedBy  string
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentQuery filters List.
type DocumentQuery struct {
	Filter          Predicate
	Search          string
	IncludeArchived bool
	// Legacy also matches rows without a tenant while the migration window is open.
	Legacy bool
	Limit  int
	Offset int
}

// DocumentStore implements generic CRUD over tenant collections. Every
// statement is scoped through the ScopeBuilder.
type DocumentStore struct {
	db    *TenantDB
	scope *ScopeBuilder
}

func NewDocumentStore(db *TenantDB, scope *ScopeBuilder) *DocumentStore {
	if db == nil || scope == nil {
		panic("document store requires tenant db and scope builder")
	}
	return &DocumentStore{db: db, scope: scope}
}

func (s *DocumentStore) where(space tenant.Space, collection string, raw Predicate, legacy bool) (sq.Sqlizer, error) {
	filter := make(Predicate, len(raw)+1)
	for k, v := range raw {
		filter[k] = v
	}
	filter["collection"] = collection
	if legacy {
		return s.scope.WhereLegacy(space.TenantID, filter, documentFields)
	}
	return s.scope.Where(space.TenantID, filter, documentFields)
}

// Insert stores doc if no document with its id exists in the collection. It
// returns the stored document and whether this call created it. An id taken by
// a document outside the caller's scope yields ErrConflict.
func (s *DocumentStore) Insert(ctx context.Context, space tenant.Space, collection string, doc Document) (Document, bool, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return Document{}, false, errors.New("document id is required")
	}
	body, err := json.Marshal(stripImmutable(doc.Body))
	if err != nil {
		return Document{}, false, fmt.Errorf("encode document: %w", err)
	}

	insertSQL, insertArgs, err := psql.Insert(documentsTable).
		Columns("collection", "id", "tenant_id", "short_code", "body", "created_by", "updated_by").
		Values(collection, doc.ID, space.TenantID, doc.ShortCode, body, doc.CreatedBy, doc.CreatedBy).
		Suffix("ON CONFLICT (collection, id) DO NOTHING RETURNING " + documentColumns).
		ToSql()
	if err != nil {
		return Document{}, false, fmt.Errorf("build insert document: %w", err)
	}
	cond, err := s.where(space, collection, Predicate{"id": doc.ID}, false)
	if err != nil {
		return Document{}, false, err
	}
	selectSQL, selectArgs, err := psql.Select(documentColumns).From(documentsTable).Where(cond).ToSql()
	if err != nil {
		return Document{}, false, fmt.Errorf("build select document: %w", err)
	}

	var (
		out     Document
		created bool
	)
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		var err error
		out, err = scanDocument(tx.QueryRow(ctx, insertSQL, insertArgs...))
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		out, err = scanDocument(tx.QueryRow(ctx, selectSQL, selectArgs...))
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	})
	if err != nil {
		return Document{}, false, err
	}
	return out, created, nil
}

// Get returns a non-archived document by id.
func (s *DocumentStore) Get(ctx context.Context, space tenant.Space, collection, id string, legacy bool) (Document, error) {
	cond, err := s.where(space, collection, Predicate{"id": id, "isArchived": false}, legacy)
	if err != nil {
		return Document{}, err
	}
	query, args, err := psql.Select(documentColumns).From(documentsTable).Where(cond).ToSql()
	if err != nil {
		return Document{}, fmt.Errorf("build get document: %w", err)
	}

	var out Document
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		var err error
		out, err = scanDocument(tx.QueryRow(ctx, query, args...))
		return err
	})
	return out, err
}

// Update shallow-merges patch into the document body and returns the states
// before and after. Immutable keys in patch are ignored.
func (s *DocumentStore) Update(ctx context.Context, space tenant.Space, collection, id string, patch map[string]any, actor string) (Document, Document, error) {
	patchJSON, err := json.Marshal(stripImmutable(patch))
	if err != nil {
		return Document{}, Document{}, fmt.Errorf("encode patch: %w", err)
	}
	return s.mutate(ctx, space, collection, id, map[string]any{
		"body":       sq.Expr("body || ?::jsonb", patchJSON),
		"updated_by": actor,
		"updated_at": sq.Expr("now()"),
	})
}

// Archive soft-deletes a document.
func (s *DocumentStore) Archive(ctx context.Context, space tenant.Space, collection, id, actor string, at time.Time) (Document, Document, error) {
	return s.mutate(ctx, space, collection, id, map[string]any{
		"is_archived": true,
		"archived_at": at,
		"updated_by":  actor,
		"updated_at":  sq.Expr("now()"),
	})
}

func (s *DocumentStore) mutate(ctx context.Context, space tenant.Space, collection, id string, set map[string]any) (Document, Document, error) {
	cond, err := s.where(space, collection, Predicate{"id": id, "isArchived": false}, false)
	if err != nil {
		return Document{}, Document{}, err
	}
	selectSQL, selectArgs, err := psql.Select(documentColumns).From(documentsTable).Where(cond).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return Document{}, Document{}, fmt.Errorf("build select document: %w", err)
	}
	updateSQL, updateArgs, err := psql.Update(documentsTable).SetMap(set).Where(cond).Suffix("RETURNING " + documentColumns).ToSql()
	if err != nil {
		return Document{}, Document{}, fmt.Errorf("build update document: %w", err)
	}

	var before, after Document
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		var err error
		if before, err = scanDocument(tx.QueryRow(ctx, selectSQL, selectArgs...)); err != nil {
			return err
		}
		after, err = scanDocument(tx.QueryRow(ctx, updateSQL, updateArgs...))
		return err
	})
	return before, after, err
}

// List returns documents of a collection, newest first, and the total count.
func (s *DocumentStore) List(ctx context.Context, space tenant.Space, collection string, q DocumentQuery) ([]Document, int, error) {
	filter := Predicate{}
	for k, v := range q.Filter {
		filter[k] = v
	}
	if !q.IncludeArchived {
		filter["isArchived"] = false
	}
	cond, err := s.where(space, collection, filter, q.Legacy)
	if err != nil {
		return nil, 0, err
	}

	var search sq.Sqlizer = sq.Expr("TRUE")
	if term := strings.TrimSpace(q.Search); term != "" {
		search = sq.Expr("to_tsvector('simple', body) @@ plainto_tsquery('simple', ?)", term)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultDocumentLimit
	}
	if limit > MaxDocumentLimit {
		limit = MaxDocumentLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From(documentsTable).Where(cond).Where(search).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count documents: %w", err)
	}
	listSQL, listArgs, err := psql.Select(documentColumns).From(documentsTable).Where(cond).Where(search).
		OrderBy("created_at DESC", "id").Limit(uint64(limit)).Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list documents: %w", err)
	}

	var (
		total int
		docs  = []Document{}
	)
	err = s.db.WithTenant(ctx, space, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
			return fmt.Errorf("count documents: %w", err)
		}
		rows, err := tx.Query(ctx, listSQL, listArgs...)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func stripImmutable(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	for _, key := range immutableKeys {
		delete(out, key)
	}
	for k := range out {
		if isTenantKey(k) {
			delete(out, k)
		}
	}
	return out
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc      Document
		tenantID *string
		body     []byte
	)
	if err := row.Scan(&doc.Collection, &doc.ID, &tenantID, &doc.ShortCode, &body, &doc.IsArchived, &doc.ArchivedAt,
		&doc.CreatedBy, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	if tenantID != nil {
		doc.TenantID = *tenantID
	}
	if err := json.Unmarshal(body, &doc.Body); err != nil {
		return Document{}, fmt.Errorf("decode document body: %w", err)
	}
	return doc, nil
}
