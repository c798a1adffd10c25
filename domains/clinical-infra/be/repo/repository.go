package repo

import (
	"context"
	"time"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Repository is the bed collection of a tenant partition.
type Repository interface {
	Insert(ctx context.Context, space tenant.Space, doc persistence.Document) (persistence.Document, bool, error)
	Get(ctx context.Context, space tenant.Space, id string) (persistence.Document, error)
	Update(ctx context.Context, space tenant.Space, id string, patch map[string]any, actor string) (before, after persistence.Document, err error)
	Archive(ctx context.Context, space tenant.Space, id, actor string, at time.Time) (before, after persistence.Document, err error)
	List(ctx context.Context, space tenant.Space, q persistence.DocumentQuery) ([]persistence.Document, int, error)
}

// BedsCollection is the partition collection holding beds.
var BedsCollection = tenant.CollectionName(tenant.PlatformHealth, "beds")

type documentRepository struct {
	store  *persistence.DocumentStore
	legacy func() bool
}

// NewDocumentRepository binds the document store to the beds collection.
// legacy reports whether reads should still match rows written before tenant
// ids were stamped; nil means never.
func NewDocumentRepository(store *persistence.DocumentStore, legacy func() bool) Repository {
	if store == nil {
		panic("document store is required")
	}
	if legacy == nil {
		legacy = func() bool { return false }
	}
	return &documentRepository{store: store, legacy: legacy}
}

func (r *documentRepository) Insert(ctx context.Context, space tenant.Space, doc persistence.Document) (persistence.Document, bool, error) {
	return r.store.Insert(ctx, space, BedsCollection, doc)
}

func (r *documentRepository) Get(ctx context.Context, space tenant.Space, id string) (persistence.Document, error) {
	return r.store.Get(ctx, space, BedsCollection, id, r.legacy())
}

func (r *documentRepository) Update(ctx context.Context, space tenant.Space, id string, patch map[string]any, actor string) (persistence.Document, persistence.Document, error) {
	return r.store.Update(ctx, space, BedsCollection, id, patch, actor)
}

func (r *documentRepository) Archive(ctx context.Context, space tenant.Space, id, actor string, at time.Time) (persistence.Document, persistence.Document, error) {
	return r.store.Archive(ctx, space, BedsCollection, id, actor, at)
}

func (r *documentRepository) List(ctx context.Context, space tenant.Space, q persistence.DocumentQuery) ([]persistence.Document, int, error) {
	q.Legacy = r.legacy()
	return r.store.List(ctx, space, BedsCollection, q)
}
