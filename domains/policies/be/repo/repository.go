package repo

import (
	"context"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// PoliciesCollection is the partition collection holding the policy library.
var PoliciesCollection = tenant.CollectionName(tenant.PlatformSAM, "policies")

// Repository is the policy collection of a tenant partition.
type Repository interface {
	Insert(ctx context.Context, space tenant.Space, doc persistence.Document) (persistence.Document, bool, error)
	Get(ctx context.Context, space tenant.Space, id string) (persistence.Document, error)
	List(ctx context.Context, space tenant.Space, q persistence.DocumentQuery) ([]persistence.Document, int, error)
}

type documentRepository struct {
	store  *persistence.DocumentStore
	legacy func() bool
}

// NewDocumentRepository binds the document store to the policy collection.
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
	return r.store.Insert(ctx, space, PoliciesCollection, doc)
}

func (r *documentRepository) Get(ctx context.Context, space tenant.Space, id string) (persistence.Document, error) {
	return r.store.Get(ctx, space, PoliciesCollection, id, r.legacy())
}

func (r *documentRepository) List(ctx context.Context, space tenant.Space, q persistence.DocumentQuery) ([]persistence.Document, int, error) {
	q.Legacy = r.legacy()
	return r.store.List(ctx, space, PoliciesCollection, q)
}
