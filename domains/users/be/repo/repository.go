package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// ErrNoTenantSpace is returned when the request was never routed to a tenant partition.
var ErrNoTenantSpace = errors.New("tenant space missing from context")

// Repository defines the persistence operations required by the users service.
// Every call reads the routed tenant space from the context.
type Repository interface {
	Create(ctx context.Context, params persistence.CreateUserParams) (persistence.User, error)
	List(ctx context.Context, params persistence.ListUsersParams) (persistence.ListUsersResult, error)
	Get(ctx context.Context, id uuid.UUID) (persistence.User, error)
}

type postgresRepository struct {
	store *persistence.UserStore
}

// NewPostgresRepository constructs a repository backed by the shared persistence layer.
func NewPostgresRepository(store *persistence.UserStore) Repository {
	if store == nil {
		panic("user store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) List(ctx context.Context, params persistence.ListUsersParams) (persistence.ListUsersResult, error) {
	space, err := requireTenantSpace(ctx)
	if err != nil {
		return persistence.ListUsersResult{}, err
	}
	return r.store.ListUsers(ctx, space, params)
}

// Create enforces the routed tenant's maxUsers.
func (r *postgresRepository) Create(ctx context.Context, params persistence.CreateUserParams) (persistence.User, error) {
	space, err := requireTenantSpace(ctx)
	if err != nil {
		return persistence.User{}, err
	}
	return r.store.CreateUser(ctx, space, params, space.MaxUsers)
}

func (r *postgresRepository) Get(ctx context.Context, id uuid.UUID) (persistence.User, error) {
	space, err := requireTenantSpace(ctx)
	if err != nil {
		return persistence.User{}, err
	}
	return r.store.GetUser(ctx, space, id)
}

func requireTenantSpace(ctx context.Context) (tenant.Space, error) {
	space, ok := tenant.FromContext(ctx)
	if !ok {
		return tenant.Space{}, ErrNoTenantSpace
	}
	return space, nil
}
