package tenant

import (
	"context"
	"slices"
)

// Status is the lifecycle state of a tenant record.
type Status string

const (
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
	StatusExpired Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusBlocked, StatusExpired:
		return true
	default:
		return false
	}
}

// Space is the routed storage handle for a single tenant. Middleware attaches it
// to the request context once the active tenant from the session has been routed,
// and every tenant-owned read or write takes it explicitly.
type Space struct {
	TenantID     string
	SchemaName   string
	RoleName     string
	Status       Status
	Entitlements []PlatformKey
	MaxUsers     int
}

// Entitled reports whether the tenant may use the given platform module.
// Expired tenants keep their partition but lose every entitlement.
func (s Space) Entitled(key PlatformKey) bool {
	if s.Status != StatusActive {
		return false
	}
	return slices.Contains(s.Entitlements, key)
}

type ctxKey string

const spaceKey ctxKey = "HOSPITAL_OPS_TENANT_SPACE"

// WithSpace returns a derived context carrying the tenant Space.
func WithSpace(ctx context.Context, space Space) context.Context {
	return context.WithValue(ctx, spaceKey, space)
}

// FromContext extracts the tenant Space and a boolean indicating presence.
func FromContext(ctx context.Context) (Space, bool) {
	v := ctx.Value(spaceKey)
	if v == nil {
		return Space{}, false
	}

	space, ok := v.(Space)
	return space, ok
}
