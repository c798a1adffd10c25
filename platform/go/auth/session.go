package auth

import (
	"context"
	"time"
)

// Role is the coarse-grained role carried by a session.
type Role string

const (
	RolePlatformOwner Role = "platform-owner"
	RoleAdmin         Role = "admin"
	RoleGroupAdmin    Role = "group-admin"
	RoleSupervisor    Role = "supervisor"
	RoleStaff         Role = "staff"
	RoleViewer        Role = "viewer"
)

// ParseRole validates a raw role value.
func ParseRole(raw string) (Role, bool) {
	switch r := Role(raw); r {
	case RolePlatformOwner, RoleAdmin, RoleGroupAdmin, RoleSupervisor, RoleStaff, RoleViewer:
		return r, true
	default:
		return "", false
	}
}

// RequiresTenant reports whether sessions with this role must carry an active tenant.
// Platform owners may operate the owner console without selecting a tenant.
func (r Role) RequiresTenant() bool {
	return r != RolePlatformOwner
}

// Session is the resolved identity of a request. It is produced once at the
// boundary by the Resolver and passed down explicitly; nothing below the
// boundary reads identity from the raw request.
type Session struct {
	ID             string
	UserID         string
	Role           Role
	ActiveTenantID string
	GroupID        string
	Permissions    []string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// HasTenant reports whether a tenant has been selected for the session.
func (s Session) HasTenant() bool {
	return s.ActiveTenantID != ""
}

// Capabilities returns the authorization view of the session.
func (s Session) Capabilities() Capabilities {
	return Capabilities{Role: s.Role, Permissions: s.Permissions}
}

type ctxKey string

const ctxSession ctxKey = "HOSPITAL_OPS_SESSION"

// WithSession stores the session on the context.
func WithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, ctxSession, session)
}

// SessionFromContext extracts the session set by the session middleware.
func SessionFromContext(ctx context.Context) (Session, bool) {
	v := ctx.Value(ctxSession)
	if v == nil {
		return Session{}, false
	}
	s, ok := v.(Session)
	return s, ok
}
