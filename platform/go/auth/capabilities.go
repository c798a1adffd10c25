package auth

import (
	"errors"
	"slices"
)

// ErrForbidden is returned when a capability check fails.
var ErrForbidden = errors.New("forbidden")

// Permission names a fine-grained capability granted to a user.
type Permission string

const (
	PermBedsRead      Permission = "clinical-infra.beds.read"
	PermBedsWrite     Permission = "clinical-infra.beds.write"
	PermPoliciesRead  Permission = "policies.read"
	PermPoliciesWrite Permission = "policies.write"
	PermUsersManage   Permission = "users.manage"
	PermQuotasManage  Permission = "quotas.manage"
	PermAuditRead     Permission = "audit.read"
)

// Capabilities is the {role, permissions} pair every authorization decision is evaluated against.
type Capabilities struct {
	Role        Role
	Permissions []string
}

// Authorize passes when the permission is granted explicitly or the role is
// admin or platform-owner.
func Authorize(caps Capabilities, perm Permission) error {
	if caps.Role == RoleAdmin || caps.Role == RolePlatformOwner {
		return nil
	}
	if slices.Contains(caps.Permissions, string(perm)) {
		return nil
	}
	return ErrForbidden
}

// HasRole reports whether caps carries any of the roles.
func HasRole(caps Capabilities, roles ...Role) bool {
	return slices.Contains(roles, caps.Role)
}
