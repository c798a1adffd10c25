// Package quota resolves and enforces per-user and per-group usage quotas.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// ScopeType is the entity a quota applies to.
type ScopeType string

const (
	ScopeUser  ScopeType = "user"
	ScopeGroup ScopeType = "group"
)

// Status of a quota. Locked quotas are administratively disabled and not enforced.
type Status string

const (
	StatusActive Status = "active"
	StatusLocked Status = "locked"
)

// SentinelLimit stands in for "no count limit" on quotas bounded only by endsAt.
const SentinelLimit int64 = 999999

// ReasonQuotaReached is the machine-readable denial reason.
const ReasonQuotaReached = "DEMO_QUOTA_REACHED"

var (
	ErrNotFound = errors.New("quota not found")
	// ErrConflict is returned when an active quota already exists for the same scope and feature.
	ErrConflict = errors.New("active quota already exists")
)

// Quota is a UsageQuota record.
type Quota struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   string     `json:"tenantId"`
	ScopeType  ScopeType  `json:"scopeType"`
	ScopeID    string     `json:"scopeId"`
	FeatureKey string     `json:"featureKey"`
	Limit      int64      `json:"limit"`
	Used       int64      `json:"used"`
	Status     Status     `json:"status"`
	StartsAt   *time.Time `json:"startsAt,omitempty"`
	EndsAt     *time.Time `json:"endsAt,omitempty"`
	CreatedBy  string     `json:"createdBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// InWindow reports whether now falls inside [StartsAt, EndsAt].
func (q Quota) InWindow(now time.Time) bool {
	if q.StartsAt != nil && now.Before(*q.StartsAt) {
		return false
	}
	if q.EndsAt != nil && now.After(*q.EndsAt) {
		return false
	}
	return true
}

// Available returns the remaining allowance, never negative.
func (q Quota) Available() int64 {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// Key identifies the scope a quota lookup targets.
type Key struct {
	ScopeType  ScopeType
	ScopeID    string
	FeatureKey string
}

// Patch carries admin-editable fields. Nil fields are left untouched.
type Patch struct {
	Limit  *int64
	Status *Status
	EndsAt *time.Time
}

// Apply returns q with the patch's fields applied.
func (p Patch) Apply(q Quota) Quota {
	if p.Limit != nil {
		q.Limit = *p.Limit
	}
	if p.Status != nil {
		q.Status = *p.Status
	}
	if p.EndsAt != nil {
		endsAt := *p.EndsAt
		q.EndsAt = &endsAt
	}
	return q
}

// ListFilter narrows List.
type ListFilter struct {
	ScopeType  *ScopeType
	ScopeID    *string
	FeatureKey *string
}

// Store persists quotas inside a tenant partition. Increment must be a single
// conditional write: it bumps used only while used < limit, the quota is active
// and now is inside its window, and reports false when nothing matched.
type Store interface {
	FindApplicable(ctx context.Context, space tenant.Space, key Key, now time.Time) (Quota, error)
	Increment(ctx context.Context, space tenant.Space, id uuid.UUID, now time.Time) (Quota, bool, error)
	Get(ctx context.Context, space tenant.Space, id uuid.UUID) (Quota, error)
	Create(ctx context.Context, space tenant.Space, q Quota) (Quota, error)
	Update(ctx context.Context, space tenant.Space, id uuid.UUID, patch Patch) (before, after Quota, err error)
	List(ctx context.Context, space tenant.Space, filter ListFilter) ([]Quota, error)
}
