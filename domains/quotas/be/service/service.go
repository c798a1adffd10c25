package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/quota"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when the input payload is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

var (
	ErrNotFound  = errors.New("quota not found")
	ErrConflict  = errors.New("active quota already exists")
	ErrForbidden = errors.New("quota outside caller's scope")
)

const auditEntity = "usage_quota"

// CreateInput is the admin payload for a new quota.
type CreateInput struct {
	ScopeType  string
	ScopeID    string
	FeatureKey string
	Limit      *int64
	StartsAt   *time.Time
	EndsAt     *time.Time
}

// UpdateInput changes limit, status or window end.
type UpdateInput struct {
	Limit  *int64
	Status *string
	EndsAt *time.Time
}

// Peeker reports an allowance without consuming it.
type Peeker interface {
	Peek(ctx context.Context, space tenant.Space, subject quota.Subject, featureKey string) (quota.Snapshot, error)
}

// Auditor records quota mutations.
type Auditor interface {
	Record(ctx context.Context, space tenant.Space, entry audit.Entry, fn func(ctx context.Context) (any, error)) error
}

// Service administers usage quotas within the routed tenant.
type Service struct {
	store quota.Store
	guard Peeker
	audit Auditor
}

func New(store quota.Store, guard Peeker, auditor Auditor) *Service {
	if store == nil || guard == nil || auditor == nil {
		panic("quotas service requires store, guard and auditor")
	}
	return &Service{store: store, guard: guard, audit: auditor}
}

// List returns the tenant's quotas. Group admins only see their own group's quotas.
func (s *Service) List(ctx context.Context, space tenant.Space, session platformauth.Session, featureKey string) ([]quota.Quota, error) {
	filter := quota.ListFilter{}
	if featureKey = strings.TrimSpace(featureKey); featureKey != "" {
		filter.FeatureKey = &featureKey
	}
	if session.Role == platformauth.RoleGroupAdmin {
		scope := quota.ScopeGroup
		group := session.GroupID
		filter.ScopeType = &scope
		filter.ScopeID = &group
	}
	return s.store.List(ctx, space, filter)
}

// Create stores a new active quota. A quota bounded only by endsAt stores the
// sentinel limit.
func (s *Service) Create(ctx context.Context, space tenant.Space, session platformauth.Session, input CreateInput) (quota.Quota, error) {
	fieldErrors := FieldErrors{}

	scopeType := quota.ScopeType(strings.TrimSpace(input.ScopeType))
	if scopeType != quota.ScopeUser && scopeType != quota.ScopeGroup {
		fieldErrors.add("scopeType", "scopeType must be user or group")
	}
	scopeID := strings.TrimSpace(input.ScopeID)
	if scopeID == "" {
		fieldErrors.add("scopeId", "scopeId is required")
	}
	featureKey := strings.TrimSpace(input.FeatureKey)
	if featureKey == "" {
		fieldErrors.add("featureKey", "featureKey is required")
	}
	if input.Limit == nil && input.EndsAt == nil {
		fieldErrors.add("limit", "limit or endsAt is required")
	}
	if input.Limit != nil && *input.Limit < 1 {
		fieldErrors.add("limit", "limit must be at least 1")
	}
	if input.StartsAt != nil && input.EndsAt != nil && input.EndsAt.Before(*input.StartsAt) {
		fieldErrors.add("endsAt", "endsAt must be after startsAt")
	}
	if len(fieldErrors) > 0 {
		return quota.Quota{}, &ValidationError{Fields: fieldErrors}
	}

	if session.Role == platformauth.RoleGroupAdmin &&
		(scopeType != quota.ScopeGroup || session.GroupID == "" || scopeID != session.GroupID) {
		return quota.Quota{}, ErrForbidden
	}

	limit := quota.SentinelLimit
	if input.Limit != nil {
		limit = *input.Limit
	}

	draft := quota.Quota{
		ID:         uuid.New(),
		TenantID:   space.TenantID,
		ScopeType:  scopeType,
		ScopeID:    scopeID,
		FeatureKey: featureKey,
		Limit:      limit,
		Status:     quota.StatusActive,
		StartsAt:   input.StartsAt,
		EndsAt:     input.EndsAt,
		CreatedBy:  session.UserID,
	}
	var created quota.Quota
	err := s.audit.Record(ctx, space, audit.Entry{EntityType: auditEntity, EntityID: draft.ID.String(), Action: "create", After: draft},
		func(ctx context.Context) (any, error) {
			var err error
			created, err = s.store.Create(ctx, space, draft)
			if err != nil {
				return nil, err
			}
			return created, nil
		})
	if err != nil {
		return quota.Quota{}, mapStoreError(err)
	}
	return created, nil
}

// Update applies an admin patch.
func (s *Service) Update(ctx context.Context, space tenant.Space, session platformauth.Session, id uuid.UUID, input UpdateInput) (quota.Quota, error) {
	fieldErrors := FieldErrors{}
	patch := quota.Patch{Limit: input.Limit, EndsAt: input.EndsAt}
	if input.Limit != nil && *input.Limit < 1 {
		fieldErrors.add("limit", "limit must be at least 1")
	}
	if input.Status != nil {
		status := quota.Status(strings.TrimSpace(*input.Status))
		if status != quota.StatusActive && status != quota.StatusLocked {
			fieldErrors.add("status", "status must be active or locked")
		}
		patch.Status = &status
	}
	if input.Limit == nil && input.Status == nil && input.EndsAt == nil {
		fieldErrors.add("payload", "at least one field must be provided")
	}
	if len(fieldErrors) > 0 {
		return quota.Quota{}, &ValidationError{Fields: fieldErrors}
	}

	current, err := s.store.Get(ctx, space, id)
	if err != nil {
		return quota.Quota{}, mapStoreError(err)
	}
	if session.Role == platformauth.RoleGroupAdmin &&
		(current.ScopeType != quota.ScopeGroup || current.ScopeID != session.GroupID) {
		return quota.Quota{}, ErrNotFound
	}

	var after quota.Quota
	entry := audit.Entry{EntityType: auditEntity, EntityID: id.String(), Action: "update", Before: current, After: patch.Apply(current)}
	err = s.audit.Record(ctx, space, entry,
		func(ctx context.Context) (any, error) {
			var err error
			_, after, err = s.store.Update(ctx, space, id, patch)
			if err != nil {
				return nil, err
			}
			return after, nil
		})
	if err != nil {
		return quota.Quota{}, mapStoreError(err)
	}
	return after, nil
}

// Allowance reports the caller's remaining allowance for featureKey.
func (s *Service) Allowance(ctx context.Context, space tenant.Space, session platformauth.Session, featureKey string) (quota.Snapshot, error) {
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		fe := FieldErrors{}
		fe.add("featureKey", "featureKey is required")
		return quota.Snapshot{}, &ValidationError{Fields: fe}
	}
	return s.guard.Peek(ctx, space, quota.Subject{UserID: session.UserID, GroupID: session.GroupID}, featureKey)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, quota.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, quota.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}

func (f FieldErrors) add(field, message string) {
	if f == nil {
		return
	}
	f[field] = append(f[field], message)
}
