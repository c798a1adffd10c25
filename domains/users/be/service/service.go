package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/domains/users/be/repo"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
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

// Domain sentinel errors.
var (
	ErrNotFound         = errors.New("user not found")
	ErrConflict         = errors.New("user conflict")
	ErrUserLimitReached = errors.New("tenant user limit reached")
	ErrForbidden        = errors.New("role not assignable")
)

// User represents the domain view of a user record.
type User struct {
	ID          uuid.UUID
	TenantID    string
	Email       string
	FullName    string
	Role        platformauth.Role
	GroupID     *string
	Permissions []string
	IsActive    bool
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListOptions controls filtering and pagination.
type ListOptions struct {
	Email    *string
	Page     int
	PageSize int
}

// ListResult wraps a page of users with pagination metadata.
type ListResult struct {
	Users      []User
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// CreateInput represents the payload required to create a new user.
type CreateInput struct {
	Email       string
	FullName    string
	Role        string
	GroupID     *string
	Permissions []string
}

// Auditor records user mutations.
type Auditor interface {
	Record(ctx context.Context, space tenant.Space, entry audit.Entry, fn func(ctx context.Context) (any, error)) error
}

// Service defines the business operations for the users domain.
type Service interface {
	Create(ctx context.Context, input CreateInput) (User, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Get(ctx context.Context, id uuid.UUID) (User, error)
}

type service struct {
	repo  repo.Repository
	audit Auditor
}

// New constructs a users Service instance backed by the provided repository.
func New(r repo.Repository, auditor Auditor) Service {
	if r == nil {
		panic("users repository is required")
	}
	if auditor == nil {
		panic("auditor is required")
	}
	return &service{repo: r, audit: auditor}
}

func (s *service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	repoParams := persistence.ListUsersParams{
		Page:     page,
		PageSize: pageSize,
	}
	if opts.Email != nil && strings.TrimSpace(*opts.Email) != "" {
		email := strings.TrimSpace(*opts.Email)
		repoParams.Email = &email
	}

	result, err := s.repo.List(ctx, repoParams)
	if err != nil {
		return ListResult{}, err
	}

	users := make([]User, 0, len(result.Users))
	for _, record := range result.Users {
		users = append(users, mapUser(record))
	}

	totalPages := 0
	if result.TotalItems > 0 {
		totalPages = (result.TotalItems + pageSize - 1) / pageSize
	}

	return ListResult{
		Users:      users,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: result.TotalItems,
		TotalPages: totalPages,
	}, nil
}

// Create adds a user to the routed tenant. Tenant admins may not mint platform owners.
func (s *service) Create(ctx context.Context, input CreateInput) (User, error) {
	fieldErrors := FieldErrors{}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		fieldErrors.add("email", "email is required")
	} else if !strings.Contains(email, "@") {
		fieldErrors.add("email", "email must contain '@'")
	}

	fullName := strings.TrimSpace(input.FullName)
	if fullName == "" {
		fieldErrors.add("fullName", "fullName is required")
	}

	role := platformauth.RoleStaff
	if raw := strings.TrimSpace(input.Role); raw != "" {
		parsed, ok := platformauth.ParseRole(raw)
		if !ok {
			fieldErrors.add("role", "unknown role")
		}
		role = parsed
	}

	var groupID *string
	if input.GroupID != nil && strings.TrimSpace(*input.GroupID) != "" {
		g := strings.TrimSpace(*input.GroupID)
		groupID = &g
	}
	if role == platformauth.RoleGroupAdmin && groupID == nil {
		fieldErrors.add("groupId", "groupId is required for group-admin")
	}

	if len(fieldErrors) > 0 {
		return User{}, &ValidationError{Fields: fieldErrors}
	}
	if role == platformauth.RolePlatformOwner {
		return User{}, ErrForbidden
	}

	space, ok := tenant.FromContext(ctx)
	if !ok {
		return User{}, repo.ErrNoTenantSpace
	}

	params := persistence.CreateUserParams{
		UserID:      uuid.New(),
		Email:       email,
		FullName:    fullName,
		Role:        string(role),
		GroupID:     groupID,
		Permissions: input.Permissions,
	}
	var record persistence.User
	err := s.audit.Record(ctx, space, audit.Entry{
		EntityType: "user",
		EntityID:   params.UserID.String(),
		Action:     "create",
		After:      params,
	}, func(ctx context.Context) (any, error) {
		var err error
		record, err = s.repo.Create(ctx, params)
		if err != nil {
			return nil, err
		}
		return record, nil
	})
	if err != nil {
		return User{}, mapPersistenceError(err)
	}

	return mapUser(record), nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (User, error) {
	if id == uuid.Nil {
		return User{}, ErrNotFound
	}

	record, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, mapPersistenceError(err)
	}

	return mapUser(record), nil
}

func mapUser(record persistence.User) User {
	return User{
		ID:          record.UserID,
		TenantID:    record.TenantID,
		Email:       record.Email,
		FullName:    record.FullName,
		Role:        platformauth.Role(record.Role),
		GroupID:     record.GroupID,
		Permissions: append([]string(nil), record.Permissions...),
		IsActive:    record.IsActive,
		LastLoginAt: record.LastLoginAt,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrUserNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrUserConflict):
		return ErrConflict
	case errors.Is(err, persistence.ErrUserLimitReached):
		return ErrUserLimitReached
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
