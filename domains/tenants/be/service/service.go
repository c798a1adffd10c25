package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
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

// Errors returned by the service layer.
var (
	ErrNotFound          = errors.New("tenant not found")
	ErrConflict          = errors.New("tenant already exists")
	ErrUserConflict      = errors.New("user already exists")
	ErrUserLimitReached  = errors.New("tenant user limit reached")
	defaultEntitlements  = []tenant.PlatformKey{tenant.PlatformSAM, tenant.PlatformHealth}
	allowedPlanTypes     = map[string]struct{}{"demo": {}, "paid": {}}
	allowedCreateStatuses = map[tenant.Status]struct{}{tenant.StatusActive: {}, tenant.StatusBlocked: {}}
)

const (
	defaultMaxUsers = 10
	defaultPlanType = "demo"
	statsFanOut     = 8

	auditEntityTenant = "tenant"
	auditEntityUser   = "user"
)

// Tenant is the owner-console view of a registry entry.
type Tenant struct {
	TenantID           string               `json:"tenantId"`
	Name               string               `json:"name"`
	SchemaName         string               `json:"schemaName"`
	Status             tenant.Status        `json:"status"`
	Entitlements       []tenant.PlatformKey `json:"entitlements"`
	PlanType           string               `json:"planType"`
	MaxUsers           int                  `json:"maxUsers"`
	SubscriptionEndsAt *time.Time           `json:"subscriptionEndsAt,omitempty"`
	CreatedBy          string               `json:"createdBy,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
}

// CreateInput is the create-tenant payload. Nil optionals take their defaults.
type CreateInput struct {
	TenantID           string
	Name               string
	Entitlements       []string
	Status             *string
	PlanType           *string
	MaxUsers           *int
	SubscriptionEndsAt *time.Time
	CreatedBy          string
}

// UpdateInput carries the owner-editable fields.
type UpdateInput struct {
	Name                    *string
	Status                  *string
	Entitlements            *[]string
	PlanType                *string
	MaxUsers                *int
	SubscriptionEndsAt      *time.Time
	ClearSubscriptionEndsAt bool
}

// ListOptions captures filters and pagination.
type ListOptions struct {
	Status   *string
	Page     int
	PageSize int
}

// Stats aggregates usage across every tenant.
type Stats struct {
	TotalTenants   int
	ActiveTenants  int
	BlockedTenants int
	TotalUsers     int
}

// ListResult wraps a page of tenants with the aggregated stats.
type ListResult struct {
	Tenants    []Tenant
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
	Stats      Stats
}

// AdminInput creates a tenant's first administrator.
type AdminInput struct {
	Email    string
	FullName string
}

// Admin is the created administrator.
type Admin struct {
	UserID    uuid.UUID
	TenantID  string
	Email     string
	FullName  string
	Role      string
	CreatedAt time.Time
}

// Repository abstracts the tenant registry.
type Repository interface {
	Create(ctx context.Context, rec persistence.TenantRecord) (persistence.TenantRecord, error)
	Get(ctx context.Context, tenantID string) (persistence.TenantRecord, error)
	List(ctx context.Context, params persistence.ListTenantsParams) ([]persistence.TenantRecord, int, error)
	Update(ctx context.Context, tenantID string, update persistence.TenantUpdate) (persistence.TenantRecord, persistence.TenantRecord, error)
	StatusCounts(ctx context.Context) (map[tenant.Status]int, error)
	ProvisionedSpaces(ctx context.Context) ([]tenant.Space, error)
}

// Partitions creates tenant partitions and forgets cached routes.
type Partitions interface {
	Ensure(ctx context.Context, space tenant.Space) error
	Invalidate(tenantID string)
}

// Users reaches into a tenant partition's users table.
type Users interface {
	CountUsers(ctx context.Context, space tenant.Space) (int, error)
	CreateUser(ctx context.Context, space tenant.Space, params persistence.CreateUserParams, maxUsers int) (persistence.User, error)
}

// Auditor records owner mutations in the target tenant's partition.
type Auditor interface {
	Record(ctx context.Context, space tenant.Space, entry audit.Entry, fn func(ctx context.Context) (any, error)) error
}

// Service defines the owner-console operations.
type Service interface {
	Create(ctx context.Context, input CreateInput) (Tenant, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Update(ctx context.Context, tenantID string, input UpdateInput) (Tenant, error)
	CreateAdmin(ctx context.Context, tenantID string, input AdminInput) (Admin, error)
}

type Config struct {
	Repo       Repository
	Partitions Partitions
	Users      Users
	Audit      Auditor
	EnvKey     string
	Logger     *zap.Logger
}

type service struct {
	repo       Repository
	partitions Partitions
	users      Users
	audit      Auditor
	envKey     string
	logger     *zap.Logger
}

// New constructs the owner-console service.
func New(cfg Config) Service {
	if cfg.Repo == nil || cfg.Partitions == nil || cfg.Users == nil || cfg.Audit == nil {
		panic("tenants service requires repo, partitions, users and audit")
	}
	if cfg.EnvKey == "" {
		panic("envKey is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &service{
		repo:       cfg.Repo,
		partitions: cfg.Partitions,
		users:      cfg.Users,
		audit:      cfg.Audit,
		envKey:     cfg.EnvKey,
		logger:     cfg.Logger,
	}
}

func (s *service) Create(ctx context.Context, input CreateInput) (Tenant, error) {
	fieldErrors := FieldErrors{}

	tenantID, err := tenant.NormalizeTenantID(input.TenantID)
	if err != nil {
		fieldErrors.add("tenantId", err.Error())
	}

	entitlements, entErr := parseEntitlements(input.Entitlements)
	if entErr != nil {
		fieldErrors.add("entitlements", entErr.Error())
	}
	if input.Entitlements == nil {
		entitlements = append([]tenant.PlatformKey(nil), defaultEntitlements...)
	}

	status := tenant.StatusActive
	if input.Status != nil {
		status = tenant.Status(strings.TrimSpace(*input.Status))
		if _, ok := allowedCreateStatuses[status]; !ok {
			fieldErrors.add("status", "status must be active or blocked")
		}
	}

	planType := defaultPlanType
	if input.PlanType != nil {
		planType = strings.TrimSpace(*input.PlanType)
		if _, ok := allowedPlanTypes[planType]; !ok {
			fieldErrors.add("planType", "planType must be demo or paid")
		}
	}

	maxUsers := defaultMaxUsers
	if input.MaxUsers != nil {
		maxUsers = *input.MaxUsers
		if maxUsers < 1 {
			fieldErrors.add("maxUsers", "maxUsers must be at least 1")
		}
	}

	if len(fieldErrors) > 0 {
		return Tenant{}, &ValidationError{Fields: fieldErrors}
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = tenantID
	}
	schema := tenant.BuildSchemaName(s.envKey, tenantID)

	rec, err := s.repo.Create(ctx, persistence.TenantRecord{
		TenantID:           tenantID,
		Name:               name,
		SchemaName:         schema,
		RoleName:           tenant.BuildRoleName(schema),
		Status:             status,
		Entitlements:       entitlements,
		PlanType:           planType,
		MaxUsers:           maxUsers,
		SubscriptionEndsAt: input.SubscriptionEndsAt,
		CreatedBy:          input.CreatedBy,
	})
	if err != nil {
		return Tenant{}, mapPersistenceError(err)
	}

	space := rec.Space()
	logger := platformlogging.For(ctx, s.logger).With(zap.String("tenant_id", tenantID))
	created := mapTenant(rec)
	if err := s.partitions.Ensure(ctx, space); err != nil {
		// The partition is created again on first route, but the audit trail
		// lives inside it, so this creation has nowhere to be recorded.
		logger.Warn("tenant created without partition, creation not audited",
			zap.String("schema", schema), zap.Error(err))
		return created, nil
	}

	// The tenant row is already committed; the record documents it in the new partition.
	err = s.audit.Record(ctx, space, audit.Entry{
		EntityType: auditEntityTenant,
		EntityID:   tenantID,
		Action:     "create",
		After:      created,
	}, func(context.Context) (any, error) { return created, nil })
	if err != nil {
		return Tenant{}, err
	}

	logger.Info("tenant created", zap.String("schema", schema))
	return created, nil
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

	params := persistence.ListTenantsParams{Limit: pageSize, Offset: (page - 1) * pageSize}
	if opts.Status != nil && strings.TrimSpace(*opts.Status) != "" {
		status := tenant.Status(strings.TrimSpace(*opts.Status))
		if !status.Valid() {
			return ListResult{}, newValidationError("status", "status must be active, blocked or expired")
		}
		params.Status = &status
	}

	var (
		records []persistence.TenantRecord
		total   int
		stats   Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, total, err = s.repo.List(gctx, params)
		return err
	})
	g.Go(func() error {
		var err error
		stats, err = s.stats(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return ListResult{}, err
	}

	tenants := make([]Tenant, 0, len(records))
	for _, rec := range records {
		tenants = append(tenants, mapTenant(rec))
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return ListResult{
		Tenants:    tenants,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
		Stats:      stats,
	}, nil
}

// stats counts tenants by status and users across every provisioned
// partition. A partition whose count fails contributes zero.
func (s *service) stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.StatusCounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count tenants: %w", err)
	}
	spaces, err := s.repo.ProvisionedSpaces(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list partitions: %w", err)
	}

	userCounts := make([]int, len(spaces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsFanOut)
	for i, space := range spaces {
		g.Go(func() error {
			n, err := s.users.CountUsers(gctx, space)
			if err != nil {
				platformlogging.For(ctx, s.logger).Warn("count tenant users",
					zap.String("tenant_id", space.TenantID), zap.Error(err))
				return nil
			}
			userCounts[i] = n
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		ActiveTenants:  counts[tenant.StatusActive],
		BlockedTenants: counts[tenant.StatusBlocked],
	}
	for _, n := range counts {
		stats.TotalTenants += n
	}
	for _, n := range userCounts {
		stats.TotalUsers += n
	}
	return stats, nil
}

func (s *service) Update(ctx context.Context, tenantID string, input UpdateInput) (Tenant, error) {
	update, err := buildUpdate(input)
	if err != nil {
		return Tenant{}, err
	}

	current, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return Tenant{}, mapPersistenceError(err)
	}

	var after persistence.TenantRecord
	err = s.audit.Record(ctx, current.Space(), audit.Entry{
		EntityType: auditEntityTenant,
		EntityID:   current.TenantID,
		Action:     "update",
		Before:     mapTenant(current),
		After:      mapTenant(update.Apply(current)),
	}, func(ctx context.Context) (any, error) {
		var err error
		_, after, err = s.repo.Update(ctx, current.TenantID, update)
		if err != nil {
			return nil, err
		}
		return mapTenant(after), nil
	})
	if err != nil {
		return Tenant{}, mapPersistenceError(err)
	}

	s.partitions.Invalidate(current.TenantID)
	platformlogging.For(ctx, s.logger).Info("tenant updated",
		zap.String("tenant_id", current.TenantID), zap.String("status", string(after.Status)))
	return mapTenant(after), nil
}

func (s *service) CreateAdmin(ctx context.Context, tenantID string, input AdminInput) (Admin, error) {
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
	if len(fieldErrors) > 0 {
		return Admin{}, &ValidationError{Fields: fieldErrors}
	}

	rec, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return Admin{}, mapPersistenceError(err)
	}
	space := rec.Space()
	if err := s.partitions.Ensure(ctx, space); err != nil {
		return Admin{}, fmt.Errorf("provision tenant partition: %w", err)
	}

	params := persistence.CreateUserParams{
		UserID:   uuid.New(),
		Email:    email,
		FullName: fullName,
		Role:     "admin",
	}
	var created persistence.User
	err = s.audit.Record(ctx, space, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   params.UserID.String(),
		Action:     "create-admin",
		After:      params,
	}, func(ctx context.Context) (any, error) {
		var err error
		created, err = s.users.CreateUser(ctx, space, params, rec.MaxUsers)
		if err != nil {
			return nil, err
		}
		return created, nil
	})
	if err != nil {
		return Admin{}, mapPersistenceError(err)
	}

	return Admin{
		UserID:    created.UserID,
		TenantID:  rec.TenantID,
		Email:     created.Email,
		FullName:  created.FullName,
		Role:      created.Role,
		CreatedAt: created.CreatedAt,
	}, nil
}

func buildUpdate(input UpdateInput) (persistence.TenantUpdate, error) {
	fieldErrors := FieldErrors{}
	update := persistence.TenantUpdate{
		SubscriptionEndsAt:      input.SubscriptionEndsAt,
		ClearSubscriptionEndsAt: input.ClearSubscriptionEndsAt,
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			fieldErrors.add("name", "name cannot be empty")
		}
		update.Name = &name
	}
	if input.Status != nil {
		status := tenant.Status(strings.TrimSpace(*input.Status))
		if !status.Valid() {
			fieldErrors.add("status", "status must be active, blocked or expired")
		}
		update.Status = &status
	}
	if input.Entitlements != nil {
		keys, err := parseEntitlements(*input.Entitlements)
		if err != nil {
			fieldErrors.add("entitlements", err.Error())
		}
		update.Entitlements = &keys
	}
	if input.PlanType != nil {
		planType := strings.TrimSpace(*input.PlanType)
		if _, ok := allowedPlanTypes[planType]; !ok {
			fieldErrors.add("planType", "planType must be demo or paid")
		}
		update.PlanType = &planType
	}
	if input.MaxUsers != nil {
		if *input.MaxUsers < 1 {
			fieldErrors.add("maxUsers", "maxUsers must be at least 1")
		}
		update.MaxUsers = input.MaxUsers
	}

	if input.Name == nil && input.Status == nil && input.Entitlements == nil && input.PlanType == nil &&
		input.MaxUsers == nil && input.SubscriptionEndsAt == nil && !input.ClearSubscriptionEndsAt {
		fieldErrors.add("payload", "at least one field must be provided")
	}

	if len(fieldErrors) > 0 {
		return persistence.TenantUpdate{}, &ValidationError{Fields: fieldErrors}
	}
	return update, nil
}

func parseEntitlements(raw []string) ([]tenant.PlatformKey, error) {
	keys := make([]tenant.PlatformKey, 0, len(raw))
	seen := map[tenant.PlatformKey]struct{}{}
	for _, item := range raw {
		key, err := tenant.ParsePlatformKey(item)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

func mapTenant(rec persistence.TenantRecord) Tenant {
	return Tenant{
		TenantID:           rec.TenantID,
		Name:               rec.Name,
		SchemaName:         rec.SchemaName,
		Status:             rec.Status,
		Entitlements:       append([]tenant.PlatformKey(nil), rec.Entitlements...),
		PlanType:           rec.PlanType,
		MaxUsers:           rec.MaxUsers,
		SubscriptionEndsAt: rec.SubscriptionEndsAt,
		CreatedBy:          rec.CreatedBy,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrTenantNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrTenantConflict):
		return ErrConflict
	case errors.Is(err, persistence.ErrUserConflict):
		return ErrUserConflict
	case errors.Is(err, persistence.ErrUserLimitReached):
		return ErrUserLimitReached
	default:
		return err
	}
}

func newValidationError(field, message string) error {
	fe := FieldErrors{}
	fe.add(field, message)
	return &ValidationError{Fields: fe}
}

func (f FieldErrors) add(field, message string) {
	if f == nil {
		return
	}
	f[field] = append(f[field], message)
}
