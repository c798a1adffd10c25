package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

type memoryRepo struct {
	mu        sync.Mutex
	records   map[string]persistence.TenantRecord
	updateErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: map[string]persistence.TenantRecord{}}
}

func (m *memoryRepo) Create(_ context.Context, rec persistence.TenantRecord) (persistence.TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.TenantID]; ok {
		return persistence.TenantRecord{}, persistence.ErrTenantConflict
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[rec.TenantID] = rec
	return rec, nil
}

func (m *memoryRepo) Get(_ context.Context, tenantID string) (persistence.TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tenantID]
	if !ok {
		return persistence.TenantRecord{}, persistence.ErrTenantNotFound
	}
	return rec, nil
}

func (m *memoryRepo) List(_ context.Context, params persistence.ListTenantsParams) ([]persistence.TenantRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persistence.TenantRecord
	for _, rec := range m.records {
		if params.Status != nil && rec.Status != *params.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	total := len(out)
	if params.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[params.Offset:]
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, total, nil
}

func (m *memoryRepo) Update(_ context.Context, tenantID string, update persistence.TenantUpdate) (persistence.TenantRecord, persistence.TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.records[tenantID]
	if !ok {
		return persistence.TenantRecord{}, persistence.TenantRecord{}, persistence.ErrTenantNotFound
	}
	if m.updateErr != nil {
		return persistence.TenantRecord{}, persistence.TenantRecord{}, m.updateErr
	}
	after := update.Apply(before)
	m.records[tenantID] = after
	return before, after, nil
}

func (m *memoryRepo) StatusCounts(_ context.Context) (map[tenant.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[tenant.Status]int{}
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *memoryRepo) ProvisionedSpaces(_ context.Context) ([]tenant.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var spaces []tenant.Space
	for _, rec := range m.records {
		spaces = append(spaces, rec.Space())
	}
	return spaces, nil
}

type fakePartitions struct {
	mu          sync.Mutex
	ensured     []string
	invalidated []string
	ensureErr   error
}

func (f *fakePartitions) Ensure(_ context.Context, space tenant.Space) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, space.TenantID)
	return f.ensureErr
}

func (f *fakePartitions) Invalidate(tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, tenantID)
}

type fakeUsers struct {
	mu       sync.Mutex
	byTenant map[string][]persistence.User
	countErr map[string]error
}

func (f *fakeUsers) CountUsers(_ context.Context, space tenant.Space) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countErr[space.TenantID]; err != nil {
		return 0, err
	}
	return len(f.byTenant[space.TenantID]), nil
}

func (f *fakeUsers) CreateUser(_ context.Context, space tenant.Space, params persistence.CreateUserParams, maxUsers int) (persistence.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byTenant == nil {
		f.byTenant = map[string][]persistence.User{}
	}
	existing := f.byTenant[space.TenantID]
	if maxUsers > 0 && len(existing) >= maxUsers {
		return persistence.User{}, persistence.ErrUserLimitReached
	}
	for _, u := range existing {
		if u.Email == params.Email {
			return persistence.User{}, persistence.ErrUserConflict
		}
	}
	user := persistence.User{
		UserID:    params.UserID,
		TenantID:  space.TenantID,
		Email:     params.Email,
		FullName:  params.FullName,
		Role:      params.Role,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	f.byTenant[space.TenantID] = append(existing, user)
	return user, nil
}

type fixture struct {
	svc        Service
	repo       *memoryRepo
	partitions *fakePartitions
	users      *fakeUsers
	audits     *audit.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := newMemoryRepo()
	partitions := &fakePartitions{}
	users := &fakeUsers{}
	audits := audit.NewMemoryStore()
	svc := New(Config{
		Repo:       repo,
		Partitions: partitions,
		Users:      users,
		Audit:      audit.NewLogger(audit.Config{Store: audits}),
		EnvKey:     "test",
		Logger:     zaptest.NewLogger(t),
	})
	return fixture{svc: svc, repo: repo, partitions: partitions, users: users, audits: audits}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestCreateAppliesDefaultsAndProvisions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	created, err := f.svc.Create(context.Background(), CreateInput{TenantID: " Acme-Hospital ", CreatedBy: "owner-1"})
	require.NoError(t, err)

	require.Equal(t, "acme-hospital", created.TenantID)
	require.Equal(t, "acme-hospital", created.Name)
	require.Equal(t, tenant.StatusActive, created.Status)
	require.Equal(t, []tenant.PlatformKey{tenant.PlatformSAM, tenant.PlatformHealth}, created.Entitlements)
	require.Equal(t, "demo", created.PlanType)
	require.Equal(t, 10, created.MaxUsers)
	require.Equal(t, tenant.BuildSchemaName("test", "acme-hospital"), created.SchemaName)
	require.Equal(t, []string{"acme-hospital"}, f.partitions.ensured)

	records, err := f.audits.List(context.Background(), tenant.Space{TenantID: "acme-hospital"}, audit.Query{Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tenant", records[0].EntityType)
	require.Equal(t, "create", records[0].Action)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{
		TenantID:     "bad slug!",
		Entitlements: []string{"sam", "payroll"},
		Status:       strPtr("expired"),
		PlanType:     strPtr("enterprise"),
		MaxUsers:     intPtr(0),
	})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	for _, field := range []string{"tenantId", "entitlements", "status", "planType", "maxUsers"} {
		require.Contains(t, validationErr.Fields, field)
	}
	require.Empty(t, f.partitions.ensured)
}

func TestCreateDuplicateConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{TenantID: "acme"})
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), CreateInput{TenantID: "acme"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateSurvivesProvisioningFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	repo := newMemoryRepo()
	audits := audit.NewMemoryStore()
	svc := New(Config{
		Repo:       repo,
		Partitions: &fakePartitions{ensureErr: errors.New("database unavailable")},
		Users:      &fakeUsers{},
		Audit:      audit.NewLogger(audit.Config{Store: audits}),
		EnvKey:     "test",
		Logger:     zap.New(core),
	})

	created, err := svc.Create(context.Background(), CreateInput{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, "acme", created.TenantID)

	_, err = repo.Get(context.Background(), "acme")
	require.NoError(t, err)

	records, err := audits.List(context.Background(), tenant.Space{TenantID: "acme"}, audit.Query{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, records)

	skipped := logs.FilterMessage("tenant created without partition, creation not audited").All()
	require.Len(t, skipped, 1)
	require.Equal(t, "acme", skipped[0].ContextMap()["tenant_id"])
}

func TestListAggregatesStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"alpha", "beta", "gamma"} {
		_, err := f.svc.Create(ctx, CreateInput{TenantID: id})
		require.NoError(t, err)
	}
	_, err := f.svc.Update(ctx, "gamma", UpdateInput{Status: strPtr("blocked")})
	require.NoError(t, err)

	_, err = f.svc.CreateAdmin(ctx, "alpha", AdminInput{Email: "a@alpha.test", FullName: "Alpha Admin"})
	require.NoError(t, err)
	_, err = f.svc.CreateAdmin(ctx, "beta", AdminInput{Email: "b@beta.test", FullName: "Beta Admin"})
	require.NoError(t, err)
	f.users.countErr = map[string]error{"beta": errors.New("partition offline")}

	result, err := f.svc.List(ctx, ListOptions{Page: 1, PageSize: 2})
	require.NoError(t, err)

	require.Len(t, result.Tenants, 2)
	require.Equal(t, 3, result.TotalItems)
	require.Equal(t, 2, result.TotalPages)
	require.Equal(t, Stats{TotalTenants: 3, ActiveTenants: 2, BlockedTenants: 1, TotalUsers: 1}, result.Stats)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.List(context.Background(), ListOptions{Status: strPtr("archived")})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestUpdateInvalidatesRouteAndAudits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, CreateInput{TenantID: "acme"})
	require.NoError(t, err)

	keys := []string{"health"}
	updated, err := f.svc.Update(ctx, "acme", UpdateInput{Entitlements: &keys, MaxUsers: intPtr(3)})
	require.NoError(t, err)
	require.Equal(t, []tenant.PlatformKey{tenant.PlatformHealth}, updated.Entitlements)
	require.Equal(t, 3, updated.MaxUsers)
	require.Equal(t, []string{"acme"}, f.partitions.invalidated)

	records, err := f.audits.List(ctx, tenant.Space{TenantID: "acme"}, audit.Query{EntityType: "tenant", Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestFailedUpdateAuditsIntendedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, CreateInput{TenantID: "acme"})
	require.NoError(t, err)

	f.repo.updateErr = errors.New("connection reset")
	_, err = f.svc.Update(ctx, "acme", UpdateInput{Status: strPtr("blocked")})
	require.ErrorContains(t, err, "connection reset")

	records, err := f.audits.List(ctx, tenant.Space{TenantID: "acme"}, audit.Query{EntityType: "tenant", Limit: 10})
	require.NoError(t, err)

	var failed *audit.Record
	for i := range records {
		if records[i].Action == "update" {
			failed = &records[i]
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, audit.OutcomeError, failed.Outcome)
	require.Contains(t, string(failed.Before), `"status":"active"`)
	require.Contains(t, string(failed.After), `"status":"blocked"`)
}

func TestUpdateRequiresAField(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Update(context.Background(), "acme", UpdateInput{})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, validationErr.Fields, "payload")
}

func TestUpdateUnknownTenant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Update(context.Background(), "ghost", UpdateInput{Name: strPtr("Ghost")})
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, f.partitions.invalidated)
}

func TestCreateAdminEnforcesMaxUsers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, CreateInput{TenantID: "acme", MaxUsers: intPtr(1)})
	require.NoError(t, err)

	admin, err := f.svc.CreateAdmin(ctx, "acme", AdminInput{Email: " First@Acme.test ", FullName: "First"})
	require.NoError(t, err)
	require.Equal(t, "first@acme.test", admin.Email)
	require.Equal(t, "admin", admin.Role)

	_, err = f.svc.CreateAdmin(ctx, "acme", AdminInput{Email: "second@acme.test", FullName: "Second"})
	require.ErrorIs(t, err, ErrUserLimitReached)
}

func TestCreateAdminValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.CreateAdmin(context.Background(), "acme", AdminInput{Email: "nope"})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, validationErr.Fields, "email")
	require.Contains(t, validationErr.Fields, "fullName")
}
