package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

var (
	spaceT1 = tenant.Space{TenantID: "t1", Status: tenant.StatusActive}
	spaceT2 = tenant.Space{TenantID: "t2", Status: tenant.StatusActive}
	fixedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestGuard(t *testing.T, store Store) *Guard {
	t.Helper()
	return NewGuard(GuardConfig{
		Store:  store,
		Now:    func() time.Time { return fixedAt },
		Logger: zaptest.NewLogger(t),
	})
}

func seed(t *testing.T, store *MemoryStore, space tenant.Space, q Quota) Quota {
	t.Helper()
	created, err := store.Create(context.Background(), space, q)
	require.NoError(t, err)
	if q.Used > 0 {
		store.mu.Lock()
		created.Used = q.Used
		store.quotas[created.ID] = created
		store.mu.Unlock()
	}
	return created
}

func TestCheckWithoutQuotaAllowsUnlimited(t *testing.T) {
	guard := newTestGuard(t, NewMemoryStore())

	decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1", GroupID: "g1"}, "policy.view")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.True(t, decision.Quota.Unlimited)
}

func TestCheckConsumesUntilLimit(t *testing.T) {
	store := NewMemoryStore()
	q := seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "policy.view", Limit: 2})
	guard := newTestGuard(t, store)
	subject := Subject{UserID: "u1"}

	for i := 1; i <= 2; i++ {
		decision, err := guard.Check(context.Background(), spaceT1, subject, "policy.view")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		require.Equal(t, int64(i), decision.Quota.Used)
	}

	decision, err := guard.Check(context.Background(), spaceT1, subject, "policy.view")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonQuotaReached, decision.Reason)
	require.Equal(t, Snapshot{Limit: 2, Used: 2, Available: 0, ScopeType: ScopeUser, FeatureKey: "policy.view"}, decision.Quota)

	stored, err := store.Get(context.Background(), spaceT1, q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Used)
}

func TestCheckConcurrentRequestsNeverExceedLimit(t *testing.T) {
	const (
		limit    = 5
		requests = 40
	)
	store := NewMemoryStore()
	q := seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "policy.search", Limit: limit})
	guard := newTestGuard(t, store)

	var (
		allowed atomic.Int64
		denied  atomic.Int64
		wg      sync.WaitGroup
		start   = make(chan struct{})
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1"}, "policy.search")
			if err != nil {
				t.Error(err)
				return
			}
			if decision.Allowed {
				allowed.Add(1)
				return
			}
			if decision.Reason == ReasonQuotaReached && decision.Quota.Available == 0 {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(limit), allowed.Load())
	require.Equal(t, int64(requests-limit), denied.Load())

	stored, err := store.Get(context.Background(), spaceT1, q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(limit), stored.Used)
}

func TestCheckLastSlotScenario(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "U1", FeatureKey: "policy.view", Limit: 3, Used: 2})
	guard := newTestGuard(t, store)

	results := make(chan Decision, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "U1"}, "policy.view")
			if err != nil {
				t.Error(err)
				return
			}
			results <- d
		}()
	}
	wg.Wait()
	close(results)

	var allowed, denied int
	for d := range results {
		if d.Allowed {
			allowed++
			require.Equal(t, int64(3), d.Quota.Used)
		} else {
			denied++
			require.Equal(t, ReasonQuotaReached, d.Reason)
			require.Zero(t, d.Quota.Available)
		}
	}
	require.Equal(t, 1, allowed)
	require.Equal(t, 1, denied)
}

func TestUserQuotaOverridesGroupQuota(t *testing.T) {
	t.Run("exhausted user quota denies despite group room", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 1, Used: 1})
		group := seed(t, store, spaceT1, Quota{ScopeType: ScopeGroup, ScopeID: "g1", FeatureKey: "f", Limit: 100})
		guard := newTestGuard(t, store)

		decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1", GroupID: "g1"}, "f")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		require.Equal(t, ScopeUser, decision.Quota.ScopeType)

		stored, err := store.Get(context.Background(), spaceT1, group.ID)
		require.NoError(t, err)
		require.Zero(t, stored.Used)
	})

	t.Run("user quota with room allows despite exhausted group", func(t *testing.T) {
		store := NewMemoryStore()
		user := seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 10})
		seed(t, store, spaceT1, Quota{ScopeType: ScopeGroup, ScopeID: "g1", FeatureKey: "f", Limit: 1, Used: 1})
		guard := newTestGuard(t, store)

		decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1", GroupID: "g1"}, "f")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		require.Equal(t, ScopeUser, decision.Quota.ScopeType)

		stored, err := store.Get(context.Background(), spaceT1, user.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), stored.Used)
	})

	t.Run("group quota applies without a user quota", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, spaceT1, Quota{ScopeType: ScopeGroup, ScopeID: "g1", FeatureKey: "f", Limit: 1, Used: 1})
		guard := newTestGuard(t, store)

		decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1", GroupID: "g1"}, "f")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		require.Equal(t, ScopeGroup, decision.Quota.ScopeType)
	})
}

func TestLockedUserQuotaFallsThroughToGroupQuota(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 5, Status: StatusLocked})
	seed(t, store, spaceT1, Quota{ScopeType: ScopeGroup, ScopeID: "g1", FeatureKey: "f", Limit: 1, Used: 1})
	guard := newTestGuard(t, store)

	decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1", GroupID: "g1"}, "f")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ScopeGroup, decision.Quota.ScopeType)
	require.False(t, decision.Quota.Unlimited)

	snap, err := guard.Peek(context.Background(), spaceT1, Subject{UserID: "u1", GroupID: "g1"}, "f")
	require.NoError(t, err)
	require.Equal(t, ScopeGroup, snap.ScopeType)
	require.Zero(t, snap.Available)
}

// lockingStore locks the quota between resolution and the conditional increment.
type lockingStore struct {
	*MemoryStore
}

func (l lockingStore) Increment(ctx context.Context, space tenant.Space, id uuid.UUID, now time.Time) (Quota, bool, error) {
	l.mu.Lock()
	q := l.quotas[id]
	q.Status = StatusLocked
	l.quotas[id] = q
	l.mu.Unlock()
	return l.MemoryStore.Increment(ctx, space, id, now)
}

func TestQuotaLockedBeforeIncrementIsNotEnforced(t *testing.T) {
	store := NewMemoryStore()
	q := seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 3, Used: 1})
	guard := newTestGuard(t, lockingStore{store})

	decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1"}, "f")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.True(t, decision.Quota.Unlimited)

	stored, err := store.Get(context.Background(), spaceT1, q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Used)
}

func TestLockedQuotaIsNotEnforced(t *testing.T) {
	store := NewMemoryStore()
	q := seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 1, Used: 1, Status: StatusLocked})
	guard := newTestGuard(t, store)

	decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1"}, "f")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	stored, err := store.Get(context.Background(), spaceT1, q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Used)
}

func TestQuotaOutsideWindowDoesNotApply(t *testing.T) {
	store := NewMemoryStore()
	ended := fixedAt.Add(-time.Hour)
	future := fixedAt.Add(time.Hour)
	seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 1, Used: 1, EndsAt: &ended})
	seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u2", FeatureKey: "f", Limit: 1, Used: 1, StartsAt: &future})
	guard := newTestGuard(t, store)

	for _, user := range []string{"u1", "u2"} {
		decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: user}, "f")
		require.NoError(t, err)
		require.True(t, decision.Allowed, user)
		require.True(t, decision.Quota.Unlimited, user)
	}
}

func TestQuotasDoNotCrossTenants(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, spaceT2, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 1, Used: 1})
	guard := newTestGuard(t, store)

	decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1"}, "f")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.True(t, decision.Quota.Unlimited)
}

// racingStore loses every conditional increment, as if another instance took the slot.
type racingStore struct {
	*MemoryStore
}

func (r racingStore) Increment(ctx context.Context, space tenant.Space, id uuid.UUID, now time.Time) (Quota, bool, error) {
	r.mu.Lock()
	q := r.quotas[id]
	q.Used = q.Limit
	r.quotas[id] = q
	r.mu.Unlock()
	return Quota{}, false, nil
}

func TestCheckDeniesWhenConditionalIncrementLoses(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 4, Used: 3})

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	guard := NewGuard(GuardConfig{Store: racingStore{store}, Now: func() time.Time { return fixedAt }, Metrics: m})

	decision, err := guard.Check(context.Background(), spaceT1, Subject{UserID: "u1"}, "f")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, int64(4), decision.Quota.Used)
	require.Equal(t, float64(1), testutil.ToFloat64(m.QuotaDecisionsTotal.WithLabelValues("f", "denied")))
}

func TestPeekDoesNotConsume(t *testing.T) {
	store := NewMemoryStore()
	q := seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 5, Used: 2})
	guard := newTestGuard(t, store)

	snap, err := guard.Peek(context.Background(), spaceT1, Subject{UserID: "u1"}, "f")
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.Available)

	stored, err := store.Get(context.Background(), spaceT1, q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Used)
}

func TestMemoryStoreRejectsSecondActiveQuota(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 5})

	_, err := store.Create(context.Background(), spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 9})
	require.ErrorIs(t, err, ErrConflict)

	_, err = store.Create(context.Background(), spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "f", Limit: 9, Status: StatusLocked})
	require.NoError(t, err)
}

func TestMiddlewareWritesQuotaErrorBody(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, spaceT1, Quota{ScopeType: ScopeUser, ScopeID: "u1", FeatureKey: "policy.view", Limit: 1, Used: 1})
	guard := newTestGuard(t, store)

	var calls int
	handler := guard.Middleware("policy.view")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies/p1", nil)
	ctx := auth.WithSession(req.Context(), auth.Session{UserID: "u1", Role: auth.RoleStaff, ActiveTenantID: "t1"})
	ctx = tenant.WithSpace(ctx, spaceT1)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, calls)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, ReasonQuotaReached, body.ReasonCode)
	require.NotEmpty(t, body.Error)
	require.Equal(t, Snapshot{Limit: 1, Used: 1, Available: 0, ScopeType: ScopeUser, FeatureKey: "policy.view"}, body.Quota)
}

func TestRequireQuotaRejectsMismatchedSpace(t *testing.T) {
	guard := newTestGuard(t, NewMemoryStore())
	ctx := tenant.WithSpace(context.Background(), spaceT2)

	_, err := guard.RequireQuota(ctx, auth.Session{UserID: "u1", ActiveTenantID: "t1"}, "f")
	require.ErrorIs(t, err, ErrNoTenantSpace)
}
