package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// MemoryStore is an in-process Store. The mutex stands in for the storage
// layer's conditional update, so it is only suitable for a single instance.
type MemoryStore struct {
	mu     sync.Mutex
	quotas map[uuid.UUID]Quota
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotas: make(map[uuid.UUID]Quota), now: time.Now}
}

func (m *MemoryStore) FindApplicable(_ context.Context, space tenant.Space, key Key, now time.Time) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.quotas {
		if q.TenantID != space.TenantID || q.ScopeType != key.ScopeType || q.ScopeID != key.ScopeID || q.FeatureKey != key.FeatureKey {
			continue
		}
		if q.Status == StatusActive && q.InWindow(now) {
			return q, nil
		}
	}
	return Quota{}, ErrNotFound
}

func (m *MemoryStore) Increment(_ context.Context, space tenant.Space, id uuid.UUID, now time.Time) (Quota, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[id]
	if !ok || q.TenantID != space.TenantID || q.Status != StatusActive || q.Used >= q.Limit || !q.InWindow(now) {
		return Quota{}, false, nil
	}
	q.Used++
	q.UpdatedAt = now
	m.quotas[id] = q
	return q, true, nil
}

func (m *MemoryStore) Get(_ context.Context, space tenant.Space, id uuid.UUID) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[id]
	if !ok || q.TenantID != space.TenantID {
		return Quota{}, ErrNotFound
	}
	return q, nil
}

func (m *MemoryStore) Create(_ context.Context, space tenant.Space, q Quota) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q.TenantID = space.TenantID
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.Status == "" {
		q.Status = StatusActive
	}
	if q.Status == StatusActive && m.activeExists(q, uuid.Nil) {
		return Quota{}, ErrConflict
	}
	now := m.now().UTC()
	q.CreatedAt, q.UpdatedAt = now, now
	m.quotas[q.ID] = q
	return q, nil
}

func (m *MemoryStore) activeExists(q Quota, except uuid.UUID) bool {
	for id, existing := range m.quotas {
		if id == except {
			continue
		}
		if existing.TenantID == q.TenantID && existing.Status == StatusActive && existing.ScopeType == q.ScopeType &&
			existing.ScopeID == q.ScopeID && existing.FeatureKey == q.FeatureKey {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Update(_ context.Context, space tenant.Space, id uuid.UUID, patch Patch) (Quota, Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before, ok := m.quotas[id]
	if !ok || before.TenantID != space.TenantID {
		return Quota{}, Quota{}, ErrNotFound
	}

	after := patch.Apply(before)
	if after.Status == StatusActive && before.Status != StatusActive && m.activeExists(after, id) {
		return Quota{}, Quota{}, ErrConflict
	}
	after.UpdatedAt = m.now().UTC()
	m.quotas[id] = after
	return before, after, nil
}

func (m *MemoryStore) List(_ context.Context, space tenant.Space, filter ListFilter) ([]Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Quota{}
	for _, q := range m.quotas {
		if q.TenantID != space.TenantID {
			continue
		}
		if filter.ScopeType != nil && q.ScopeType != *filter.ScopeType {
			continue
		}
		if filter.ScopeID != nil && q.ScopeID != *filter.ScopeID {
			continue
		}
		if filter.FeatureKey != nil && q.FeatureKey != *filter.FeatureKey {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
