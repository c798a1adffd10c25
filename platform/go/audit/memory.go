package audit

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// MemoryStore keeps audit records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]Record)}
}

func (m *MemoryStore) Insert(_ context.Context, space tenant.Space, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.TenantID = space.TenantID
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Finalize(_ context.Context, space tenant.Space, id uuid.UUID, fin Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.TenantID != space.TenantID || rec.Outcome != OutcomePending {
		return ErrNotPending
	}
	rec.Outcome = fin.Outcome
	rec.ErrorDetail = fin.ErrorDetail
	if fin.After != nil {
		rec.After = bytes.Clone(fin.After)
	}
	finishedAt := fin.FinishedAt
	rec.FinishedAt = &finishedAt
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) List(_ context.Context, space tenant.Space, q Query) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Record{}
	for _, rec := range m.records {
		if rec.TenantID != space.TenantID {
			continue
		}
		if q.EntityType != "" && rec.EntityType != q.EntityType {
			continue
		}
		if q.EntityID != "" && rec.EntityID != q.EntityID {
			continue
		}
		if q.From != nil && rec.StartedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && rec.StartedAt.After(*q.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// All returns every stored record regardless of tenant.
func (m *MemoryStore) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
