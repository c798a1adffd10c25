package idempotency

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// MemoryStore is an in-process Store for tests and single-instance development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

func (m *MemoryStore) Reserve(_ context.Context, space tenant.Space, key Key, now, staleBefore time.Time) (bool, Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key.TenantID = space.TenantID
	existing, ok := m.records[key]
	if ok && !(existing.Status == StatusPending && existing.CreatedAt.Before(staleBefore)) {
		return false, cloneRecord(existing), nil
	}
	rec := Record{Key: key, Status: StatusPending, CreatedAt: now}
	m.records[key] = rec
	return true, rec, nil
}

func (m *MemoryStore) Complete(_ context.Context, space tenant.Space, key Key, owner time.Time, result Result, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key.TenantID = space.TenantID
	rec, ok := m.records[key]
	if !ok || rec.Status != StatusPending || !rec.CreatedAt.Equal(owner) {
		return ErrLeaseLost
	}
	stored := cloneResult(result)
	rec.Status = StatusDone
	rec.Result = &stored
	rec.CompletedAt = &now
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Release(_ context.Context, space tenant.Space, key Key, owner time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key.TenantID = space.TenantID
	if rec, ok := m.records[key]; ok && rec.Status == StatusPending && rec.CreatedAt.Equal(owner) {
		delete(m.records, key)
	}
	return nil
}

// Len reports the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func cloneRecord(rec Record) Record {
	if rec.Result != nil {
		res := cloneResult(*rec.Result)
		rec.Result = &res
	}
	return rec
}

func cloneResult(res Result) Result {
	res.Header = res.Header.Clone()
	res.Body = bytes.Clone(res.Body)
	return res
}

var _ Store = (*MemoryStore)(nil)
