package refund

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory refund store for demo/development mode.
type MemoryStore struct {
	refunds map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refunds: make(map[string]*Record),
	}
}

func copyRecord(r *Record) *Record {
	cp := *r
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds[r.ID] = copyRecord(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refunds[r.ID]; !ok {
		return ErrRefundNotFound
	}
	m.refunds[r.ID] = copyRecord(r)
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	return m.filter(0, func(r *Record) bool { return r.OrderID == orderID }), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)
	return m.filter(limit, func(r *Record) bool { return r.Status == status && o.keep(r) }), nil
}

func (m *MemoryStore) filter(limit int, keep func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.refunds {
		if keep(r) {
			result = append(result, copyRecord(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Snapshot captures all records for txn.MemoryRunner.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	saved := make(map[string]*Record, len(m.refunds))
	for id, r := range m.refunds {
		saved[id] = r
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.refunds = saved
		m.mu.Unlock()
	}
}
