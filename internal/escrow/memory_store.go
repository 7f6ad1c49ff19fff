package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Record),
	}
}

// Stored records are replaced on every write and handed out as copies, so
// callers never share a pointer with the map.
func copyRecord(r *Record) *Record {
	cp := *r
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escrows {
		if e.SubOrderID == r.SubOrderID {
			return ErrDuplicateSubOrder
		}
	}
	m.escrows[r.ID] = copyRecord(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[r.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[r.ID] = copyRecord(r)
	return nil
}

func (m *MemoryStore) GetBySubOrder(ctx context.Context, subOrderID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.escrows {
		if r.SubOrderID == subOrderID {
			return copyRecord(r), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) ListByPayment(ctx context.Context, paymentID string) ([]*Record, error) {
	return m.filter(0, func(r *Record) bool { return r.PaymentID == paymentID }), nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	return m.filter(0, func(r *Record) bool { return r.OrderID == orderID }), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	return m.filter(limit, func(r *Record) bool { return r.Status == status }), nil
}

func (m *MemoryStore) ListDue(ctx context.Context, t time.Time, limit int) ([]*Record, error) {
	return m.filter(limit, func(r *Record) bool {
		return r.Status == StatusEligible && r.EligibleAt != nil && !r.EligibleAt.After(t)
	}), nil
}

func (m *MemoryStore) filter(limit int, keep func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.escrows {
		if keep(r) {
			result = append(result, copyRecord(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].SubOrderID < result[j].SubOrderID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Snapshot captures all records for txn.MemoryRunner.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	saved := make(map[string]*Record, len(m.escrows))
	for id, r := range m.escrows {
		saved[id] = r
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.escrows = saved
		m.mu.Unlock()
	}
}
