package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory order view for demo/development mode and tests.
type MemoryStore struct {
	orders    map[string]*Order
	subOrders map[string]*SubOrder
	payments  map[string]*Payment
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		subOrders: make(map[string]*SubOrder),
		payments:  make(map[string]*Payment),
	}
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

// GetOrderPayment returns the most recently completed settled payment for the
// order, falling back to any payment when none settled.
func (m *MemoryStore) GetOrderPayment(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Payment
	for _, p := range m.payments {
		if p.OrderID != orderID {
			continue
		}
		if best == nil || paymentRank(p) > paymentRank(best) ||
			(paymentRank(p) == paymentRank(best) && p.ID > best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrPaymentNotFound
	}
	cp := *best
	return &cp, nil
}

func paymentRank(p *Payment) int {
	if p.Status.Settled() {
		return 1
	}
	return 0
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetSubOrder(ctx context.Context, id string) (*SubOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subOrders[id]
	if !ok {
		return nil, ErrSubOrderNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSubOrders(ctx context.Context, orderID string) ([]*SubOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SubOrder
	for _, s := range m.subOrders {
		if s.OrderID == orderID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) AddOrderRefund(ctx context.Context, orderID string, amount decimal.Decimal, status OrderPaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	cp := *o
	cp.RefundedAmount = cp.RefundedAmount.Add(amount)
	cp.PaymentStatus = status
	cp.UpdatedAt = time.Now()
	m.orders[orderID] = &cp
	return nil
}

func (m *MemoryStore) AddSubOrderRefund(ctx context.Context, subOrderID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subOrders[subOrderID]
	if !ok {
		return ErrSubOrderNotFound
	}
	cp := *s
	cp.RefundedAmount = cp.RefundedAmount.Add(amount)
	cp.UpdatedAt = time.Now()
	m.subOrders[subOrderID] = &cp
	return nil
}

func (m *MemoryStore) SaveOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveSubOrder(ctx context.Context, s *SubOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.subOrders[s.ID] = &cp
	return nil
}

func (m *MemoryStore) SavePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkSubOrderStatus(ctx context.Context, subOrderID string, status SubOrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subOrders[subOrderID]
	if !ok {
		return ErrSubOrderNotFound
	}
	cp := *s
	cp.Status = status
	cp.UpdatedAt = time.Now()
	m.subOrders[subOrderID] = &cp
	return nil
}

// Snapshot captures all records for txn.MemoryRunner. Stored values are
// replaced on write, never mutated, so copying the maps is enough.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	orders := make(map[string]*Order, len(m.orders))
	for k, v := range m.orders {
		orders[k] = v
	}
	subOrders := make(map[string]*SubOrder, len(m.subOrders))
	for k, v := range m.subOrders {
		subOrders[k] = v
	}
	payments := make(map[string]*Payment, len(m.payments))
	for k, v := range m.payments {
		payments[k] = v
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.orders = orders
		m.subOrders = subOrders
		m.payments = payments
	}
}
