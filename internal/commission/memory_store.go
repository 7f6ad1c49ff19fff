package commission

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory rule and audit store for demo/development mode.
type MemoryStore struct {
	rules  map[string]*Rule
	audits []*AuditRecord
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory commission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]*Rule),
	}
}

func copyRule(r *Rule) *Rule {
	cp := *r
	if r.EffectiveEnd != nil {
		end := *r.EffectiveEnd
		cp.EffectiveEnd = &end
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules[rule.ID] = copyRule(rule)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[rule.ID]; !ok {
		return ErrRuleNotFound
	}
	m.rules[rule.ID] = copyRule(rule)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return copyRule(r), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rule
	for _, r := range m.rules {
		if filter.ActiveOnly && !r.Active {
			continue
		}
		if filter.Applicability != "" && r.Applicability != filter.Applicability {
			continue
		}
		result = append(result, copyRule(r))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rule
	for _, r := range m.rules {
		if r.Active {
			result = append(result, copyRule(r))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListActiveByScope(ctx context.Context, applicability Applicability, scopeKey string) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rule
	for _, r := range m.rules {
		if r.Active && r.Applicability == applicability && r.ScopeKey() == scopeKey {
			result = append(result, copyRule(r))
		}
	}
	return result, nil
}

func (m *MemoryStore) Append(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AuditRecord
	for _, a := range m.audits {
		if a.EscrowID == escrowID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Snapshot captures rules and audits for txn.MemoryRunner.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	rules := make(map[string]*Rule, len(m.rules))
	for id, r := range m.rules {
		rules[id] = copyRule(r)
	}
	audits := len(m.audits)
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rules = rules
		m.audits = m.audits[:audits]
	}
}
