package commission

import (
	"context"
	"sort"
	"time"
)

// RuleSource lists active rules for resolution. It may be a cache.
type RuleSource interface {
	ListActive(ctx context.Context) ([]*Rule, error)
}

// RuleStore persists commission rules.
type RuleStore interface {
	RuleSource
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context, filter ListFilter) ([]*Rule, error)
	ListActiveByScope(ctx context.Context, applicability Applicability, scopeKey string) ([]*Rule, error)
}

// ListFilter narrows ListRules. Zero values match everything.
type ListFilter struct {
	Applicability Applicability
	ActiveOnly    bool
	Limit         int
}

// Query describes the transaction a rule is resolved for.
type Query struct {
	At         time.Time
	StoreID    string
	CategoryID string
	SellerTier string
}

// Resolver selects the single applicable rule for a transaction.
type Resolver struct {
	source RuleSource
	store  RuleStore
}

// NewResolver creates a resolver. source feeds resolution (and may be a
// cache in front of store); store is always read directly for conflict
// validation.
func NewResolver(source RuleSource, store RuleStore) *Resolver {
	if source == nil {
		source = store
	}
	return &Resolver{source: source, store: store}
}

// Resolve returns the applicable rule, or nil when none matches.
// Precedence: category, seller, seller tier, global.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Rule, error) {
	rules, err := r.source.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*Rule
	for _, rule := range rules {
		if rule.Active && rule.Window().Contains(q.At) {
			candidates = append(candidates, rule)
		}
	}

	steps := []struct {
		applicability Applicability
		key           string
	}{
		{ApplicabilityCategory, q.CategoryID},
		{ApplicabilitySeller, q.StoreID},
		{ApplicabilitySellerTier, q.SellerTier},
		{ApplicabilityGlobal, ""},
	}
	for _, step := range steps {
		if step.applicability != ApplicabilityGlobal && step.key == "" {
			continue
		}
		if best := pickBest(candidates, step.applicability, step.key); best != nil {
			return best, nil
		}
	}
	return nil, nil
}

// ValidateConflicts returns the active rules of the same applicability and
// scope whose windows overlap the candidate's. excludeID skips the rule being
// edited.
func (r *Resolver) ValidateConflicts(ctx context.Context, candidate *Rule, excludeID string) ([]*Rule, error) {
	existing, err := r.store.ListActiveByScope(ctx, candidate.Applicability, candidate.ScopeKey())
	if err != nil {
		return nil, err
	}

	var conflicts []*Rule
	for _, rule := range existing {
		if rule.ID == excludeID || !rule.Active {
			continue
		}
		if rule.Applicability != candidate.Applicability || rule.ScopeKey() != candidate.ScopeKey() {
			continue
		}
		if candidate.Window().Overlaps(rule.Window()) {
			conflicts = append(conflicts, rule)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ID < conflicts[j].ID })
	return conflicts, nil
}

// pickBest returns the highest-priority, then most-recent-start match.
func pickBest(candidates []*Rule, applicability Applicability, key string) *Rule {
	var best *Rule
	for _, rule := range candidates {
		if rule.Applicability != applicability || rule.ScopeKey() != key {
			continue
		}
		if best == nil || better(rule, best) {
			best = rule
		}
	}
	return best
}

func better(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EffectiveStart.Equal(b.EffectiveStart) {
		return a.EffectiveStart.After(b.EffectiveStart)
	}
	return a.ID < b.ID
}
