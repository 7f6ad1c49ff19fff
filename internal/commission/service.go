package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/txn"
)

// Invalidator drops cached rule sets after a write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// ScopeLocker serializes conflict checks for one applicability scope.
// PostgresStore takes a transaction-scoped advisory lock.
type ScopeLocker interface {
	LockScope(ctx context.Context, applicability Applicability, scopeKey string) error
}

// RuleRequest is the admin payload for creating or replacing a rule.
// Amounts are decimal strings.
type RuleRequest struct {
	Name           string        `json:"name" binding:"required"`
	Applicability  Applicability `json:"applicability" binding:"required"`
	CategoryID     string        `json:"categoryId"`
	StoreID        string        `json:"storeId"`
	SellerTier     string        `json:"sellerTier"`
	Percentage     string        `json:"percentage"`
	FixedAmount    string        `json:"fixedAmount"`
	Priority       int           `json:"priority"`
	EffectiveStart time.Time     `json:"effectiveStart"`
	EffectiveEnd   *time.Time    `json:"effectiveEnd"`
	Active         *bool         `json:"active"`
}

func (req RuleRequest) toRule() (*Rule, error) {
	pct, ok := money.ParseRate(req.Percentage)
	if !ok {
		return nil, fmt.Errorf("%w: percentage %q is not a valid amount", ErrInvalidRule, req.Percentage)
	}
	fixed, ok := money.Parse(req.FixedAmount)
	if !ok {
		return nil, fmt.Errorf("%w: fixedAmount %q is not a valid amount", ErrInvalidRule, req.FixedAmount)
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rule := &Rule{
		Name:           req.Name,
		Applicability:  Applicability(strings.ToLower(string(req.Applicability))),
		CategoryID:     req.CategoryID,
		StoreID:        req.StoreID,
		SellerTier:     req.SellerTier,
		Percentage:     pct,
		FixedAmount:    fixed,
		Priority:       req.Priority,
		EffectiveStart: req.EffectiveStart,
		EffectiveEnd:   req.EffectiveEnd,
		Active:         active,
	}
	if err := rule.Normalize(); err != nil {
		return nil, err
	}
	return rule, nil
}

// Service manages commission rules and exposes resolution and computation.
type Service struct {
	store      RuleStore
	resolver   *Resolver
	calculator *Calculator
	runner     txn.Runner
	cache      Invalidator
	logger     *slog.Logger
}

// NewService creates a commission service.
func NewService(store RuleStore, resolver *Resolver, calculator *Calculator, runner txn.Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		resolver:   resolver,
		calculator: calculator,
		runner:     runner,
		logger:     logger,
	}
}

// WithCache invalidates c after every rule write.
func (s *Service) WithCache(c Invalidator) *Service {
	s.cache = c
	return s
}

// Calculator returns the service's calculator.
func (s *Service) Calculator() *Calculator { return s.calculator }

// CreateRule validates and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, req RuleRequest) (*Rule, error) {
	rule, err := req.toRule()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rule.ID = idgen.WithPrefix(idgen.CommissionRule)
	rule.CreatedAt = now
	rule.UpdatedAt = now

	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.checkConflicts(ctx, rule, ""); err != nil {
			return err
		}
		return s.store.Create(ctx, rule)
	})
	if err != nil {
		s.logRejected(ctx, "create", rule, err)
		return nil, err
	}

	s.invalidate(ctx)
	s.logger.Info("commission rule created",
		"ruleId", rule.ID, "applicability", rule.Applicability, "scope", rule.ScopeKey(),
		"percentage", rule.Percentage.String(), "fixedAmount", money.Format(rule.FixedAmount))
	return rule, nil
}

// UpdateRule replaces the editable fields of an existing rule.
func (s *Service) UpdateRule(ctx context.Context, id string, req RuleRequest) (*Rule, error) {
	next, err := req.toRule()
	if err != nil {
		return nil, err
	}

	var updated *Rule
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = time.Now()
		if err := s.checkConflicts(ctx, next, current.ID); err != nil {
			return err
		}
		if err := s.store.Update(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		s.logRejected(ctx, "update", next, err)
		return nil, err
	}

	s.invalidate(ctx)
	s.logger.Info("commission rule updated", "ruleId", updated.ID, "active", updated.Active)
	return updated, nil
}

// DeactivateRule marks a rule inactive. Deactivating an inactive rule is a
// no-op.
func (s *Service) DeactivateRule(ctx context.Context, id string) (*Rule, error) {
	var rule *Rule
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		rule = r
		if !r.Active {
			return nil
		}
		r.Active = false
		r.UpdatedAt = time.Now()
		return s.store.Update(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	s.logger.Info("commission rule deactivated", "ruleId", id)
	return rule, nil
}

// GetRule returns a rule by ID.
func (s *Service) GetRule(ctx context.Context, id string) (*Rule, error) {
	return s.store.Get(ctx, id)
}

// ListRules returns rules matching filter.
func (s *Service) ListRules(ctx context.Context, filter ListFilter) ([]*Rule, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 500
	}
	return s.store.List(ctx, filter)
}

// ValidateRule reports the conflicts a request would cause without saving.
// excludeID is the rule being edited, if any.
func (s *Service) ValidateRule(ctx context.Context, req RuleRequest, excludeID string) ([]*Rule, error) {
	rule, err := req.toRule()
	if err != nil {
		return nil, err
	}
	if !rule.Active {
		return nil, nil
	}
	return s.resolver.ValidateConflicts(ctx, rule, excludeID)
}

// Resolve returns the rule that applies to q, or nil.
func (s *Service) Resolve(ctx context.Context, q Query) (*Rule, error) {
	if q.At.IsZero() {
		q.At = time.Now()
	}
	return s.resolver.Resolve(ctx, q)
}

// Preview computes commission for in using the current platform default,
// without persisting anything.
func (s *Service) Preview(ctx context.Context, in Input) (*Result, error) {
	if in.Fallback == nil {
		fallback, err := s.calculator.Defaults(ctx)
		if err != nil {
			return nil, err
		}
		in.Fallback = fallback
	}
	return s.calculator.Compute(ctx, in)
}

func (s *Service) checkConflicts(ctx context.Context, rule *Rule, excludeID string) error {
	if !rule.Active {
		return nil
	}
	if locker, ok := s.store.(ScopeLocker); ok {
		if err := locker.LockScope(ctx, rule.Applicability, rule.ScopeKey()); err != nil {
			return err
		}
	}
	conflicts, err := s.resolver.ValidateConflicts(ctx, rule, excludeID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("failed to invalidate commission rule cache", "error", err)
	}
}

func (s *Service) logRejected(ctx context.Context, op string, rule *Rule, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		s.logger.Warn("commission rule rejected: overlapping window",
			"op", op, "name", rule.Name, "conflicts", conflict.IDs())
	case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrRuleNotFound):
		s.logger.Warn("commission rule rejected", "op", op, "error", err)
	default:
		s.logger.Error("commission rule write failed", "op", op, "error", err)
	}
}
