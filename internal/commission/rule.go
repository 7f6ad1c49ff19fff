// Package commission resolves the platform's cut of a sale.
//
// Rules are time-boxed and prioritized. Resolution walks the applicability
// types in a fixed order (category, seller, seller tier, global) and picks
// the highest-priority rule of the first type that matches. Every
// computation produces an append-only AuditRecord.
package commission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/money"
)

var (
	ErrRuleNotFound = errors.New("commission rule not found")
	ErrInvalidRule  = errors.New("invalid commission rule")
	ErrRuleConflict = errors.New("commission rule conflicts with an existing rule")
)

// Applicability is the scope dimension a rule targets.
type Applicability string

const (
	ApplicabilityGlobal     Applicability = "global"
	ApplicabilityCategory   Applicability = "category"
	ApplicabilitySeller     Applicability = "seller"
	ApplicabilitySellerTier Applicability = "seller_tier"
)

// Valid reports whether a is a known applicability type.
func (a Applicability) Valid() bool {
	switch a {
	case ApplicabilityGlobal, ApplicabilityCategory, ApplicabilitySeller, ApplicabilitySellerTier:
		return true
	}
	return false
}

// Rule is a commission rule.
type Rule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Applicability  Applicability   `json:"applicability"`
	CategoryID     string          `json:"categoryId,omitempty"`
	StoreID        string          `json:"storeId,omitempty"`
	SellerTier     string          `json:"sellerTier,omitempty"`
	Percentage     decimal.Decimal `json:"percentage"`
	FixedAmount    decimal.Decimal `json:"fixedAmount"`
	Priority       int             `json:"priority"`
	EffectiveStart time.Time       `json:"effectiveStart"`
	EffectiveEnd   *time.Time      `json:"effectiveEnd,omitempty"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ScopeKey returns the identifier the rule is scoped to: the category ID,
// store ID or tier. Global rules have an empty key.
func (r *Rule) ScopeKey() string {
	switch r.Applicability {
	case ApplicabilityCategory:
		return r.CategoryID
	case ApplicabilitySeller:
		return r.StoreID
	case ApplicabilitySellerTier:
		return r.SellerTier
	}
	return ""
}

// Window returns the rule's effective date range.
func (r *Rule) Window() Window {
	return Window{Start: r.EffectiveStart, End: r.EffectiveEnd}
}

// Normalize enforces the applicability-field invariant: the scope field
// matching the applicability is required and the other two are cleared.
// It also checks amounts, name and date range.
func (r *Rule) Normalize() error {
	r.Name = strings.TrimSpace(r.Name)
	r.CategoryID = strings.TrimSpace(r.CategoryID)
	r.StoreID = strings.TrimSpace(r.StoreID)
	r.SellerTier = strings.TrimSpace(r.SellerTier)

	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}

	switch r.Applicability {
	case ApplicabilityCategory:
		if r.CategoryID == "" {
			return fmt.Errorf("%w: categoryId is required for category rules", ErrInvalidRule)
		}
		r.StoreID, r.SellerTier = "", ""
	case ApplicabilitySeller:
		if r.StoreID == "" {
			return fmt.Errorf("%w: storeId is required for seller rules", ErrInvalidRule)
		}
		r.CategoryID, r.SellerTier = "", ""
	case ApplicabilitySellerTier:
		if r.SellerTier == "" {
			return fmt.Errorf("%w: sellerTier is required for seller tier rules", ErrInvalidRule)
		}
		r.CategoryID, r.StoreID = "", ""
	case ApplicabilityGlobal:
		r.CategoryID, r.StoreID, r.SellerTier = "", "", ""
	default:
		return fmt.Errorf("%w: unknown applicability %q", ErrInvalidRule, r.Applicability)
	}

	if r.Percentage.IsNegative() || r.Percentage.GreaterThan(money.Hundred) {
		return fmt.Errorf("%w: percentage must be between 0 and 100", ErrInvalidRule)
	}
	if r.FixedAmount.IsNegative() {
		return fmt.Errorf("%w: fixedAmount must not be negative", ErrInvalidRule)
	}
	if r.EffectiveStart.IsZero() {
		return fmt.Errorf("%w: effectiveStart is required", ErrInvalidRule)
	}
	if r.EffectiveEnd != nil && r.EffectiveEnd.Before(r.EffectiveStart) {
		return fmt.Errorf("%w: effectiveEnd is before effectiveStart", ErrInvalidRule)
	}
	r.FixedAmount = money.Round(r.FixedAmount)
	return nil
}

// ConflictError lists the rules a candidate overlaps with.
type ConflictError struct {
	Conflicts []*Rule
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, r := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s (%s)", r.ID, r.Name))
	}
	return ErrRuleConflict.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ConflictError) Unwrap() error { return ErrRuleConflict }

// IDs returns the conflicting rule IDs.
func (e *ConflictError) IDs() []string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, r := range e.Conflicts {
		ids = append(ids, r.ID)
	}
	return ids
}
