package commission

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/money"
)

// DefaultConfig is the platform fallback used when no rule matches.
type DefaultConfig struct {
	Percentage  decimal.Decimal `json:"percentage"`
	FixedAmount decimal.Decimal `json:"fixedAmount"`
	Active      bool            `json:"active"`
}

// DefaultConfigSource returns the current platform default, or nil when
// none is configured.
type DefaultConfigSource interface {
	CurrentDefault(ctx context.Context) (*DefaultConfig, error)
}

// StaticDefaults serves a fixed default config.
type StaticDefaults struct {
	Config *DefaultConfig
}

func (s StaticDefaults) CurrentDefault(context.Context) (*DefaultConfig, error) {
	if s.Config == nil {
		return nil, nil
	}
	cp := *s.Config
	return &cp, nil
}

// Source records where a commission figure came from.
type Source string

const (
	SourceRule    Source = "rule"
	SourceDefault Source = "default"
	SourceNone    Source = "none"
)

// AuditKind distinguishes the initial computation from later adjustments.
type AuditKind string

const (
	AuditInitial          AuditKind = "initial"
	AuditRefundAdjustment AuditKind = "refund_adjustment"
)

// NoteRefundAdjustment is attached to every refund proration record.
const NoteRefundAdjustment = "refund adjustment"

// AuditRecord is an append-only commission log entry. Amount is the
// commission for initial records and the (negative) delta for adjustments.
type AuditRecord struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrowId"`
	SubOrderID  string          `json:"subOrderId,omitempty"`
	Kind        AuditKind       `json:"kind"`
	Source      Source          `json:"source"`
	RuleID      string          `json:"ruleId,omitempty"`
	Gross       decimal.Decimal `json:"gross"`
	Percentage  decimal.Decimal `json:"percentage"`
	FixedAmount decimal.Decimal `json:"fixedAmount"`
	Amount      decimal.Decimal `json:"amount"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// AuditStore appends and lists audit records. There is no update or delete.
type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*AuditRecord, error)
}

// Input is one commission computation request.
type Input struct {
	Gross      decimal.Decimal
	StoreID    string
	CategoryID string
	SellerTier string
	At         time.Time
	// Fallback is applied when no rule resolves. Callers fetch it once per
	// batch with Calculator.Defaults.
	Fallback *DefaultConfig
}

// Result is a computed commission.
type Result struct {
	Gross       decimal.Decimal `json:"gross"`
	Commission  decimal.Decimal `json:"commission"`
	Net         decimal.Decimal `json:"net"`
	Source      Source          `json:"source"`
	RuleID      string          `json:"ruleId,omitempty"`
	RuleName    string          `json:"ruleName,omitempty"`
	Percentage  decimal.Decimal `json:"percentage"`
	FixedAmount decimal.Decimal `json:"fixedAmount"`
	CategoryID  string          `json:"categoryId,omitempty"`
}

// AuditRecord builds the initial audit entry for an escrow record.
func (r *Result) AuditRecord(escrowID, subOrderID string) *AuditRecord {
	return &AuditRecord{
		ID:          idgen.WithPrefix(idgen.Audit),
		EscrowID:    escrowID,
		SubOrderID:  subOrderID,
		Kind:        AuditInitial,
		Source:      r.Source,
		RuleID:      r.RuleID,
		Gross:       r.Gross,
		Percentage:  r.Percentage,
		FixedAmount: r.FixedAmount,
		Amount:      r.Commission,
		CreatedAt:   time.Now(),
	}
}

// Calculator turns a resolved rule into a commission amount.
type Calculator struct {
	resolver *Resolver
	defaults DefaultConfigSource
	logger   *slog.Logger
}

// NewCalculator creates a calculator. defaults may be nil.
func NewCalculator(resolver *Resolver, defaults DefaultConfigSource, logger *slog.Logger) *Calculator {
	if defaults == nil {
		defaults = StaticDefaults{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{resolver: resolver, defaults: defaults, logger: logger}
}

// Defaults returns the active platform default, or nil.
func (c *Calculator) Defaults(ctx context.Context) (*DefaultConfig, error) {
	cfg, err := c.defaults.CurrentDefault(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Active {
		return nil, nil
	}
	return cfg, nil
}

// Compute resolves the applicable rule and returns
// round(gross*pct/100 + fixed), capped at gross.
func (c *Calculator) Compute(ctx context.Context, in Input) (*Result, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	gross := money.Round(in.Gross)

	rule, err := c.resolver.Resolve(ctx, Query{
		At:         at,
		StoreID:    in.StoreID,
		CategoryID: in.CategoryID,
		SellerTier: in.SellerTier,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Gross:       gross,
		Source:      SourceNone,
		Percentage:  money.Zero,
		FixedAmount: money.Zero,
		CategoryID:  in.CategoryID,
	}
	switch {
	case rule != nil:
		res.Source = SourceRule
		res.RuleID = rule.ID
		res.RuleName = rule.Name
		res.Percentage = rule.Percentage
		res.FixedAmount = rule.FixedAmount
	case in.Fallback != nil && in.Fallback.Active:
		res.Source = SourceDefault
		res.Percentage = in.Fallback.Percentage
		res.FixedAmount = in.Fallback.FixedAmount
	default:
		c.logger.Warn("no commission rule or default applies, commission is zero",
			"storeId", in.StoreID, "categoryId", in.CategoryID, "sellerTier", in.SellerTier)
	}

	commission := money.Round(gross.Mul(res.Percentage).Div(money.Hundred).Add(res.FixedAmount))
	res.Commission = money.Max(money.Zero, money.Min(commission, gross))
	res.Net = gross.Sub(res.Commission)
	return res, nil
}

// RefundInput describes a refund against one escrow record.
type RefundInput struct {
	EscrowID     string
	SubOrderID   string
	Gross        decimal.Decimal
	Refunded     decimal.Decimal
	Commission   decimal.Decimal
	RefundAmount decimal.Decimal
	// Origin is the escrow's initial audit record. Its source, rule and
	// components are carried onto the adjustment entry.
	Origin *AuditRecord
}

// RecalculateForRefund returns the commission delta for a refund and the
// audit record documenting it.
func (c *Calculator) RecalculateForRefund(in RefundInput) (decimal.Decimal, *AuditRecord) {
	delta := ProrateForRefund(in.Commission, in.Gross, in.Refunded, in.RefundAmount)
	rec := &AuditRecord{
		ID:          idgen.WithPrefix(idgen.Audit),
		EscrowID:    in.EscrowID,
		SubOrderID:  in.SubOrderID,
		Kind:        AuditRefundAdjustment,
		Source:      SourceNone,
		Gross:       in.Gross,
		Percentage:  money.Zero,
		FixedAmount: money.Zero,
		Amount:      delta,
		Note:        NoteRefundAdjustment,
		CreatedAt:   time.Now(),
	}
	if o := in.Origin; o != nil {
		rec.Source = o.Source
		rec.RuleID = o.RuleID
		rec.Percentage = o.Percentage
		rec.FixedAmount = o.FixedAmount
	}
	return delta, rec
}

// ProrateForRefund returns -commission * refundAmount / (gross - refunded),
// rounded and clamped so that neither commission nor the net remaining
// after the refund drops below zero.
func ProrateForRefund(commission, gross, refunded, refundAmount decimal.Decimal) decimal.Decimal {
	remaining := gross.Sub(refunded)
	if !commission.IsPositive() || !refundAmount.IsPositive() || !remaining.IsPositive() {
		return money.Zero
	}
	if refundAmount.GreaterThanOrEqual(remaining) {
		return commission.Neg()
	}

	delta := money.Round(commission.Mul(refundAmount).Div(remaining)).Neg()
	after := commission.Add(delta)
	if after.IsNegative() {
		return commission.Neg()
	}
	// Commission may not exceed what is left in escrow.
	if left := remaining.Sub(refundAmount); after.GreaterThan(left) {
		return left.Sub(commission)
	}
	return delta
}
