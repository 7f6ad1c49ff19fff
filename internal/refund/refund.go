// Package refund settles buyer refunds: it calls the payment provider and,
// only after the provider confirms, returns the money out of escrow and
// updates the order's refund bookkeeping in one unit of work.
package refund

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/pagination"
)

var (
	ErrRefundNotFound    = errors.New("refund not found")
	ErrNotEligible       = errors.New("order is not eligible for refund")
	ErrInvalidAmount     = errors.New("invalid refund amount")
	ErrExceedsRefundable = errors.New("refund exceeds refundable amount")
	ErrEscrowReleased    = errors.New("escrow already released to seller")
	ErrInvalidStatus     = errors.New("invalid refund status for this operation")
	ErrProviderFailed    = errors.New("payment provider refund failed")
	ErrInvalidCursor     = pagination.ErrInvalidCursor
)

// Type distinguishes whole-order from single sub-order refunds.
type Type string

const (
	TypeFull    Type = "full"
	TypePartial Type = "partial"
)

// Status is the lifecycle state of a refund.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Record is one refund request and its outcome.
type Record struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"orderId"`
	SubOrderID   string          `json:"subOrderId,omitempty"`
	PaymentID    string          `json:"paymentId"`
	Type         Type            `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Reason       string          `json:"reason,omitempty"`
	InitiatedBy  string          `json:"initiatedBy,omitempty"`
	Status       Status          `json:"status"`
	Provider     string          `json:"provider"`
	ProviderRef  string          `json:"providerRef,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// Eligibility describes whether an order or sub-order can be refunded and
// for how much.
type Eligibility struct {
	OrderID       string               `json:"orderId"`
	SubOrderID    string               `json:"subOrderId,omitempty"`
	Eligible      bool                 `json:"eligible"`
	Reason        string               `json:"reason,omitempty"`
	PaymentStatus orders.PaymentStatus `json:"paymentStatus"`
	Refundable    decimal.Decimal      `json:"refundable"`
}

// Store persists refund records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	ListByOrder(ctx context.Context, orderID string) ([]*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Record, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	after *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor restricts results to records strictly after the cursor
// position in (createdAt, id) order. A nil cursor is ignored.
func WithCursor(after *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.after = after
	}
}

func (o listOpts) keep(r *Record) bool {
	return o.after == nil || o.after.After(r.CreatedAt, r.ID)
}
