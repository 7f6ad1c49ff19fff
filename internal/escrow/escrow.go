// Package escrow holds seller funds between payment and payout.
//
// Flow:
//  1. Payment completes → one held record per sub-order, commission computed
//  2. Sub-order delivered → record becomes eligible after the hold period
//  3. Eligible and due → released to the seller (terminal)
//  4. Refund → funds returned to the buyer, partially or fully (terminal)
//
// Every record keeps commission + net + refunded == gross.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/money"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidStatus     = errors.New("invalid escrow status for this operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrExceedsRefundable = errors.New("amount exceeds refundable escrow balance")
	ErrAlreadyReleased   = errors.New("escrow already released to seller")
	ErrNotDelivered      = errors.New("sub-order has not been delivered")
	ErrPaymentNotSettled = errors.New("payment is not completed or authorized")
	ErrInvariant         = errors.New("escrow balance invariant violated")
	ErrDuplicateSubOrder = errors.New("escrow already allocated for sub-order")
)

// Status represents the state of an escrow record.
type Status string

const (
	StatusHeld              Status = "held"
	StatusEligible          Status = "eligible_for_payout"
	StatusReleased          Status = "released"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusReturned          Status = "returned_to_buyer"
)

// DefaultHoldDays is the hold period applied after delivery.
const DefaultHoldDays = 7

// Record is one sub-order's share of a payment held in escrow.
type Record struct {
	ID         string          `json:"id"`
	PaymentID  string          `json:"paymentId"`
	OrderID    string          `json:"orderId"`
	SubOrderID string          `json:"subOrderId"`
	StoreID    string          `json:"storeId"`
	Currency   string          `json:"currency"`
	Gross      decimal.Decimal `json:"gross"`
	Commission decimal.Decimal `json:"commission"`
	Net        decimal.Decimal `json:"net"`
	Refunded   decimal.Decimal `json:"refunded"`
	Status     Status          `json:"status"`
	EligibleAt *time.Time      `json:"eligibleAt,omitempty"`
	ReleasedAt *time.Time      `json:"releasedAt,omitempty"`
	ReturnedAt *time.Time      `json:"returnedAt,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusReleased || r.Status == StatusReturned
}

// Remaining returns the amount still refundable from this record.
func (r *Record) Remaining() decimal.Decimal {
	return r.Gross.Sub(r.Refunded)
}

// Validate checks the balance invariants. It runs before every write.
func (r *Record) Validate() error {
	switch {
	case r.Commission.IsNegative():
		return fmt.Errorf("%w: commission %s is negative", ErrInvariant, money.Format(r.Commission))
	case r.Net.IsNegative():
		return fmt.Errorf("%w: net %s is negative", ErrInvariant, money.Format(r.Net))
	case r.Refunded.IsNegative(), r.Refunded.GreaterThan(r.Gross):
		return fmt.Errorf("%w: refunded %s outside [0, %s]", ErrInvariant, money.Format(r.Refunded), money.Format(r.Gross))
	case !r.Commission.Add(r.Net).Add(r.Refunded).Equal(r.Gross):
		return fmt.Errorf("%w: commission %s + net %s + refunded %s != gross %s", ErrInvariant,
			money.Format(r.Commission), money.Format(r.Net), money.Format(r.Refunded), money.Format(r.Gross))
	}
	return nil
}

// Store persists escrow records. Get locks the row when called inside a
// transaction.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	GetBySubOrder(ctx context.Context, subOrderID string) (*Record, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*Record, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	// ListDue returns eligible records whose eligibleAt is at or before t.
	ListDue(ctx context.Context, t time.Time, limit int) ([]*Record, error)
}
