// Package orders holds the flat order, sub-order and payment views the
// settlement services read and update. Checkout owns these records; this
// package only exposes the fields settlement needs.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrSubOrderNotFound = errors.New("sub-order not found")
	ErrPaymentNotFound  = errors.New("payment not found")
)

// PaymentStatus is the provider-side status of a payment transaction.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

// Settled reports whether funds were captured or authorized, which is the
// precondition for escrow allocation and refunds.
func (s PaymentStatus) Settled() bool {
	return s == PaymentCompleted || s == PaymentAuthorized
}

// OrderPaymentStatus mirrors the refund state on the order.
type OrderPaymentStatus string

const (
	OrderPaid              OrderPaymentStatus = "paid"
	OrderPartiallyRefunded OrderPaymentStatus = "partially_refunded"
	OrderRefunded          OrderPaymentStatus = "refunded"
)

// SubOrderStatus is the fulfillment status of one seller's part of an order.
type SubOrderStatus string

const (
	SubOrderPending   SubOrderStatus = "pending"
	SubOrderPreparing SubOrderStatus = "preparing"
	SubOrderShipped   SubOrderStatus = "shipped"
	SubOrderDelivered SubOrderStatus = "delivered"
	SubOrderCancelled SubOrderStatus = "cancelled"
)

// Payment is a payment transaction against an order.
type Payment struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Provider    string          `json:"provider"`
	ProviderRef string          `json:"providerRef"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Order is a buyer's order spanning one or more sellers.
type Order struct {
	ID             string             `json:"id"`
	Total          decimal.Decimal    `json:"total"`
	RefundedAmount decimal.Decimal    `json:"refundedAmount"`
	PaymentStatus  OrderPaymentStatus `json:"paymentStatus"`
	Currency       string             `json:"currency"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Remaining returns what can still be refunded on the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Total.Sub(o.RefundedAmount)
}

// SubOrder is the part of an order fulfilled by one store.
type SubOrder struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	StoreID        string          `json:"storeId"`
	SellerTier     string          `json:"sellerTier,omitempty"`
	Total          decimal.Decimal `json:"total"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	Status         SubOrderStatus  `json:"status"`
	// FirstItemCategoryID is the category of the first line item. Commission
	// for the whole sub-order is resolved against it.
	FirstItemCategoryID string    `json:"firstItemCategoryId,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Remaining returns what can still be refunded on the sub-order.
func (s *SubOrder) Remaining() decimal.Decimal {
	return s.Total.Sub(s.RefundedAmount)
}

// Reader is the read side settlement depends on.
type Reader interface {
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetOrderPayment(ctx context.Context, orderID string) (*Payment, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetSubOrder(ctx context.Context, id string) (*SubOrder, error)
	ListSubOrders(ctx context.Context, orderID string) ([]*SubOrder, error)
}

// Store is the full order view, including the refund bookkeeping writes.
type Store interface {
	Reader
	// AddOrderRefund increments the order's refunded amount and sets its
	// payment status mirror.
	AddOrderRefund(ctx context.Context, orderID string, amount decimal.Decimal, status OrderPaymentStatus) error
	// AddSubOrderRefund increments the sub-order's refunded amount.
	AddSubOrderRefund(ctx context.Context, subOrderID string, amount decimal.Decimal) error

	SaveOrder(ctx context.Context, o *Order) error
	SaveSubOrder(ctx context.Context, s *SubOrder) error
	SavePayment(ctx context.Context, p *Payment) error
	MarkSubOrderStatus(ctx context.Context, subOrderID string, status SubOrderStatus) error
}
