package refund

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/escrow"
	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/pagination"
	"github.com/mbd888/marketsettle/internal/provider"
	"github.com/mbd888/marketsettle/internal/syncutil"
	"github.com/mbd888/marketsettle/internal/traces"
	"github.com/mbd888/marketsettle/internal/txn"
)

// EscrowLedger is the part of the escrow service refunds drive.
type EscrowLedger interface {
	GetBySubOrder(ctx context.Context, subOrderID string) (*escrow.Record, error)
	ListByOrder(ctx context.Context, orderID string) ([]*escrow.Record, error)
	ReturnToBuyer(ctx context.Context, id string, amount decimal.Decimal, notes string) (*escrow.Record, error)
	LockRecords(ids ...string) func()
}

// Refunder sends a refund to the payment provider.
type Refunder interface {
	Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResult, error)
}

// Service settles refunds.
type Service struct {
	store    Store
	orders   orders.Store
	escrows  EscrowLedger
	provider Refunder
	runner   txn.Runner
	now      func() time.Time
	locks    *syncutil.ContextShardedMutex // per-order; held across the provider call
}

// NewService creates a new refund service.
func NewService(store Store, orderStore orders.Store, escrows EscrowLedger, refunder Refunder, runner txn.Runner) *Service {
	return &Service{
		store:    store,
		orders:   orderStore,
		escrows:  escrows,
		provider: refunder,
		runner:   runner,
		now:      time.Now,
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// lock serializes refunds of one order and holds the escrow records in
// scope (all of the order's, or the sub-order's only) until the ledger is
// updated, so a concurrent release cannot land between the eligibility
// check and the return. A caller whose context ends while waiting for the
// order gets the context error.
func (s *Service) lock(ctx context.Context, orderID, subOrderID string) (func(), error) {
	unlockOrder, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	records, err := s.escrows.ListByOrder(ctx, orderID)
	if err != nil {
		unlockOrder()
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if subOrderID == "" || r.SubOrderID == subOrderID {
			ids = append(ids, r.ID)
		}
	}
	unlockEscrows := s.escrows.LockRecords(ids...)
	return func() {
		unlockEscrows()
		unlockOrder()
	}, nil
}

// ValidateRefundEligibility reports whether the order, or one of its
// sub-orders when subOrderID is set, can be refunded and how much remains.
// A missing order or sub-order is an error; every other reason is reported
// in the result.
func (s *Service) ValidateRefundEligibility(ctx context.Context, orderID, subOrderID string) (*Eligibility, error) {
	el, _, err := s.eligibility(ctx, orderID, subOrderID)
	return el, err
}

type ineligible struct {
	cause  error
	reason string
}

func (s *Service) eligibility(ctx context.Context, orderID, subOrderID string) (*Eligibility, *ineligible, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	payment, err := s.orders.GetOrderPayment(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	el := &Eligibility{
		OrderID:       orderID,
		SubOrderID:    subOrderID,
		PaymentStatus: payment.Status,
		Refundable:    money.Max(order.Remaining(), money.Zero),
	}
	reject := func(cause error, reason string) (*Eligibility, *ineligible, error) {
		el.Eligible = false
		el.Reason = reason
		el.Refundable = money.Zero
		return el, &ineligible{cause: cause, reason: reason}, nil
	}

	if !payment.Status.Settled() {
		return reject(ErrNotEligible, fmt.Sprintf("payment is %s", payment.Status))
	}

	if subOrderID == "" {
		records, err := s.escrows.ListByOrder(ctx, orderID)
		if err != nil {
			return nil, nil, err
		}
		for _, rec := range records {
			if rec.Status == escrow.StatusReleased && rec.Remaining().GreaterThan(money.Tolerance) {
				return reject(ErrEscrowReleased, fmt.Sprintf("escrow %s already released to seller", rec.ID))
			}
		}
	} else {
		sub, err := s.orders.GetSubOrder(ctx, subOrderID)
		if err != nil {
			return nil, nil, err
		}
		if sub.OrderID != orderID {
			return nil, nil, fmt.Errorf("%w: %s does not belong to order %s", orders.ErrSubOrderNotFound, subOrderID, orderID)
		}
		el.Refundable = money.Min(el.Refundable, money.Max(sub.Remaining(), money.Zero))

		rec, err := s.escrows.GetBySubOrder(ctx, subOrderID)
		switch {
		case err == nil:
			switch rec.Status {
			case escrow.StatusReleased:
				return reject(ErrEscrowReleased, fmt.Sprintf("escrow %s already released to seller", rec.ID))
			case escrow.StatusReturned:
				return reject(ErrNotEligible, fmt.Sprintf("escrow %s already returned to buyer", rec.ID))
			}
			remaining := rec.Remaining()
			if !money.Positive(remaining) {
				remaining = money.Zero
			}
			el.Refundable = money.Min(el.Refundable, remaining)
		case errors.Is(err, escrow.ErrEscrowNotFound):
		default:
			return nil, nil, err
		}
	}

	if !el.Refundable.IsPositive() {
		return reject(ErrNotEligible, "nothing left to refund")
	}
	el.Eligible = true
	return el, nil, nil
}

// ProcessFullRefund refunds everything that remains on the order. The
// provider is called first; escrow returns and order bookkeeping follow
// only on provider success. On a provider failure the failed record is
// returned together with an error wrapping ErrProviderFailed.
func (s *Service) ProcessFullRefund(ctx context.Context, orderID, reason, initiatedBy string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.ProcessFullRefund", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, orderID, "")
	if err != nil {
		return nil, err
	}
	defer unlock()

	el, bad, err := s.eligibility(ctx, orderID, "")
	if err != nil {
		s.logRejected(ctx, "full", orderID, err)
		return nil, err
	}
	if bad != nil {
		err = fmt.Errorf("%w: %s", bad.cause, bad.reason)
		s.logRejected(ctx, "full", orderID, err)
		return nil, err
	}

	payment, err := s.orders.GetOrderPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	rec = s.newRecord(payment, orderID, "", TypeFull, el.Refundable, reason, initiatedBy)
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("refund requested", "refundId", rec.ID, "orderId", orderID, "type", rec.Type, "amount", money.Format(rec.Amount))
	return s.settle(ctx, rec, payment)
}

// ProcessPartialRefund refunds amount against one sub-order. The amount is
// checked against the order, the sub-order and its escrow record.
func (s *Service) ProcessPartialRefund(ctx context.Context, orderID, subOrderID string, amount decimal.Decimal, reason, initiatedBy string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.ProcessPartialRefund",
		traces.OrderID(orderID), traces.SubOrderID(subOrderID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	amount = money.Round(amount)
	if !amount.IsPositive() {
		err = fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
		s.logRejected(ctx, "partial", orderID, err)
		return nil, err
	}

	unlock, err := s.lock(ctx, orderID, subOrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	el, bad, err := s.eligibility(ctx, orderID, subOrderID)
	if err != nil {
		s.logRejected(ctx, "partial", orderID, err)
		return nil, err
	}
	if bad != nil {
		err = fmt.Errorf("%w: %s", bad.cause, bad.reason)
		s.logRejected(ctx, "partial", orderID, err)
		return nil, err
	}
	if amount.GreaterThan(el.Refundable) {
		err = fmt.Errorf("%w: requested %s, refundable %s", ErrExceedsRefundable,
			money.Format(amount), money.Format(el.Refundable))
		s.logRejected(ctx, "partial", orderID, err)
		return nil, err
	}

	payment, err := s.orders.GetOrderPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	rec = s.newRecord(payment, orderID, subOrderID, TypePartial, amount, reason, initiatedBy)
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("refund requested", "refundId", rec.ID, "orderId", orderID, "subOrderId", subOrderID,
		"type", rec.Type, "amount", money.Format(rec.Amount))
	return s.settle(ctx, rec, payment)
}

// RetryFailedRefund repeats the provider call for a failed refund. Ledger
// mutations run only after the new call succeeds. A full refund is retried
// for whatever remains on the order at retry time.
func (s *Service) RetryFailedRefund(ctx context.Context, id string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.RetryFailedRefund", traces.RefundID(id))
	defer func() { traces.End(span, err) }()

	rec, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, rec.OrderID, rec.SubOrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload under the order lock; a concurrent retry may have won.
	rec, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusFailed {
		err = fmt.Errorf("%w: cannot retry a %s refund", ErrInvalidStatus, rec.Status)
		s.logRejected(ctx, "retry", rec.OrderID, err)
		return nil, err
	}

	el, bad, err := s.eligibility(ctx, rec.OrderID, rec.SubOrderID)
	if err != nil {
		return nil, err
	}
	if bad != nil {
		err = fmt.Errorf("%w: %s", bad.cause, bad.reason)
		s.logRejected(ctx, "retry", rec.OrderID, err)
		return nil, err
	}
	switch rec.Type {
	case TypeFull:
		rec.Amount = el.Refundable
	default:
		if rec.Amount.GreaterThan(el.Refundable) {
			err = fmt.Errorf("%w: requested %s, refundable %s", ErrExceedsRefundable,
				money.Format(rec.Amount), money.Format(el.Refundable))
			s.logRejected(ctx, "retry", rec.OrderID, err)
			return nil, err
		}
	}

	payment, err := s.orders.GetPayment(ctx, rec.PaymentID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, rec, payment)
}

// DefaultPageSize and MaxPageSize bound ListByStatus pages.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page is one page of refunds in creation order.
type Page struct {
	Refunds    []*Record `json:"refunds"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// ListByStatus pages through refunds in the given status, oldest first.
// cursor is the NextCursor of the previous page, or empty for the first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int, cursor string) (*Page, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListByStatus(ctx, status, limit+1, WithCursor(after))
	if err != nil {
		return nil, err
	}
	records, next, more := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if records == nil {
		records = []*Record{}
	}
	return &Page{Refunds: records, NextCursor: next, HasMore: more}, nil
}

// Get returns a refund by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns every refund for an order, oldest first.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	if _, err := s.orders.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListByOrder(ctx, orderID)
}

func (s *Service) newRecord(payment *orders.Payment, orderID, subOrderID string, typ Type, amount decimal.Decimal, reason, initiatedBy string) *Record {
	now := s.now()
	return &Record{
		ID:          idgen.WithPrefix(idgen.Refund),
		OrderID:     orderID,
		SubOrderID:  subOrderID,
		PaymentID:   payment.ID,
		Type:        typ,
		Amount:      amount,
		Currency:    payment.Currency,
		Reason:      strings.TrimSpace(reason),
		InitiatedBy: initiatedBy,
		Status:      StatusRequested,
		Provider:    payment.Provider,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// settle moves rec to processing, calls the provider and applies the ledger
// mutations on success. The caller holds the order lock.
func (s *Service) settle(ctx context.Context, rec *Record, payment *orders.Payment) (*Record, error) {
	log := logging.L(ctx).With("refundId", rec.ID, "orderId", rec.OrderID)

	rec.Status = StatusProcessing
	rec.Attempts++
	rec.ErrorMessage = ""
	rec.UpdatedAt = s.now()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	res, callErr := s.provider.Refund(ctx, &provider.RefundRequest{
		PaymentID:      payment.ID,
		Provider:       payment.Provider,
		ProviderRef:    payment.ProviderRef,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		Reason:         rec.Reason,
		IdempotencyKey: fmt.Sprintf("%s-%d", rec.ID, rec.Attempts),
		Metadata:       map[string]string{"refund_id": rec.ID, "order_id": rec.OrderID},
	})
	if callErr != nil || !res.Success {
		msg := "provider declined refund"
		switch {
		case callErr != nil:
			msg = callErr.Error()
		case res.ErrorMessage != "":
			msg = res.ErrorMessage
		}
		rec.Status = StatusFailed
		rec.ErrorMessage = msg
		rec.UpdatedAt = s.now()
		if err := s.store.Update(ctx, rec); err != nil {
			log.Error("failed to record refund failure", "error", err)
		}
		metrics.RefundsTotal.WithLabelValues(string(rec.Type), string(StatusFailed)).Inc()
		log.Warn("refund failed at provider", "provider", rec.Provider, "attempt", rec.Attempts, "message", msg)
		return rec, fmt.Errorf("%w: %s", ErrProviderFailed, msg)
	}

	// The provider has moved money; finish the ledger even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)
	rec.ProviderRef = res.ProviderRefundID
	completed := *rec
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		var err error
		if rec.Type == TypeFull {
			err = s.applyFull(ctx, rec)
		} else {
			err = s.applyPartial(ctx, rec)
		}
		if err != nil {
			return err
		}
		now := s.now()
		completed.Status = StatusCompleted
		completed.CompletedAt = &now
		completed.UpdatedAt = now
		return s.store.Update(ctx, &completed)
	})
	if err != nil {
		// Money left the provider but the ledger did not move. The record
		// stays processing so it cannot be retried into a double refund.
		rec.ErrorMessage = "ledger update failed after provider refund: " + err.Error()
		rec.UpdatedAt = s.now()
		if uerr := s.store.Update(ctx, rec); uerr != nil {
			log.Error("failed to record ledger failure", "error", uerr)
		}
		log.Error("refund ledger update failed after provider success",
			"providerRef", rec.ProviderRef, "amount", money.Format(rec.Amount), "error", err)
		return rec, err
	}

	metrics.RefundsTotal.WithLabelValues(string(completed.Type), string(StatusCompleted)).Inc()
	log.Info("refund completed", "type", completed.Type, "amount", money.Format(completed.Amount),
		"providerRef", completed.ProviderRef, "attempts", completed.Attempts)
	return &completed, nil
}

func (s *Service) applyFull(ctx context.Context, rec *Record) error {
	order, err := s.orders.GetOrder(ctx, rec.OrderID)
	if err != nil {
		return err
	}
	if rec.Amount.GreaterThan(order.Remaining()) {
		return fmt.Errorf("%w: requested %s, order remaining %s", ErrExceedsRefundable,
			money.Format(rec.Amount), money.Format(order.Remaining()))
	}
	subs, err := s.orders.ListSubOrders(ctx, rec.OrderID)
	if err != nil {
		return err
	}
	records, err := s.escrows.ListByOrder(ctx, rec.OrderID)
	if err != nil {
		return err
	}
	bySub := make(map[string]*escrow.Record, len(records))
	for _, r := range records {
		bySub[r.SubOrderID] = r
	}

	note := refundNote(rec)
	for _, sub := range subs {
		amount := sub.Remaining()
		if esc, ok := bySub[sub.ID]; ok {
			amount = money.Zero
			if remaining := esc.Remaining(); remaining.GreaterThan(money.Tolerance) {
				if _, err := s.escrows.ReturnToBuyer(ctx, esc.ID, remaining, note); err != nil {
					return err
				}
				amount = remaining
			}
		}
		if amount.IsPositive() {
			if err := s.orders.AddSubOrderRefund(ctx, sub.ID, amount); err != nil {
				return err
			}
		}
	}
	return s.orders.AddOrderRefund(ctx, rec.OrderID, rec.Amount, orders.OrderRefunded)
}

func (s *Service) applyPartial(ctx context.Context, rec *Record) error {
	order, err := s.orders.GetOrder(ctx, rec.OrderID)
	if err != nil {
		return err
	}
	sub, err := s.orders.GetSubOrder(ctx, rec.SubOrderID)
	if err != nil {
		return err
	}
	if rec.Amount.GreaterThan(order.Remaining()) || rec.Amount.GreaterThan(sub.Remaining()) {
		return fmt.Errorf("%w: requested %s exceeds order or sub-order remaining", ErrExceedsRefundable, money.Format(rec.Amount))
	}

	esc, err := s.escrows.GetBySubOrder(ctx, rec.SubOrderID)
	switch {
	case err == nil:
		if _, err := s.escrows.ReturnToBuyer(ctx, esc.ID, rec.Amount, refundNote(rec)); err != nil {
			return err
		}
	case errors.Is(err, escrow.ErrEscrowNotFound):
	default:
		return err
	}

	if err := s.orders.AddSubOrderRefund(ctx, sub.ID, rec.Amount); err != nil {
		return err
	}
	status := orders.OrderPartiallyRefunded
	if order.Remaining().Sub(rec.Amount).LessThanOrEqual(money.Tolerance) {
		status = orders.OrderRefunded
	}
	return s.orders.AddOrderRefund(ctx, order.ID, rec.Amount, status)
}

func refundNote(rec *Record) string {
	if rec.Reason == "" {
		return "refund " + rec.ID
	}
	return "refund " + rec.ID + ": " + rec.Reason
}

func (s *Service) logRejected(ctx context.Context, op, orderID string, err error) {
	log := logging.L(ctx)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, orders.ErrSubOrderNotFound),
		errors.Is(err, orders.ErrPaymentNotFound):
		log.Warn("refund target not found", "op", op, "orderId", orderID, "reason", err)
	case errors.Is(err, ErrNotEligible), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrExceedsRefundable),
		errors.Is(err, ErrEscrowReleased), errors.Is(err, ErrInvalidStatus):
		metrics.RefundsTotal.WithLabelValues(op, "rejected").Inc()
		log.Warn("refund rejected", "op", op, "orderId", orderID, "reason", err)
	default:
		log.Error("refund failed", "op", op, "orderId", orderID, "error", err)
	}
}
