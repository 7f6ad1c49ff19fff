package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/commission"
	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/syncutil"
	"github.com/mbd888/marketsettle/internal/traces"
	"github.com/mbd888/marketsettle/internal/txn"
)

// sweepBatch bounds one sweeper pass.
const sweepBatch = 500

// OrderReader is the order view escrow depends on.
type OrderReader interface {
	GetPayment(ctx context.Context, id string) (*orders.Payment, error)
	GetSubOrder(ctx context.Context, id string) (*orders.SubOrder, error)
	ListSubOrders(ctx context.Context, orderID string) ([]*orders.SubOrder, error)
}

// Service implements the escrow ledger state machine.
type Service struct {
	store    Store
	orders   OrderReader
	calc     *commission.Calculator
	audits   commission.AuditStore
	runner   txn.Runner
	holdDays int
	now      func() time.Time
	locks    syncutil.ShardedMutex // serializes transitions in-process
}

// NewService creates a new escrow service.
func NewService(store Store, orderReader OrderReader, calc *commission.Calculator, audits commission.AuditStore, runner txn.Runner) *Service {
	return &Service{
		store:    store,
		orders:   orderReader,
		calc:     calc,
		audits:   audits,
		runner:   runner,
		holdDays: DefaultHoldDays,
		now:      time.Now,
	}
}

// WithHoldDays overrides the default hold period.
func (s *Service) WithHoldDays(days int) *Service {
	if days > 0 {
		s.holdDays = days
	}
	return s
}

// WithClock replaces the time source. Used by tests and the sweeper's
// catch-up runs.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HoldDays returns the configured hold period.
func (s *Service) HoldDays() int { return s.holdDays }

// lock returns an unlock func for id. Inside an enclosing unit of work the
// transaction already serializes access, and taking the mutex there would
// invert the lock order against callers that lock first.
func (s *Service) lock(ctx context.Context, id string) func() {
	if txn.InTransaction(ctx) {
		return func() {}
	}
	return s.locks.Lock(id)
}

// CreateAllocations creates one held record per sub-order of the payment's
// order, with commission computed and audited, as one unit of work. Calling
// it again returns the existing records.
func (s *Service) CreateAllocations(ctx context.Context, paymentID string) (records []*Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateAllocations", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()
	log := logging.L(ctx)

	payment, err := s.orders.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !payment.Status.Settled() {
		log.Warn("allocation rejected: payment not settled", "paymentId", paymentID, "status", payment.Status)
		metrics.AllocationsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: payment %s is %s", ErrPaymentNotSettled, paymentID, payment.Status)
	}

	unlock := s.lock(ctx, "payment:"+paymentID)
	defer unlock()

	created := 0
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.store.ListByPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		allocated := make(map[string]bool, len(existing))
		for _, r := range existing {
			allocated[r.SubOrderID] = true
		}

		subOrders, err := s.orders.ListSubOrders(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		// Fetched once so every sub-order in the batch sees the same default.
		fallback, err := s.calc.Defaults(ctx)
		if err != nil {
			return err
		}
		at := s.now()
		if payment.CompletedAt != nil {
			at = *payment.CompletedAt
		}

		for _, sub := range subOrders {
			if allocated[sub.ID] {
				continue
			}
			res, err := s.calc.Compute(ctx, commission.Input{
				Gross:      sub.Total,
				StoreID:    sub.StoreID,
				CategoryID: sub.FirstItemCategoryID,
				SellerTier: sub.SellerTier,
				At:         at,
				Fallback:   fallback,
			})
			if err != nil {
				return fmt.Errorf("compute commission for sub-order %s: %w", sub.ID, err)
			}

			now := s.now()
			rec := &Record{
				ID:         idgen.WithPrefix(idgen.Escrow),
				PaymentID:  paymentID,
				OrderID:    payment.OrderID,
				SubOrderID: sub.ID,
				StoreID:    sub.StoreID,
				Currency:   payment.Currency,
				Gross:      res.Gross,
				Commission: res.Commission,
				Net:        res.Net,
				Refunded:   money.Zero,
				Status:     StatusHeld,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := rec.Validate(); err != nil {
				return err
			}
			if err := s.store.Create(ctx, rec); err != nil {
				return fmt.Errorf("create escrow for sub-order %s: %w", sub.ID, err)
			}
			if err := s.audits.Append(ctx, res.AuditRecord(rec.ID, sub.ID)); err != nil {
				return fmt.Errorf("append commission audit: %w", err)
			}
			metrics.CommissionSourceTotal.WithLabelValues(string(res.Source)).Inc()
			created++
		}

		records, err = s.store.ListByPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		log.Error("escrow allocation failed", "paymentId", paymentID, "error", err)
		metrics.AllocationsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if created == 0 {
		metrics.AllocationsTotal.WithLabelValues("existing").Inc()
		log.Info("escrow allocation already exists", "paymentId", paymentID, "records", len(records))
		return records, nil
	}
	metrics.AllocationsTotal.WithLabelValues("created").Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld)).Add(float64(created))
	log.Info("escrow allocated", "paymentId", paymentID, "orderId", payment.OrderID, "created", created)
	return records, nil
}

// MarkEligible moves the sub-order's held record to eligible_for_payout,
// due holdDays from now. holdDays <= 0 uses the service default. Records
// already past held are returned unchanged.
func (s *Service) MarkEligible(ctx context.Context, subOrderID string, holdDays int) (*Record, error) {
	if holdDays <= 0 {
		holdDays = s.holdDays
	}
	log := logging.L(ctx)

	rec, err := s.store.GetBySubOrder(ctx, subOrderID)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(ctx, rec.ID)
	defer unlock()

	var changed bool
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		current, err := s.store.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		rec = current
		if rec.Status != StatusHeld {
			return nil
		}
		now := s.now()
		eligibleAt := now.AddDate(0, 0, holdDays)
		rec.Status = StatusEligible
		rec.EligibleAt = &eligibleAt
		rec.UpdatedAt = now
		changed = true
		return s.store.Update(ctx, rec)
	})
	if err != nil {
		log.Error("mark eligible failed", "subOrderId", subOrderID, "error", err)
		return nil, err
	}

	if changed {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusEligible)).Inc()
		log.Info("escrow eligible for payout", "escrowId", rec.ID, "subOrderId", subOrderID, "eligibleAt", rec.EligibleAt)
	}
	return rec, nil
}

// Release pays the record out to the seller. Only held or eligible records
// whose sub-order is delivered can be released. Releasing a released record
// is a no-op.
func (s *Service) Release(ctx context.Context, id string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()
	log := logging.L(ctx)

	unlock := s.lock(ctx, id)
	defer unlock()

	var changed bool
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		rec = current

		switch rec.Status {
		case StatusReleased:
			return nil
		case StatusHeld, StatusEligible:
		default:
			return fmt.Errorf("%w: cannot release from %s", ErrInvalidStatus, rec.Status)
		}

		sub, err := s.orders.GetSubOrder(ctx, rec.SubOrderID)
		if err != nil {
			return err
		}
		if sub.Status != orders.SubOrderDelivered {
			return fmt.Errorf("%w: sub-order %s is %s", ErrNotDelivered, sub.ID, sub.Status)
		}

		now := s.now()
		rec.Status = StatusReleased
		rec.ReleasedAt = &now
		rec.UpdatedAt = now
		if err := rec.Validate(); err != nil {
			return err
		}
		changed = true
		return s.store.Update(ctx, rec)
	})
	if err != nil {
		s.logRejected(ctx, "release", id, err)
		return nil, err
	}

	if changed {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc()
		log.Info("escrow released", "escrowId", id, "storeId", rec.StoreID, "net", money.Format(rec.Net))
	}
	return rec, nil
}

// ReturnToBuyer returns amount of the record's remaining balance to the
// buyer and prorates commission down. The record becomes returned_to_buyer
// once the whole gross is refunded (within money.Tolerance), otherwise
// partially_refunded.
func (s *Service) ReturnToBuyer(ctx context.Context, id string, amount decimal.Decimal, notes string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReturnToBuyer", traces.EscrowID(id), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()
	log := logging.L(ctx)

	amount = money.Round(amount)
	if !amount.IsPositive() {
		metrics.EscrowRejectedTotal.WithLabelValues("return").Inc()
		return nil, fmt.Errorf("%w: return amount must be positive", ErrInvalidAmount)
	}

	unlock := s.lock(ctx, id)
	defer unlock()

	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		rec = current

		switch rec.Status {
		case StatusReleased:
			return ErrAlreadyReleased
		case StatusReturned:
			return fmt.Errorf("%w: escrow already returned to buyer", ErrInvalidStatus)
		}
		if remaining := rec.Remaining(); amount.GreaterThan(remaining) {
			return fmt.Errorf("%w: requested %s, remaining %s", ErrExceedsRefundable,
				money.Format(amount), money.Format(remaining))
		}

		origin, err := s.initialAudit(ctx, rec.ID)
		if err != nil {
			return err
		}
		delta, audit := s.calc.RecalculateForRefund(commission.RefundInput{
			EscrowID:     rec.ID,
			SubOrderID:   rec.SubOrderID,
			Gross:        rec.Gross,
			Refunded:     rec.Refunded,
			Commission:   rec.Commission,
			RefundAmount: amount,
			Origin:       origin,
		})

		now := s.now()
		rec.Commission = rec.Commission.Add(delta)
		rec.Refunded = rec.Refunded.Add(amount)
		rec.Net = rec.Gross.Sub(rec.Refunded).Sub(rec.Commission)
		if rec.Refunded.GreaterThanOrEqual(rec.Gross.Sub(money.Tolerance)) {
			rec.Status = StatusReturned
			rec.ReturnedAt = &now
		} else {
			rec.Status = StatusPartiallyRefunded
		}
		rec.Notes = appendNote(rec.Notes, notes)
		rec.UpdatedAt = now
		if err := rec.Validate(); err != nil {
			return err
		}
		if err := s.store.Update(ctx, rec); err != nil {
			return err
		}
		return s.audits.Append(ctx, audit)
	})
	if err != nil {
		s.logRejected(ctx, "return", id, err)
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	log.Info("escrow returned to buyer",
		"escrowId", id, "amount", money.Format(amount), "status", rec.Status,
		"commission", money.Format(rec.Commission), "refunded", money.Format(rec.Refunded))
	return rec, nil
}

// SweepEligiblePayouts releases every eligible record that is due. Each
// release is its own unit of work; failures are logged and skipped. Returns
// the number released.
func (s *Service) SweepEligiblePayouts(ctx context.Context) (int, error) {
	due, err := s.store.ListDue(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Release(ctx, rec.ID); err != nil {
			metrics.SweepItemsTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues("released").Inc()
		released++
	}
	return released, nil
}

// PromoteDelivered marks held records eligible once their sub-order is
// delivered. Failures are logged and skipped. Returns the number promoted.
func (s *Service) PromoteDelivered(ctx context.Context) (int, error) {
	held, err := s.store.ListByStatus(ctx, StatusHeld, sweepBatch)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, rec := range held {
		if ctx.Err() != nil {
			break
		}
		sub, err := s.orders.GetSubOrder(ctx, rec.SubOrderID)
		if err != nil {
			logging.L(ctx).Warn("sweeper could not load sub-order", "escrowId", rec.ID, "subOrderId", rec.SubOrderID, "error", err)
			metrics.SweepItemsTotal.WithLabelValues("failed").Inc()
			continue
		}
		if sub.Status != orders.SubOrderDelivered {
			continue
		}
		if _, err := s.MarkEligible(ctx, rec.SubOrderID, s.holdDays); err != nil {
			metrics.SweepItemsTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues("promoted").Inc()
		promoted++
	}
	return promoted, nil
}

// Get returns an escrow record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// GetBySubOrder returns the record allocated for a sub-order.
func (s *Service) GetBySubOrder(ctx context.Context, subOrderID string) (*Record, error) {
	return s.store.GetBySubOrder(ctx, subOrderID)
}

// ListByPayment returns the records allocated for a payment.
func (s *Service) ListByPayment(ctx context.Context, paymentID string) ([]*Record, error) {
	return s.store.ListByPayment(ctx, paymentID)
}

// ListByOrder returns the records for every payment of an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// ListAudit returns the commission audit trail of a record.
func (s *Service) ListAudit(ctx context.Context, id string) ([]*commission.AuditRecord, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.audits.ListByEscrow(ctx, id)
}

// LockRecords holds the in-process locks of the given records until the
// returned func is called. Release and ReturnToBuyer outside a unit of work
// block while they are held.
func (s *Service) LockRecords(ids ...string) func() {
	return s.locks.LockMany(ids...)
}

func (s *Service) initialAudit(ctx context.Context, id string) (*commission.AuditRecord, error) {
	audits, err := s.audits.ListByEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, a := range audits {
		if a.Kind == commission.AuditInitial {
			return a, nil
		}
	}
	return nil, nil
}

func (s *Service) logRejected(ctx context.Context, op, id string, err error) {
	log := logging.L(ctx)
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		log.Warn("escrow not found", "op", op, "escrowId", id)
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrNotDelivered),
		errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrExceedsRefundable):
		metrics.EscrowRejectedTotal.WithLabelValues(op).Inc()
		log.Warn("escrow transition rejected", "op", op, "escrowId", id, "reason", err)
	default:
		log.Error("escrow transition failed", "op", op, "escrowId", id, "error", err)
	}
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	}
	return existing + "\n" + note
}
