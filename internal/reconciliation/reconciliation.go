// Package reconciliation cross-checks the escrow ledger, the refund log and
// the order refund bookkeeping against each other.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/escrow"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/refund"
)

// scanLimit bounds how many rows one run reads per status.
const scanLimit = 10000

// DefaultStuckAfter is how long a refund may sit in processing before it is
// reported.
const DefaultStuckAfter = 10 * time.Minute

// EscrowLister lists escrow records by status.
type EscrowLister interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Record, error)
}

// RefundLister lists refunds by status.
type RefundLister interface {
	ListByStatus(ctx context.Context, status refund.Status, limit int, opts ...refund.ListOption) ([]*refund.Record, error)
}

// OrderReader reads the order refund bookkeeping.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
	GetSubOrder(ctx context.Context, id string) (*orders.SubOrder, error)
}

// Finding is one inconsistency.
type Finding struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Finding kinds.
const (
	KindEscrowInvariant = "escrow_invariant"
	KindOrderRefund     = "order_refund"
	KindSubOrderRefund  = "suborder_refund"
	KindStuckRefund     = "stuck_refund"
)

// Report is the outcome of one reconciliation run.
type Report struct {
	CheckedEscrows int       `json:"checkedEscrows"`
	CheckedOrders  int       `json:"checkedOrders"`
	Findings       []Finding `json:"findings"`
	RanAt          time.Time `json:"ranAt"`
}

// Clean reports whether the run found nothing.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// Count returns the number of findings of a kind.
func (r *Report) Count(kind string) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Service runs reconciliation checks.
type Service struct {
	escrows    EscrowLister
	refunds    RefundLister
	orders     OrderReader
	logger     *slog.Logger
	stuckAfter time.Duration
	now        func() time.Time
}

// NewService creates a reconciliation service.
func NewService(escrows EscrowLister, refunds RefundLister, orderReader OrderReader, logger *slog.Logger) *Service {
	return &Service{
		escrows:    escrows,
		refunds:    refunds,
		orders:     orderReader,
		logger:     logger,
		stuckAfter: DefaultStuckAfter,
		now:        time.Now,
	}
}

// SetStuckAfter changes the processing age at which refunds are reported.
func (s *Service) SetStuckAfter(d time.Duration) {
	if d > 0 {
		s.stuckAfter = d
	}
}

var escrowStatuses = []escrow.Status{
	escrow.StatusHeld,
	escrow.StatusEligible,
	escrow.StatusReleased,
	escrow.StatusPartiallyRefunded,
	escrow.StatusReturned,
}

// Run performs every check and publishes the counts as gauges. A read
// failure aborts the run; findings never do.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	report := &Report{RanAt: s.now()}
	if err := s.checkEscrows(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := s.checkRefunds(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	escrowInvariantViolations.Set(float64(report.Count(KindEscrowInvariant)))
	orderRefundMismatches.Set(float64(report.Count(KindOrderRefund)))
	subOrderRefundMismatches.Set(float64(report.Count(KindSubOrderRefund)))
	stuckRefunds.Set(float64(report.Count(KindStuckRefund)))

	for _, f := range report.Findings {
		s.logger.Warn("reconciliation mismatch", "kind", f.Kind, "id", f.ID,
			"expected", f.Expected, "actual", f.Actual, "detail", f.Detail)
	}
	s.logger.Info("reconciliation complete",
		"escrows", report.CheckedEscrows, "orders", report.CheckedOrders, "findings", len(report.Findings))
	return report, nil
}

func (s *Service) checkEscrows(ctx context.Context, report *Report) error {
	for _, status := range escrowStatuses {
		records, err := s.escrows.ListByStatus(ctx, status, scanLimit)
		if err != nil {
			return fmt.Errorf("list %s escrows: %w", status, err)
		}
		for _, rec := range records {
			report.CheckedEscrows++
			if err := rec.Validate(); err != nil {
				report.Findings = append(report.Findings, Finding{
					Kind: KindEscrowInvariant, ID: rec.ID, Detail: err.Error(),
				})
			}

			sub, err := s.orders.GetSubOrder(ctx, rec.SubOrderID)
			if errors.Is(err, orders.ErrSubOrderNotFound) {
				report.Findings = append(report.Findings, Finding{
					Kind: KindSubOrderRefund, ID: rec.SubOrderID, Detail: "sub-order missing for escrow " + rec.ID,
				})
				continue
			}
			if err != nil {
				return err
			}
			if !sub.RefundedAmount.Equal(rec.Refunded) {
				report.Findings = append(report.Findings, Finding{
					Kind: KindSubOrderRefund, ID: sub.ID,
					Expected: money.Format(rec.Refunded), Actual: money.Format(sub.RefundedAmount),
				})
			}
		}
	}
	return nil
}

func (s *Service) checkRefunds(ctx context.Context, report *Report) error {
	completed, err := s.refunds.ListByStatus(ctx, refund.StatusCompleted, scanLimit)
	if err != nil {
		return fmt.Errorf("list completed refunds: %w", err)
	}
	totals := make(map[string]decimal.Decimal)
	for _, r := range completed {
		totals[r.OrderID] = totals[r.OrderID].Add(r.Amount)
	}

	orderIDs := make([]string, 0, len(totals))
	for id := range totals {
		orderIDs = append(orderIDs, id)
	}
	sort.Strings(orderIDs)

	for _, id := range orderIDs {
		order, err := s.orders.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		report.CheckedOrders++
		if !order.RefundedAmount.Equal(totals[id]) {
			report.Findings = append(report.Findings, Finding{
				Kind: KindOrderRefund, ID: id,
				Expected: money.Format(totals[id]), Actual: money.Format(order.RefundedAmount),
			})
		}
	}

	processing, err := s.refunds.ListByStatus(ctx, refund.StatusProcessing, scanLimit)
	if err != nil {
		return fmt.Errorf("list processing refunds: %w", err)
	}
	cutoff := s.now().Add(-s.stuckAfter)
	for _, r := range processing {
		if r.UpdatedAt.Before(cutoff) {
			report.Findings = append(report.Findings, Finding{
				Kind: KindStuckRefund, ID: r.ID, Detail: r.ErrorMessage,
			})
		}
	}
	return nil
}
