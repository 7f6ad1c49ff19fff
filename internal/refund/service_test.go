package refund

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/commission"
	"github.com/mbd888/marketsettle/internal/escrow"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/provider"
	"github.com/mbd888/marketsettle/internal/txn"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// scriptedProvider returns queued outcomes in order, then succeeds.
type scriptedProvider struct {
	mu       sync.Mutex
	outcomes []func() (*provider.RefundResult, error)
	requests []*provider.RefundRequest
}

func (p *scriptedProvider) Refund(_ context.Context, req *provider.RefundRequest) (*provider.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.outcomes) > 0 {
		next := p.outcomes[0]
		p.outcomes = p.outcomes[1:]
		return next()
	}
	return &provider.RefundResult{Success: true, ProviderRefundID: fmt.Sprintf("prv_%d", len(p.requests))}, nil
}

func (p *scriptedProvider) decline(msg string) {
	p.outcomes = append(p.outcomes, func() (*provider.RefundResult, error) {
		return &provider.RefundResult{Success: false, ErrorMessage: msg}, nil
	})
}

func (p *scriptedProvider) fail(err error) {
	p.outcomes = append(p.outcomes, func() (*provider.RefundResult, error) { return nil, err })
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fixture struct {
	svc      *Service
	escrows  *escrow.Service
	store    *MemoryStore
	orders   *orders.MemoryStore
	ledger   *escrow.MemoryStore
	rules    *commission.MemoryStore
	provider *scriptedProvider
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		orders:   orders.NewMemoryStore(),
		ledger:   escrow.NewMemoryStore(),
		rules:    commission.NewMemoryStore(),
		provider: &scriptedProvider{},
		now:      t0,
	}
	clock := func() time.Time { return f.now }
	runner := txn.NewMemoryRunner(f.store, f.orders, f.ledger, f.rules)
	calc := commission.NewCalculator(commission.NewResolver(f.rules, f.rules), nil, nil)
	f.escrows = escrow.NewService(f.ledger, f.orders, calc, f.rules, runner).WithClock(clock)
	f.svc = NewService(f.store, f.orders, f.escrows, f.provider, runner).WithClock(clock)

	require.NoError(t, f.rules.Create(context.Background(), &commission.Rule{
		ID:             "cmr_global",
		Name:           "global",
		Applicability:  commission.ApplicabilityGlobal,
		Percentage:     money.MustParse("10"),
		FixedAmount:    money.Zero,
		EffectiveStart: t0.AddDate(-1, 0, 0),
		Active:         true,
	}))
	return f
}

// seed creates order ord_1 with one sub-order per total, a payment in the
// given status, and escrow allocations when the payment is settled.
func (f *fixture) seed(t *testing.T, status orders.PaymentStatus, totals ...string) []string {
	t.Helper()
	ctx := context.Background()
	sum := money.Zero
	var subIDs []string
	for i, total := range totals {
		id := fmt.Sprintf("sub_%d", i)
		subIDs = append(subIDs, id)
		sum = sum.Add(money.MustParse(total))
		require.NoError(t, f.orders.SaveSubOrder(ctx, &orders.SubOrder{
			ID: id, OrderID: "ord_1", StoreID: fmt.Sprintf("store_%d", i),
			Total: money.MustParse(total), Status: orders.SubOrderPreparing,
		}))
	}
	require.NoError(t, f.orders.SaveOrder(ctx, &orders.Order{
		ID: "ord_1", Total: sum, PaymentStatus: orders.OrderPaid, Currency: "USD",
	}))
	completed := t0
	require.NoError(t, f.orders.SavePayment(ctx, &orders.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", ProviderRef: "pi_123",
		Amount: sum, Currency: "USD", Status: status, CompletedAt: &completed,
	}))
	if status.Settled() {
		_, err := f.escrows.CreateAllocations(ctx, "pay_1")
		require.NoError(t, err)
	}
	return subIDs
}

func (f *fixture) order(t *testing.T) *orders.Order {
	t.Helper()
	o, err := f.orders.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	return o
}

func (f *fixture) escrowFor(t *testing.T, subOrderID string) *escrow.Record {
	t.Helper()
	rec, err := f.ledger.GetBySubOrder(context.Background(), subOrderID)
	require.NoError(t, err)
	return rec
}

func (f *fixture) releaseAll(t *testing.T, subIDs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range subIDs {
		require.NoError(t, f.orders.MarkSubOrderStatus(ctx, id, orders.SubOrderDelivered))
		_, err := f.escrows.MarkEligible(ctx, id, 7)
		require.NoError(t, err)
	}
	f.now = f.now.AddDate(0, 0, 8)
	released, err := f.escrows.SweepEligiblePayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, len(subIDs), released)
}

func TestValidateRefundEligibility(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	ctx := context.Background()

	el, err := f.svc.ValidateRefundEligibility(ctx, "ord_1", "")
	require.NoError(t, err)
	assert.True(t, el.Eligible)
	assert.Equal(t, "120.00", money.Format(el.Refundable))

	el, err = f.svc.ValidateRefundEligibility(ctx, "ord_1", "sub_1")
	require.NoError(t, err)
	assert.True(t, el.Eligible)
	assert.Equal(t, "40.00", money.Format(el.Refundable))

	_, err = f.svc.ValidateRefundEligibility(ctx, "ord_missing", "")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestValidateRefundEligibility_UnsettledPayment(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentPending, "50.00")

	el, err := f.svc.ValidateRefundEligibility(context.Background(), "ord_1", "")
	require.NoError(t, err)
	assert.False(t, el.Eligible)
	assert.Contains(t, el.Reason, "pending")
	assert.True(t, el.Refundable.IsZero())
}

func TestProcessFullRefund_ReturnsEveryEscrow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	ctx := context.Background()

	rec, err := f.svc.ProcessFullRefund(ctx, "ord_1", "customer request", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, TypeFull, rec.Type)
	assert.Equal(t, "120.00", money.Format(rec.Amount))
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "prv_1", rec.ProviderRef)
	require.NotNil(t, rec.CompletedAt)

	order := f.order(t)
	assert.Equal(t, "120.00", money.Format(order.RefundedAmount))
	assert.Equal(t, orders.OrderRefunded, order.PaymentStatus)

	for _, id := range []string{"sub_0", "sub_1"} {
		esc := f.escrowFor(t, id)
		assert.Equal(t, escrow.StatusReturned, esc.Status)
		assert.True(t, esc.Commission.IsZero())
		assert.True(t, esc.Net.IsZero())
		assert.True(t, esc.Refunded.Equal(esc.Gross))

		sub, err := f.orders.GetSubOrder(ctx, id)
		require.NoError(t, err)
		assert.True(t, sub.RefundedAmount.Equal(esc.Refunded))
	}

	req := f.provider.requests[0]
	assert.Equal(t, "stripe", req.Provider)
	assert.Equal(t, "pi_123", req.ProviderRef)
	assert.Equal(t, rec.ID+"-1", req.IdempotencyKey)
}

func TestProcessFullRefund_ProviderFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	f.provider.decline("Your card has expired.")
	ctx := context.Background()

	rec, err := f.svc.ProcessFullRefund(ctx, "ord_1", "", "admin_1")
	require.ErrorIs(t, err, ErrProviderFailed)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "Your card has expired.", rec.ErrorMessage)

	stored, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)

	assert.True(t, f.order(t).RefundedAmount.IsZero())
	assert.Equal(t, escrow.StatusHeld, f.escrowFor(t, "sub_0").Status)
	assert.Equal(t, escrow.StatusHeld, f.escrowFor(t, "sub_1").Status)
}

func TestRetryFailedRefund(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	f.provider.fail(errors.New("connection reset"))
	ctx := context.Background()

	failed, err := f.svc.ProcessFullRefund(ctx, "ord_1", "", "admin_1")
	require.ErrorIs(t, err, ErrProviderFailed)
	assert.Equal(t, "connection reset", failed.ErrorMessage)

	rec, err := f.svc.RetryFailedRefund(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.ErrorMessage)
	assert.Equal(t, failed.ID+"-2", f.provider.requests[1].IdempotencyKey)
	assert.Equal(t, "120.00", money.Format(f.order(t).RefundedAmount))

	_, err = f.svc.RetryFailedRefund(ctx, failed.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, 2, f.provider.calls(), "completed refunds are never resent")
	assert.Equal(t, "120.00", money.Format(f.order(t).RefundedAmount))
}

func TestRetryFailedRefund_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RetryFailedRefund(context.Background(), "rfd_missing")
	assert.ErrorIs(t, err, ErrRefundNotFound)
}

func TestProcessPartialRefund_ProratesCommission(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "100.00", "20.00")
	ctx := context.Background()

	rec, err := f.svc.ProcessPartialRefund(ctx, "ord_1", "sub_0", money.MustParse("50"), "damaged", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, TypePartial, rec.Type)

	esc := f.escrowFor(t, "sub_0")
	assert.Equal(t, escrow.StatusPartiallyRefunded, esc.Status)
	assert.Equal(t, "5.00", money.Format(esc.Commission))
	assert.Equal(t, "45.00", money.Format(esc.Net))
	assert.Equal(t, "50.00", money.Format(esc.Refunded))
	assert.Contains(t, esc.Notes, rec.ID)

	order := f.order(t)
	assert.Equal(t, "50.00", money.Format(order.RefundedAmount))
	assert.Equal(t, orders.OrderPartiallyRefunded, order.PaymentStatus)

	sub, err := f.orders.GetSubOrder(ctx, "sub_0")
	require.NoError(t, err)
	assert.Equal(t, "50.00", money.Format(sub.RefundedAmount))

	assert.Equal(t, escrow.StatusHeld, f.escrowFor(t, "sub_1").Status, "other sub-orders are untouched")
}

func TestProcessPartialRefund_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	ctx := context.Background()

	tests := []struct {
		name     string
		subOrder string
		amount   string
		wantErr  error
	}{
		{"zero amount", "sub_0", "0", ErrInvalidAmount},
		{"negative amount", "sub_0", "-5", ErrInvalidAmount},
		{"exceeds sub-order", "sub_1", "40.01", ErrExceedsRefundable},
		{"unknown sub-order", "sub_9", "1", orders.ErrSubOrderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ProcessPartialRefund(ctx, "ord_1", tt.subOrder, decimal.RequireFromString(tt.amount), "", "admin_1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, f.provider.calls())
}

func TestProcessPartialRefund_RejectsReleasedEscrow(t *testing.T) {
	f := newFixture(t)
	subIDs := f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	f.releaseAll(t, subIDs[0])

	_, err := f.svc.ProcessPartialRefund(context.Background(), "ord_1", "sub_0", money.MustParse("10"), "", "admin_1")
	assert.ErrorIs(t, err, ErrEscrowReleased)
	assert.Equal(t, 0, f.provider.calls())
}

func TestProcessPartialRefund_FinalRefundMarksOrderRefunded(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "30.00")
	ctx := context.Background()

	_, err := f.svc.ProcessPartialRefund(ctx, "ord_1", "sub_0", money.MustParse("10"), "", "admin_1")
	require.NoError(t, err)
	_, err = f.svc.ProcessPartialRefund(ctx, "ord_1", "sub_0", money.MustParse("20"), "", "admin_1")
	require.NoError(t, err)

	assert.Equal(t, orders.OrderRefunded, f.order(t).PaymentStatus)
	assert.Equal(t, escrow.StatusReturned, f.escrowFor(t, "sub_0").Status)

	_, err = f.svc.ProcessFullRefund(ctx, "ord_1", "", "admin_1")
	assert.ErrorIs(t, err, ErrNotEligible)

	refunds, err := f.svc.ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Len(t, refunds, 2)
}

func TestProcessFullRefund_AfterPartialRefundsRemainder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	ctx := context.Background()

	_, err := f.svc.ProcessPartialRefund(ctx, "ord_1", "sub_0", money.MustParse("30"), "", "admin_1")
	require.NoError(t, err)

	rec, err := f.svc.ProcessFullRefund(ctx, "ord_1", "", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, "90.00", money.Format(rec.Amount))

	order := f.order(t)
	assert.True(t, order.RefundedAmount.Equal(order.Total))
	for _, id := range []string{"sub_0", "sub_1"} {
		esc := f.escrowFor(t, id)
		assert.Equal(t, escrow.StatusReturned, esc.Status)
		assert.NoError(t, esc.Validate())
	}
}

// A $120 payment split $80/$40 at 10% is allocated, delivered, released
// after the hold period, and then cannot be fully refunded.
func TestEndToEnd_ReleasedPayoutsBlockFullRefund(t *testing.T) {
	f := newFixture(t)
	subIDs := f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	ctx := context.Background()

	want := map[string][2]string{"sub_0": {"8.00", "72.00"}, "sub_1": {"4.00", "36.00"}}
	for id, amounts := range want {
		esc := f.escrowFor(t, id)
		assert.Equal(t, amounts[0], money.Format(esc.Commission))
		assert.Equal(t, amounts[1], money.Format(esc.Net))
	}

	f.releaseAll(t, subIDs...)
	for _, id := range subIDs {
		assert.Equal(t, escrow.StatusReleased, f.escrowFor(t, id).Status)
	}

	_, err := f.svc.ProcessFullRefund(ctx, "ord_1", "", "admin_1")
	assert.ErrorIs(t, err, ErrEscrowReleased)
	assert.Equal(t, 0, f.provider.calls())
	assert.True(t, f.order(t).RefundedAmount.IsZero())

	refunds, err := f.svc.ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Empty(t, refunds)
}

func TestProcessFullRefund_ConcurrentCallsRefundOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00", "40.00")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ProcessFullRefund(ctx, "ord_1", "", "admin_1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrNotEligible)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.provider.calls())
	assert.Equal(t, "120.00", money.Format(f.order(t).RefundedAmount))
}

func TestListByStatus_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, status := range []Status{StatusFailed, StatusCompleted, StatusFailed, StatusFailed, StatusFailed} {
		require.NoError(t, f.store.Create(ctx, &Record{
			ID: fmt.Sprintf("rfd_%d", i), OrderID: "ord_1", Type: TypeFull, Status: status,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := f.svc.ListByStatus(ctx, StatusFailed, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Refunds, 2)
	assert.Equal(t, "rfd_0", page.Refunds[0].ID)
	assert.Equal(t, "rfd_2", page.Refunds[1].ID)
	assert.True(t, page.HasMore)

	page, err = f.svc.ListByStatus(ctx, StatusFailed, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Refunds, 2)
	assert.Equal(t, "rfd_3", page.Refunds[0].ID)
	assert.Equal(t, "rfd_4", page.Refunds[1].ID)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	_, err = f.svc.ListByStatus(ctx, StatusFailed, 2, "garbage!")
	assert.ErrorIs(t, err, ErrInvalidCursor)
	_, err = f.svc.ListByStatus(ctx, Status("bogus"), 2, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestProcessFullRefund_GivesUpWhenOrderLockIsHeld(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00")

	unlock, err := f.svc.lock(context.Background(), "ord_1", "")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.svc.ProcessFullRefund(ctx, "ord_1", "", "admin_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.provider.calls())
}

func TestProcessPartialRefund_RejectsReturnedEscrowWithRoundingResidue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "50.00")
	ctx := context.Background()

	_, err := f.svc.ProcessPartialRefund(ctx, "ord_1", "sub_0", money.MustParse("49.99"), "", "admin_1")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReturned, f.escrowFor(t, "sub_0").Status)
	require.Equal(t, 1, f.provider.calls())

	el, err := f.svc.ValidateRefundEligibility(ctx, "ord_1", "sub_0")
	require.NoError(t, err)
	assert.False(t, el.Eligible)
	assert.True(t, el.Refundable.IsZero())
	assert.Contains(t, el.Reason, "already returned to buyer")

	_, err = f.svc.ProcessPartialRefund(ctx, "ord_1", "sub_0", money.MustParse("0.01"), "", "admin_1")
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, 1, f.provider.calls())

	refunds, err := f.svc.ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}

func TestProcessPartialRefund_ReleaseWaitsForProviderCall(t *testing.T) {
	f := newFixture(t)
	f.seed(t, orders.PaymentCompleted, "80.00")
	ctx := context.Background()
	require.NoError(t, f.orders.MarkSubOrderStatus(ctx, "sub_0", orders.SubOrderDelivered))
	escrowID := f.escrowFor(t, "sub_0").ID

	released := make(chan error, 1)
	f.provider.outcomes = append(f.provider.outcomes, func() (*provider.RefundResult, error) {
		go func() {
			_, err := f.escrows.Release(ctx, escrowID)
			released <- err
		}()
		select {
		case err := <-released:
			t.Errorf("release finished during provider call: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		return &provider.RefundResult{Success: true, ProviderRefundID: "prv_1"}, nil
	})

	rec, err := f.svc.ProcessPartialRefund(ctx, "ord_1", "sub_0", money.MustParse("10"), "", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Empty(t, rec.ErrorMessage)

	select {
	case err := <-released:
		assert.ErrorIs(t, err, escrow.ErrInvalidStatus)
	case <-time.After(time.Second):
		t.Fatal("release never ran")
	}
	esc := f.escrowFor(t, "sub_0")
	assert.Equal(t, escrow.StatusPartiallyRefunded, esc.Status)
	assert.Equal(t, "10.00", money.Format(esc.Refunded))
}
