package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/escrow"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/refund"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	svc     *Service
	escrows *escrow.MemoryStore
	refunds *refund.MemoryStore
	orders  *orders.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		escrows: escrow.NewMemoryStore(),
		refunds: refund.NewMemoryStore(),
		orders:  orders.NewMemoryStore(),
	}
	f.svc = NewService(f.escrows, f.refunds, f.orders, testLogger())
	f.svc.now = func() time.Time { return t0 }
	return f
}

// seed stores an $80 order with one sub-order, its escrow record after a $20
// refund, and the matching completed refund.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.orders.SaveOrder(ctx, &orders.Order{
		ID: "ord_1", Total: money.MustParse("80"), RefundedAmount: money.MustParse("20"),
		PaymentStatus: orders.OrderPartiallyRefunded, Currency: "USD",
	}))
	require.NoError(t, f.orders.SaveSubOrder(ctx, &orders.SubOrder{
		ID: "sub_1", OrderID: "ord_1", StoreID: "store_1", Total: money.MustParse("80"),
		RefundedAmount: money.MustParse("20"), Status: orders.SubOrderDelivered,
	}))
	require.NoError(t, f.escrows.Create(ctx, &escrow.Record{
		ID: "esc_1", PaymentID: "pay_1", OrderID: "ord_1", SubOrderID: "sub_1", StoreID: "store_1",
		Currency: "USD", Gross: money.MustParse("80"), Commission: money.MustParse("6"),
		Net: money.MustParse("54"), Refunded: money.MustParse("20"),
		Status: escrow.StatusPartiallyRefunded, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, f.refunds.Create(ctx, &refund.Record{
		ID: "rfd_1", OrderID: "ord_1", SubOrderID: "sub_1", PaymentID: "pay_1",
		Type: refund.TypePartial, Amount: money.MustParse("20"), Status: refund.StatusCompleted,
		CreatedAt: t0, UpdatedAt: t0,
	}))
}

func TestRun_Clean(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report.Findings)
	assert.Equal(t, 1, report.CheckedEscrows)
	assert.Equal(t, 1, report.CheckedOrders)
}

func TestRun_DetectsEscrowInvariantViolation(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	rec, err := f.escrows.Get(ctx, "esc_1")
	require.NoError(t, err)
	rec.Net = money.MustParse("60")
	require.NoError(t, f.escrows.Update(ctx, rec))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(KindEscrowInvariant))
}

func TestRun_DetectsRefundMismatches(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.orders.AddOrderRefund(ctx, "ord_1", money.MustParse("5"), orders.OrderPartiallyRefunded))
	require.NoError(t, f.orders.AddSubOrderRefund(ctx, "sub_1", money.MustParse("5")))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(KindOrderRefund))
	require.Equal(t, 1, report.Count(KindSubOrderRefund))
	for _, finding := range report.Findings {
		assert.Equal(t, "20.00", finding.Expected)
		assert.Equal(t, "25.00", finding.Actual)
	}
}

func TestRun_DetectsStuckRefunds(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.refunds.Create(ctx, &refund.Record{
		ID: "rfd_old", OrderID: "ord_1", Status: refund.StatusProcessing,
		ErrorMessage: "ledger update failed after provider refund",
		CreatedAt:    t0.Add(-time.Hour), UpdatedAt: t0.Add(-time.Hour),
	}))
	require.NoError(t, f.refunds.Create(ctx, &refund.Record{
		ID: "rfd_new", OrderID: "ord_1", Status: refund.StatusProcessing,
		CreatedAt: t0.Add(-time.Minute), UpdatedAt: t0.Add(-time.Minute),
	}))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(KindStuckRefund))
	assert.Equal(t, "rfd_old", report.Findings[0].ID)
}

type failingEscrows struct{}

func (failingEscrows) ListByStatus(context.Context, escrow.Status, int) ([]*escrow.Record, error) {
	return nil, errors.New("db down")
}

func TestRun_ListFailureAborts(t *testing.T) {
	f := newFixture(t)
	svc := NewService(failingEscrows{}, f.refunds, f.orders, testLogger())

	_, err := svc.Run(context.Background())
	assert.Error(t, err)
}

func TestTimer_StopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.svc, time.Hour, testLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
