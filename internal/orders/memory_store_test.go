package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RefundBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveOrder(ctx, &Order{ID: "o1", Total: decimal.NewFromInt(100), PaymentStatus: OrderPaid}))
	require.NoError(t, store.SaveSubOrder(ctx, &SubOrder{ID: "s1", OrderID: "o1", Total: decimal.NewFromInt(100)}))

	require.NoError(t, store.AddOrderRefund(ctx, "o1", decimal.NewFromInt(30), OrderPartiallyRefunded))
	require.NoError(t, store.AddSubOrderRefund(ctx, "s1", decimal.NewFromInt(30)))

	o, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "70", o.Remaining().String())
	assert.Equal(t, OrderPartiallyRefunded, o.PaymentStatus)

	s, err := store.GetSubOrder(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "70", s.Remaining().String())

	assert.ErrorIs(t, store.AddOrderRefund(ctx, "missing", decimal.NewFromInt(1), OrderRefunded), ErrOrderNotFound)
	assert.ErrorIs(t, store.AddSubOrderRefund(ctx, "missing", decimal.NewFromInt(1)), ErrSubOrderNotFound)
}

func TestMemoryStore_GetOrderPaymentPrefersSettled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SavePayment(ctx, &Payment{ID: "p1", OrderID: "o1", Status: PaymentFailed}))
	require.NoError(t, store.SavePayment(ctx, &Payment{ID: "p0", OrderID: "o1", Status: PaymentCompleted}))

	p, err := store.GetOrderPayment(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "p0", p.ID)

	_, err = store.GetOrderPayment(ctx, "o2")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestMemoryStore_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveSubOrder(ctx, &SubOrder{ID: "s1", Status: SubOrderShipped}))

	restore := store.Snapshot()
	require.NoError(t, store.MarkSubOrderStatus(ctx, "s1", SubOrderDelivered))
	s, err := store.GetSubOrder(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SubOrderDelivered, s.Status)

	restore()
	s, err = store.GetSubOrder(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SubOrderShipped, s.Status)
}
