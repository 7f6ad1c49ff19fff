package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/txn"
)

// PostgresStore reads and updates the order tables owned by checkout.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, order_id, provider, provider_ref, amount, currency, status, completed_at`

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetOrderPayment(ctx context.Context, orderID string) (*Payment, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY (status IN ('completed', 'authorized')) DESC, completed_at DESC NULLS LAST, id DESC
		LIMIT 1`, orderID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

// GetOrder locks the order row when called inside a transaction so that
// concurrent refunds against the same order serialize.
func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	q := `SELECT id, total, refunded_amount, payment_status, currency, updated_at FROM orders WHERE id = $1`
	if txn.InTransaction(ctx) {
		q += ` FOR UPDATE`
	}
	o := &Order{}
	var status string
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, q, id).
		Scan(&o.ID, &o.Total, &o.RefundedAmount, &status, &o.Currency, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.PaymentStatus = OrderPaymentStatus(status)
	return o, nil
}

const subOrderColumns = `id, order_id, store_id, seller_tier, total, refunded_amount, status, first_item_category_id, updated_at`

func (p *PostgresStore) GetSubOrder(ctx context.Context, id string) (*SubOrder, error) {
	q := `SELECT ` + subOrderColumns + ` FROM sub_orders WHERE id = $1`
	if txn.InTransaction(ctx) {
		q += ` FOR UPDATE`
	}
	s, err := scanSubOrder(txn.Conn(ctx, p.db).QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubOrderNotFound
	}
	return s, err
}

func (p *PostgresStore) ListSubOrders(ctx context.Context, orderID string) ([]*SubOrder, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+subOrderColumns+`
		FROM sub_orders
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubOrders(rows)
}

func (p *PostgresStore) AddOrderRefund(ctx context.Context, orderID string, amount decimal.Decimal, status OrderPaymentStatus) error {
	return p.execOne(ctx, ErrOrderNotFound, `
		UPDATE orders
		SET refunded_amount = refunded_amount + $1, payment_status = $2, updated_at = $3
		WHERE id = $4`, amount, string(status), time.Now(), orderID)
}

func (p *PostgresStore) AddSubOrderRefund(ctx context.Context, subOrderID string, amount decimal.Decimal) error {
	return p.execOne(ctx, ErrSubOrderNotFound, `
		UPDATE sub_orders
		SET refunded_amount = refunded_amount + $1, updated_at = $2
		WHERE id = $3`, amount, time.Now(), subOrderID)
}

func (p *PostgresStore) MarkSubOrderStatus(ctx context.Context, subOrderID string, status SubOrderStatus) error {
	return p.execOne(ctx, ErrSubOrderNotFound, `
		UPDATE sub_orders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), subOrderID)
}

func (p *PostgresStore) SaveOrder(ctx context.Context, o *Order) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO orders (id, total, refunded_amount, payment_status, currency, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			total = EXCLUDED.total, refunded_amount = EXCLUDED.refunded_amount,
			payment_status = EXCLUDED.payment_status, currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.Total, o.RefundedAmount, string(o.PaymentStatus), o.Currency, stamp(o.UpdatedAt))
	return err
}

func (p *PostgresStore) SaveSubOrder(ctx context.Context, s *SubOrder) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO sub_orders (id, order_id, store_id, seller_tier, total, refunded_amount, status, first_item_category_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			store_id = EXCLUDED.store_id, seller_tier = EXCLUDED.seller_tier,
			total = EXCLUDED.total, refunded_amount = EXCLUDED.refunded_amount,
			status = EXCLUDED.status, first_item_category_id = EXCLUDED.first_item_category_id,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.OrderID, s.StoreID, nullString(s.SellerTier), s.Total, s.RefundedAmount,
		string(s.Status), nullString(s.FirstItemCategoryID), stamp(s.UpdatedAt))
	return err
}

func (p *PostgresStore) SavePayment(ctx context.Context, pay *Payment) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO payments (id, order_id, provider, provider_ref, amount, currency, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider, provider_ref = EXCLUDED.provider_ref,
			amount = EXCLUDED.amount, currency = EXCLUDED.currency,
			status = EXCLUDED.status, completed_at = EXCLUDED.completed_at`,
		pay.ID, pay.OrderID, pay.Provider, nullString(pay.ProviderRef), pay.Amount, pay.Currency,
		string(pay.Status), nullTime(pay.CompletedAt))
	return err
}

func (p *PostgresStore) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	result, err := txn.Conn(ctx, p.db).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	pay := &Payment{}
	var ref sql.NullString
	var status string
	var completed sql.NullTime
	if err := row.Scan(&pay.ID, &pay.OrderID, &pay.Provider, &ref, &pay.Amount, &pay.Currency, &status, &completed); err != nil {
		return nil, err
	}
	pay.ProviderRef = ref.String
	pay.Status = PaymentStatus(status)
	if completed.Valid {
		t := completed.Time
		pay.CompletedAt = &t
	}
	return pay, nil
}

func scanSubOrder(row scanner) (*SubOrder, error) {
	s := &SubOrder{}
	var tier, category sql.NullString
	var status string
	if err := row.Scan(&s.ID, &s.OrderID, &s.StoreID, &tier, &s.Total, &s.RefundedAmount,
		&status, &category, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.SellerTier = tier.String
	s.FirstItemCategoryID = category.String
	s.Status = SubOrderStatus(status)
	return s, nil
}

func scanSubOrders(rows *sql.Rows) ([]*SubOrder, error) {
	var result []*SubOrder
	for rows.Next() {
		s, err := scanSubOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
