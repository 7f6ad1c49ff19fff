package refund

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/marketsettle/internal/txn"
)

// PostgresStore persists refunds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `id, order_id, sub_order_id, payment_id, type, amount, currency,
		       reason, initiated_by, status, provider, provider_ref, error_message,
		       attempts, created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO refunds (
			id, order_id, sub_order_id, payment_id, type, amount, currency,
			reason, initiated_by, status, provider, provider_ref, error_message,
			attempts, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		r.ID, r.OrderID, nullString(r.SubOrderID), r.PaymentID, string(r.Type), r.Amount, r.Currency,
		nullString(r.Reason), nullString(r.InitiatedBy), string(r.Status), r.Provider,
		nullString(r.ProviderRef), nullString(r.ErrorMessage),
		r.Attempts, r.CreatedAt, r.UpdatedAt, nullTime(r.CompletedAt),
	)
	return err
}

// Get reads a refund, locking the row when called inside a transaction.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	q := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	if txn.InTransaction(ctx) {
		q += ` FOR UPDATE`
	}
	r, err := scanRecord(txn.Conn(ctx, p.db).QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE refunds SET
			amount = $1, status = $2, provider_ref = $3, error_message = $4,
			attempts = $5, updated_at = $6, completed_at = $7
		WHERE id = $8`,
		r.Amount, string(r.Status), nullString(r.ProviderRef), nullString(r.ErrorMessage),
		r.Attempts, r.UpdatedAt, nullTime(r.CompletedAt),
		r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	return p.query(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)
	if o.after != nil {
		return p.query(ctx, `
			SELECT `+refundColumns+`
			FROM refunds
			WHERE status = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4`, string(status), o.after.CreatedAt, o.after.ID, limit)
	}
	return p.query(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var typ, status string
	var subOrderID, reason, initiatedBy, providerRef, errorMessage sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.OrderID, &subOrderID, &r.PaymentID, &typ, &r.Amount, &r.Currency,
		&reason, &initiatedBy, &status, &r.Provider, &providerRef, &errorMessage,
		&r.Attempts, &r.CreatedAt, &r.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Type = Type(typ)
	r.Status = Status(status)
	r.SubOrderID = subOrderID.String
	r.Reason = reason.String
	r.InitiatedBy = initiatedBy.String
	r.ProviderRef = providerRef.String
	r.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

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
