package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/marketsettle/internal/txn"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payment_id, order_id, sub_order_id, store_id, currency,
		       gross, commission, net, refunded, status,
		       eligible_at, released_at, returned_at, notes, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrows (
			id, payment_id, order_id, sub_order_id, store_id, currency,
			gross, commission, net, refunded, status,
			eligible_at, released_at, returned_at, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17
		)`,
		r.ID, r.PaymentID, r.OrderID, r.SubOrderID, r.StoreID, r.Currency,
		r.Gross, r.Commission, r.Net, r.Refunded, string(r.Status),
		nullTime(r.EligibleAt), nullTime(r.ReleasedAt), nullTime(r.ReturnedAt), nullString(r.Notes),
		r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateSubOrder
	}
	return err
}

// Get reads a record, locking the row when called inside a transaction.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	q := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	if txn.InTransaction(ctx) {
		q += ` FOR UPDATE`
	}
	r, err := scanRecord(txn.Conn(ctx, p.db).QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrows SET
			commission = $1, net = $2, refunded = $3, status = $4,
			eligible_at = $5, released_at = $6, returned_at = $7,
			notes = $8, updated_at = $9
		WHERE id = $10`,
		r.Commission, r.Net, r.Refunded, string(r.Status),
		nullTime(r.EligibleAt), nullTime(r.ReleasedAt), nullTime(r.ReturnedAt),
		nullString(r.Notes), r.UpdatedAt,
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
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) GetBySubOrder(ctx context.Context, subOrderID string) (*Record, error) {
	r, err := scanRecord(txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE sub_order_id = $1`, subOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Record, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE payment_id = $1
		ORDER BY created_at, sub_order_id`, paymentID)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE order_id = $1
		ORDER BY created_at, sub_order_id`, orderID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) ListDue(ctx context.Context, t time.Time, limit int) ([]*Record, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'eligible_for_payout'
		  AND eligible_at <= $1
		ORDER BY eligible_at
		LIMIT $2`, t, limit)
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
	var status string
	var eligibleAt, releasedAt, returnedAt sql.NullTime
	var notes sql.NullString
	err := row.Scan(
		&r.ID, &r.PaymentID, &r.OrderID, &r.SubOrderID, &r.StoreID, &r.Currency,
		&r.Gross, &r.Commission, &r.Net, &r.Refunded, &status,
		&eligibleAt, &releasedAt, &returnedAt, &notes, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.EligibleAt = timePtr(eligibleAt)
	r.ReleasedAt = timePtr(releasedAt)
	r.ReturnedAt = timePtr(returnedAt)
	r.Notes = notes.String
	return r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
