package commission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/marketsettle/internal/txn"
)

// PostgresStore persists rules, audit records and the platform default in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed commission store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, applicability, category_id, store_id, seller_tier,
		       percentage, fixed_amount, priority, effective_start, effective_end,
		       active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Rule) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO commission_rules (
			id, name, applicability, category_id, store_id, seller_tier,
			percentage, fixed_amount, priority, effective_start, effective_end,
			active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.Name, string(r.Applicability),
		nullString(r.CategoryID), nullString(r.StoreID), nullString(r.SellerTier),
		r.Percentage, r.FixedAmount, r.Priority, r.EffectiveStart, nullTime(r.EffectiveEnd),
		r.Active, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, r *Rule) error {
	result, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE commission_rules SET
			name = $1, applicability = $2, category_id = $3, store_id = $4, seller_tier = $5,
			percentage = $6, fixed_amount = $7, priority = $8,
			effective_start = $9, effective_end = $10, active = $11, updated_at = $12
		WHERE id = $13`,
		r.Name, string(r.Applicability),
		nullString(r.CategoryID), nullString(r.StoreID), nullString(r.SellerTier),
		r.Percentage, r.FixedAmount, r.Priority,
		r.EffectiveStart, nullTime(r.EffectiveEnd), r.Active, r.UpdatedAt,
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
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM commission_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Rule, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM commission_rules
		WHERE ($1 = '' OR applicability = $1)
		  AND (NOT $2 OR active)
		ORDER BY created_at DESC, id
		LIMIT $3`, string(filter.Applicability), filter.ActiveOnly, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Rule, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM commission_rules
		WHERE active`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

func (p *PostgresStore) ListActiveByScope(ctx context.Context, applicability Applicability, scopeKey string) ([]*Rule, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM commission_rules
		WHERE active
		  AND applicability = $1
		  AND COALESCE(CASE applicability
		        WHEN 'category' THEN category_id
		        WHEN 'seller' THEN store_id
		        WHEN 'seller_tier' THEN seller_tier
		      END, '') = $2`, string(applicability), scopeKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// LockScope takes a transaction-scoped advisory lock on the scope so two
// concurrent writes cannot both pass the overlap check.
func (p *PostgresStore) LockScope(ctx context.Context, applicability Applicability, scopeKey string) error {
	if !txn.InTransaction(ctx) {
		return nil
	}
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "commission_rule:"+string(applicability)+":"+scopeKey)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, a *AuditRecord) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO commission_audits (
			id, escrow_id, sub_order_id, kind, source, rule_id,
			gross, percentage, fixed_amount, amount, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.EscrowID, nullString(a.SubOrderID), string(a.Kind), string(a.Source), nullString(a.RuleID),
		a.Gross, a.Percentage, a.FixedAmount, a.Amount, nullString(a.Note), a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*AuditRecord, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, escrow_id, sub_order_id, kind, source, rule_id,
		       gross, percentage, fixed_amount, amount, note, created_at
		FROM commission_audits
		WHERE escrow_id = $1
		ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditRecord
	for rows.Next() {
		a := &AuditRecord{}
		var subOrderID, ruleID, note sql.NullString
		var kind, source string
		if err := rows.Scan(
			&a.ID, &a.EscrowID, &subOrderID, &kind, &source, &ruleID,
			&a.Gross, &a.Percentage, &a.FixedAmount, &a.Amount, &note, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.SubOrderID = subOrderID.String
		a.RuleID = ruleID.String
		a.Note = note.String
		a.Kind = AuditKind(kind)
		a.Source = Source(source)
		result = append(result, a)
	}
	return result, rows.Err()
}

// CurrentDefault returns the most recent active platform default.
func (p *PostgresStore) CurrentDefault(ctx context.Context) (*DefaultConfig, error) {
	cfg := &DefaultConfig{}
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT percentage, fixed_amount, active
		FROM commission_defaults
		WHERE active
		ORDER BY created_at DESC
		LIMIT 1`).Scan(&cfg.Percentage, &cfg.FixedAmount, &cfg.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*Rule, error) {
	r := &Rule{}
	var applicability string
	var categoryID, storeID, sellerTier sql.NullString
	var end sql.NullTime
	if err := row.Scan(
		&r.ID, &r.Name, &applicability, &categoryID, &storeID, &sellerTier,
		&r.Percentage, &r.FixedAmount, &r.Priority, &r.EffectiveStart, &end,
		&r.Active, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Applicability = Applicability(applicability)
	r.CategoryID = categoryID.String
	r.StoreID = storeID.String
	r.SellerTier = sellerTier.String
	if end.Valid {
		t := end.Time
		r.EffectiveEnd = &t
	}
	return r, nil
}

func scanRules(rows *sql.Rows) ([]*Rule, error) {
	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
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
	_ RuleStore           = (*PostgresStore)(nil)
	_ AuditStore          = (*PostgresStore)(nil)
	_ DefaultConfigSource = (*PostgresStore)(nil)
	_ ScopeLocker         = (*PostgresStore)(nil)
	_ RuleStore           = (*MemoryStore)(nil)
	_ AuditStore          = (*MemoryStore)(nil)
)
