// Package txn provides the unit of work shared by the settlement stores.
//
// A Runner opens one transaction per operation and carries it in the
// context. Stores resolve their connection with Conn, so any store method
// called inside InTx joins the open transaction. InTx is re-entrant: a
// nested call runs inside the outer unit of work.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type ctxKey struct{}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Runner executes fn as one atomic unit of work.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// InTransaction reports whether ctx carries an open unit of work.
func InTransaction(ctx context.Context) bool {
	return ctx.Value(ctxKey{}) != nil
}

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(ctxKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// SQLRunner runs units of work as database transactions.
type SQLRunner struct {
	db *sql.DB
}

// NewSQLRunner creates a Runner backed by db.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db}
}

// InTx begins a READ COMMITTED transaction, runs fn and commits. Rows that
// must not change underneath fn are locked with SELECT ... FOR UPDATE by the
// stores.
func (r *SQLRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, ctxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Snapshotter is implemented by in-memory stores. Snapshot captures the
// current state and returns a function that restores it.
type Snapshotter interface {
	Snapshot() (restore func())
}

// MemoryRunner serializes units of work over in-memory stores and restores
// every registered store when fn fails.
type MemoryRunner struct {
	mu     sync.Mutex
	stores []Snapshotter
}

// NewMemoryRunner creates a MemoryRunner over the given stores.
func NewMemoryRunner(stores ...Snapshotter) *MemoryRunner {
	return &MemoryRunner{stores: stores}
}

// Register adds stores that take part in future units of work.
func (r *MemoryRunner) Register(stores ...Snapshotter) {
	r.mu.Lock()
	r.stores = append(r.stores, stores...)
	r.mu.Unlock()
}

// InTx runs fn with rollback-on-error semantics.
func (r *MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restores := make([]func(), 0, len(r.stores))
	for _, s := range r.stores {
		restores = append(restores, s.Snapshot())
	}

	if err := fn(context.WithValue(ctx, ctxKey{}, memoryTx{})); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

type memoryTx struct{}
