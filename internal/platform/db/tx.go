package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	txKey           contextKey = "db_tx"
	compensationKey contextKey = "db_compensation"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx stores a transaction in ctx so repositories join it.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// QuerierFrom returns the ambient transaction when present, otherwise the pool.
func QuerierFrom(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// UnitOfWork runs fn so that every write it performs commits or rolls back together.
// Nested calls join the outer unit.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context) error) error
}

// PGUnitOfWork implements UnitOfWork with a single pgx transaction.
type PGUnitOfWork struct {
	pool *pgxpool.Pool
}

// NewPGUnitOfWork creates a transactional unit of work over pool.
func NewPGUnitOfWork(pool *pgxpool.Pool) *PGUnitOfWork {
	return &PGUnitOfWork{pool: pool}
}

func (u *PGUnitOfWork) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// compensations collects undo actions registered by in-memory stores.
type compensations struct {
	mu  sync.Mutex
	fns []func()
}

func (c *compensations) add(fn func()) {
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

// run undoes in reverse registration order.
func (c *compensations) run() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// MemoryUnitOfWork implements UnitOfWork for in-memory stores through
// compensating actions: stores register an undo with OnRollback after each
// write, and the undos run when fn fails.
type MemoryUnitOfWork struct{}

// NewMemoryUnitOfWork creates a compensating unit of work.
func NewMemoryUnitOfWork() *MemoryUnitOfWork {
	return &MemoryUnitOfWork{}
}

func (MemoryUnitOfWork) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(compensationKey).(*compensations); ok {
		return fn(ctx)
	}

	c := &compensations{}
	if err := fn(context.WithValue(ctx, compensationKey, c)); err != nil {
		c.run()
		return err
	}
	return nil
}

// OnRollback registers undo to run if the surrounding in-memory unit of work
// fails. It reports whether a unit of work was active.
func OnRollback(ctx context.Context, undo func()) bool {
	c, ok := ctx.Value(compensationKey).(*compensations)
	if !ok {
		return false
	}
	c.add(undo)
	return true
}
