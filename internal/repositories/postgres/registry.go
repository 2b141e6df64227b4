package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/oakmere/storefront/internal/repositories"
)

type txContextKey struct{}

// withTx stores the active transaction on the context so repository calls made
// inside RunInTx share it.
func withTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// querier returns the transaction bound to ctx, or the pool when none is.
func querier(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(txContextKey{}).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return db
}

// Registry wires the Postgres repositories behind the repositories.Registry
// contract and owns the shared connection pool.
type Registry struct {
	db      *sqlx.DB
	orders  *OrderRepository
	history *StatusHistoryRepository
	health  repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds a registry over an open connection pool.
func NewRegistry(db *sqlx.DB, health repositories.HealthRepository) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres: db is required")
	}
	if health == nil {
		return nil, errors.New("postgres: health repository is required")
	}
	return &Registry{
		db:      db,
		orders:  NewOrderRepository(db),
		history: NewStatusHistoryRepository(db),
		health:  health,
	}, nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close(context.Context) error {
	return r.db.Close()
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// StatusHistory returns the status history repository.
func (r *Registry) StatusHistory() repositories.StatusHistoryRepository { return r.history }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a single database transaction. Repository calls
// made with the callback context join the transaction automatically.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return WrapError("postgres: begin tx", err)
	}

	if err := fn(withTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return WrapError("postgres: commit tx", err)
	}
	return nil
}
