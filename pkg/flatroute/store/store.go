package store

import (
	"context"

	"github.com/cognicore/flatroute/pkg/flatroute/record"
)

// Store is the destination for typed records. Every write goes through a
// transaction obtained from Begin.
type Store interface {
	Close() error

	// Begin opens a transaction scope. One chunk uses exactly one Tx.
	Begin(ctx context.Context) (Tx, error)

	// Read helpers
	CountCustomers(ctx context.Context) (int64, error)
	CountProducts(ctx context.Context) (int64, error)
	ListCustomers(ctx context.Context) ([]record.Customer, error)
	ListProducts(ctx context.Context) ([]record.Product, error)
}

// Tx is a transaction spanning every table a chunk touches.
// Inserts must fail with an error wrapping internalerr.ErrDuplicate when a
// row with the same id already exists.
type Tx interface {
	InsertCustomers(ctx context.Context, rows []*record.Customer) error
	InsertProducts(ctx context.Context, rows []*record.Product) error

	Commit() error
	// Rollback after Commit is a no-op.
	Rollback() error
}
