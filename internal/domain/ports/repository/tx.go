package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an infra-defined transaction handle (pgx.Tx for Postgres).
// Stores must accept nil and fall back to a non-transactional path.
type Tx interface{}

// TransactionManager runs fn inside one database transaction. The batch
// store uses it so an item write, the count update and batch finalization
// commit together.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
