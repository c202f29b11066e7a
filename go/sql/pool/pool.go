// Package pool defines an interface for a pool of SQL connections. It is a
// subset of pgxpool.Pool, which allows wrapping a pool with other
// functionality, such as transaction helpers and test fakes.
package pool

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

// Pool is an interface with the portions of pgxpool.Pool that we use, which
// allows for some introspection and modification of the calls to the
// database.
type Pool interface {
	// Close closes all connections in the pool.
	Close()

	// Exec executes the given SQL.
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)

	// Query runs the given query and returns the resulting rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)

	// QueryRow runs a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row

	// Begin starts a transaction.
	Begin(ctx context.Context) (pgx.Tx, error)

	// BeginTx starts a transaction with the given options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)

	// BeginFunc runs f inside a transaction, committing if f returns nil and
	// rolling back otherwise.
	BeginFunc(ctx context.Context, f func(pgx.Tx) error) error

	// Ping checks the database connection.
	Ping(ctx context.Context) error
}
