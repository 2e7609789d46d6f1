package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement capability the repositories need. *pgxpool.Pool
// satisfies it; each call borrows a pooled connection and returns it when the
// statement (or the rows/transaction) completes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ExternalIDMaxLength is the width of devices.external_id, in characters
const ExternalIDMaxLength = 64
