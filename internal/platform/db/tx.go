package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DBTxKey carries an open transaction through a request context. Repository
// conn() helpers prefer the transaction over the tenant connection when both
// are present, so multi-repo operations inside WithTx commit atomically.
const DBTxKey contextKey = "db_tx"

// ErrNoConn reports that the context carries no pinned tenant connection.
// Callers that can tolerate running non-transactionally check for it and
// proceed on the pool.
var ErrNoConn = errors.New("no database connection in context")

// TxFromContext retrieves the active transaction from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection carried by ctx and
// returns a derived context that routes repository calls through it. The
// caller owns Commit and Rollback on the returned transaction. Without a
// tenant connection the original context comes back with ErrNoConn.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, ErrNoConn
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}
