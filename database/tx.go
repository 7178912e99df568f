// Transactions.
//
// WithTx runs several statements as one all-or-nothing unit. Without it each
// statement commits on its own, and a failure halfway through a migration
// leaves the schema half applied with no record of which half.
//
// Inside a transaction:
//   - fn returns nil: COMMIT
//   - fn returns an error: ROLLBACK, and the error is returned
//   - fn panics: ROLLBACK, then the panic continues
//
// Usage:
//
//	err := database.WithTx(ctx, db.Conn, func(tx *sql.Tx) error {
//	    if _, err := tx.ExecContext(ctx, "INSERT ...", ...); err != nil {
//	        return err // rollback
//	    }
//	    return nil // commit
//	})
//
// Repositories take a TxQuerier instead of *sql.DB, so the same repository
// code works on the pool or on the *sql.Tx handed to fn.

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// TxQuerier is satisfied by both *sql.DB and *sql.Tx, so repositories and
// migrations can run inside or outside a transaction.
type TxQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in a transaction: commit when fn returns nil, rollback on
// error or panic (the panic is re-raised).
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}

		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
			return
		}

		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	err = fn(tx)
	return
}
