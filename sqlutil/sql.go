package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	return WithTxnOptions(context.Background(), db, nil, fn)
}

// WithTxnOptions is WithTransaction with a context and explicit transaction options,
// e.g. the isolation level.
func WithTxnOptions(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// WithSerializableTransaction runs fn in a SERIALIZABLE transaction. If postgres aborts the
// transaction because it could not be serialized against a concurrent one, the whole
// transaction including fn is re-run, up to maxRetries extra times. fn must therefore re-read
// everything it depends on. onRetry, if non-nil, is called before each re-run.
func WithSerializableTransaction(ctx context.Context, db *sqlx.DB, maxRetries int, onRetry func(attempt int, err error), fn func(txn *sqlx.Tx) error) (err error) {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	for attempt := 0; ; attempt++ {
		err = WithTxnOptions(ctx, db, opts, fn)
		if err == nil || !IsSerializationFailure(err) || attempt >= maxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
	}
}

// IsSerializationFailure returns true if err (or an error it wraps) is a postgres
// serialization_failure or deadlock_detected error. Both are safe to retry.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
