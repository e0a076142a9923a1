package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// txReplays is how many times inTx replays a transaction after a
// transient conflict.
const txReplays = 3

// isRetriable reports Postgres errors after which replaying the whole
// transaction can succeed.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}

func txBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, txReplays)
}

// replay runs fn until it succeeds, fails permanently or b gives up.
// Only retriable errors are replayed; the last error is returned as is.
func replay(ctx context.Context, b backoff.BackOff, fn func() error, onReplay func(error, time.Duration)) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !isRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), onReplay)
}

// inTx runs fn in a transaction bounded by the query timeout. The whole
// transaction is replayed on serialization failures and deadlocks, so fn
// must reset any state it accumulates outside the transaction.
func (db *DB) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return replay(ctx, txBackOff(), func() error {
		return pgx.BeginFunc(ctx, db.pool, fn)
	}, func(err error, wait time.Duration) {
		db.logger.Debug("storage: replaying transaction", "error", err, "wait", wait)
	})
}
