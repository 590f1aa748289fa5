package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	writeAttempts  = 4
	writeBaseDelay = 25 * time.Millisecond
)

// transientConflict reports whether err is a Postgres serialization failure
// or deadlock. Racing sync writers can trip either; both resolve by simply
// re-running the transaction.
func transientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withTxRetry runs fn, re-running it on transient conflicts with jittered
// exponential backoff. fn must own its transaction from begin to commit so a
// re-run starts clean. Any other error, including unique violations, passes
// straight through.
func withTxRetry(ctx context.Context, fn func() error) error {
	delay := writeBaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !transientConflict(err) || attempt == writeAttempts {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // backoff jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
