package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// busyRetries bounds how often WithRetry re-runs an operation that keeps
// failing with SQLITE_BUSY after the connection's own busy_timeout.
const busyRetries = 6

// IsBusy reports whether err is SQLite lock contention (SQLITE_BUSY or SQLITE_LOCKED).
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// WithRetry runs op, retrying with exponential backoff while it fails with a
// busy error. Any other error is returned immediately. When retries are
// exhausted the last busy error is returned.
func WithRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsBusy(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(busyRetries))
}
