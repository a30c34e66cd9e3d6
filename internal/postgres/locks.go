package postgres

import (
	"context"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/lib/pq"
)

// AdvisoryLocker serialises work across processes with transaction scoped
// advisory locks. The lock is released on commit or rollback.
type AdvisoryLocker struct {
	client IClient
}

var _ lock.Locker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(client IClient) *AdvisoryLocker {
	return &AdvisoryLocker{client: client}
}

// WithLock opens a transaction, takes the lock for key and runs fn inside it.
// Writes done by fn through the context commit together with the lock release.
func (l *AdvisoryLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.client.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := l.client.Querier(txCtx).ExecContext(txCtx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			if isLockTimeoutError(err) {
				return ierr.WithError(err).
					WithHintf("Timed out waiting for lock %s", key).
					Mark(ierr.ErrInvalidOperation)
			}
			return ierr.WithError(err).
				WithHint("Failed to acquire lock").
				WithReportableDetails(map[string]any{"key": key}).
				Mark(ierr.ErrDatabase)
		}
		return fn(txCtx)
	})
}

// isLockTimeoutError matches 55P03 lock_not_available
func isLockTimeoutError(err error) bool {
	var pqErr *pq.Error
	if ierr.As(err, &pqErr) {
		return pqErr.Code == "55P03"
	}
	return false
}

// IsUniqueViolation matches 23505 unique_violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ierr.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
