package postgres

import (
	"context"

	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/sentry"
	"go.uber.org/fx"
)

// IClient defines the interface for postgres client operations
type IClient interface {
	// WithTx wraps the given function in a transaction
	WithTx(ctx context.Context, fn func(context.Context) error) error

	// Querier returns the current transaction if in a transaction, or the pool
	Querier(ctx context.Context) Querier
}

// Module provides the sqlx pool, the instrumented client and the advisory locker
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			NewDB,
			NewClient,
			fx.Annotate(NewAdvisoryLocker, fx.As(new(lock.Locker))),
		),
	)
}

// NewClient returns the sentry instrumented client over db
func NewClient(db *DB, sentrySvc *sentry.Service, log *logger.Logger) IClient {
	return NewSentryClient(db, sentrySvc, log)
}

// InlineClient stands in for the database when repositories are held in
// memory. Transactions run fn directly and there is no querier.
type InlineClient struct{}

var _ IClient = InlineClient{}

func (InlineClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (InlineClient) Querier(ctx context.Context) Querier {
	return nil
}
