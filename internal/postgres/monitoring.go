package postgres

import (
	"context"

	"github.com/flexprice/billingengine/internal/logger"
	sentryService "github.com/flexprice/billingengine/internal/sentry"
)

// SentryClient wraps a postgres client with Sentry span tracking on transactions
type SentryClient struct {
	client IClient
	sentry *sentryService.Service
	logger *logger.Logger
}

func NewSentryClient(client IClient, sentry *sentryService.Service, logger *logger.Logger) IClient {
	return &SentryClient{
		client: client,
		sentry: sentry,
		logger: logger,
	}
}

func (c *SentryClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	span, spanCtx := c.sentry.StartDBSpan(ctx, "postgres.transaction", map[string]interface{}{
		"operation": "transaction",
	})
	err := c.client.WithTx(spanCtx, fn)
	sentryService.FinishSpan(span, err)
	return err
}

// Querier is not instrumented here; repositories open their own spans
func (c *SentryClient) Querier(ctx context.Context) Querier {
	return c.client.Querier(ctx)
}
