package testutil

import (
	"context"
	"sync"

	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
)

var _ postgres.IClient = (*MockPostgresClient)(nil)

type txDepthKey struct{}

// MockPostgresClient runs transactional work inline against the in-memory stores
type MockPostgresClient struct {
	logger *logger.Logger

	mu  sync.Mutex
	txs int
}

func NewMockPostgresClient(logger *logger.Logger) *MockPostgresClient {
	return &MockPostgresClient{logger: logger}
}

// WithTx nests through the context, so concurrent callers each get their own outermost transaction
func (c *MockPostgresClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(txDepthKey{}) != nil {
		return fn(ctx)
	}
	c.mu.Lock()
	c.txs++
	c.mu.Unlock()
	return fn(context.WithValue(ctx, txDepthKey{}, true))
}

// Txs counts the outermost transactions run
func (c *MockPostgresClient) Txs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txs
}

// Querier has no database behind it
func (c *MockPostgresClient) Querier(ctx context.Context) postgres.Querier {
	return nil
}
