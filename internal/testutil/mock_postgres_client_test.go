package testutil

import (
	"context"
	"testing"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockPostgresClient_ConcurrentTransactions(t *testing.T) {
	c := NewMockPostgresClient(nil)

	p := pool.New().WithErrors().WithMaxGoroutines(8)
	for i := 0; i < 64; i++ {
		p.Go(func() error {
			return c.WithTx(context.Background(), func(ctx context.Context) error {
				return c.WithTx(ctx, func(context.Context) error { return nil })
			})
		})
	}
	require.NoError(t, p.Wait())
	assert.Equal(t, 64, c.Txs())
}
