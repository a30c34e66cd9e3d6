package cache

import (
	"context"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(config.GetDefaultConfig())

	key := GenerateKey(PrefixPlan, "tenant", "plan_1")
	assert.Equal(t, "plan:v1:tenant:plan_1", key)

	c.Set(ctx, key, "value", 0)
	v, ok := c.Get(ctx, key)
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	c.Set(ctx, GenerateKey(PrefixPlan, "tenant", "plan_2"), "other", time.Minute)
	c.Set(ctx, GenerateKey(PrefixCustomer, "tenant", "c"), "cust", time.Minute)
	c.DeleteByPrefix(ctx, PrefixPlan)

	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
	_, ok = c.Get(ctx, GenerateKey(PrefixCustomer, "tenant", "c"))
	assert.True(t, ok)

	c.Flush(ctx)
	_, ok = c.Get(ctx, GenerateKey(PrefixCustomer, "tenant", "c"))
	assert.False(t, ok)
}
