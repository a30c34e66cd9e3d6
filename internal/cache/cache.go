package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Cache defines the interface for caching operations
type Cache interface {
	// Get retrieves a value from the cache
	// Returns the value and a boolean indicating whether the key was found
	Get(ctx context.Context, key string) (interface{}, bool)

	// Set adds a value to the cache with the specified expiration
	// If expiration is 0, the default expiration applies
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration)

	Delete(ctx context.Context, key string)

	// DeleteByPrefix removes all keys with the given prefix
	DeleteByPrefix(ctx context.Context, prefix string)

	Flush(ctx context.Context)
}

// Cache key prefixes
const (
	PrefixPlan           = "plan:v1:"
	PrefixBillableMetric = "billable_metric:v1:"
	PrefixCustomer       = "customer:v1:"
	PrefixOngoingBalance = "wallet_ongoing_balance:v1:"
)

// GenerateKey creates a cache key from a prefix and a set of parameters.
// Keys are scoped by whatever the caller passes, usually tenant and environment first.
func GenerateKey(prefix string, params ...interface{}) string {
	parts := make([]string, 0, len(params))
	for _, param := range params {
		parts = append(parts, fmt.Sprintf("%v", param))
	}
	return prefix + strings.Join(parts, ":")
}
