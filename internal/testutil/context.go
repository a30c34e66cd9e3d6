package testutil

import (
	"context"

	"github.com/flexprice/billingengine/internal/types"
)

const (
	TestTenantID      = "tenant_test"
	TestEnvironmentID = "env_test"
)

// NewTestContext returns a context scoped to the test tenant and environment
func NewTestContext() context.Context {
	ctx := context.Background()
	ctx = types.SetTenantID(ctx, TestTenantID)
	ctx = types.SetEnvironmentID(ctx, TestEnvironmentID)
	ctx = types.SetUserID(ctx, types.DefaultUserID)
	return types.SetRequestID(ctx, types.GenerateUUID())
}
