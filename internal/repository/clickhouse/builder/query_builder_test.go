package builder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/stretchr/testify/assert"
)

// define a context with a tenant ID to be used in all tests
var ctx = types.SetEnvironmentID(types.SetTenantID(context.Background(), types.DefaultTenantID), "env_test")

func TestConditions(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name      string
		filter    *events.Filter
		wantConds []string
		wantArgs  []interface{}
	}{
		{
			name:      "nil filter scopes to the tenant",
			filter:    nil,
			wantConds: []string{"tenant_id = ?", "environment_id = ?"},
			wantArgs:  []interface{}{types.DefaultTenantID, "env_test"},
		},
		{
			name: "all fields",
			filter: &events.Filter{
				ExternalSubscriptionID: "sub_ext",
				Code:                   "api_calls",
				Source:                 types.EventSourceUsage,
				From:                   from,
				To:                     to,
			},
			wantConds: []string{
				"tenant_id = ?", "environment_id = ?",
				"external_subscription_id = ?", "code = ?", "source = ?",
				"timestamp >= ?", "timestamp <= ?",
			},
			wantArgs: []interface{}{types.DefaultTenantID, "env_test", "sub_ext", "api_calls", "usage", from, to},
		},
		{
			name:      "zero from is unbounded",
			filter:    &events.Filter{FixedChargeID: "fc_1", To: to},
			wantConds: []string{"tenant_id = ?", "environment_id = ?", "fixed_charge_id = ?", "timestamp <= ?"},
			wantArgs:  []interface{}{types.DefaultTenantID, "env_test", "fc_1", to},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conds, args := Conditions(ctx, tt.filter)
			assert.Equal(t, tt.wantConds, conds)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestQueryBuilder_WithAggregation(t *testing.T) {
	filter := &events.Filter{ExternalSubscriptionID: "sub_ext", Code: "storage"}

	tests := []struct {
		name         string
		aggType      types.AggregationType
		wantContains []string
		wantArgs     int
	}{
		{
			name:         "count",
			aggType:      types.AggregationCount,
			wantContains: []string{"toString(count()) AS value"},
			wantArgs:     4,
		},
		{
			name:         "sum reads the field",
			aggType:      types.AggregationSum,
			wantContains: []string{"sum(toDecimal128OrZero", "JSONExtractRaw(properties, ?)"},
			wantArgs:     5,
		},
		{
			name:         "max of an empty window is zero",
			aggType:      types.AggregationMax,
			wantContains: []string{"if(count() = 0, toDecimal128(0, 10), max("},
			wantArgs:     5,
		},
		{
			name:         "unique count honours removals",
			aggType:      types.AggregationUniqueCount,
			wantContains: []string{"countIf(op != 'remove')", "argMax(JSONExtractString(properties, 'operation_type'), (timestamp, id))"},
			wantArgs:     5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := NewQueryBuilder().
				WithBaseFilters(ctx, filter).
				WithAggregation(tt.aggType, "gb").
				Build()

			assert.True(t, strings.HasPrefix(query, "WITH base_events AS (SELECT id, timestamp, properties FROM events FINAL WHERE"))
			for _, want := range tt.wantContains {
				assert.Contains(t, query, want)
			}
			assert.Len(t, args, tt.wantArgs)
			if tt.wantArgs == 5 {
				assert.Equal(t, "gb", args[4])
			}
		})
	}
}

func TestQueryBuilder_UnsupportedAggregation(t *testing.T) {
	query, args := NewQueryBuilder().
		WithBaseFilters(ctx, nil).
		WithAggregation(types.AggregationWeightedSum, "gb").
		Build()

	assert.Empty(t, query)
	assert.Nil(t, args)
}
