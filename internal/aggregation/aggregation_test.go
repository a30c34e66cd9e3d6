package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceStore struct {
	events []*events.Event
}

func (s *sliceStore) List(_ context.Context, f *events.Filter) ([]*events.Event, error) {
	var out []*events.Event
	for _, e := range s.events {
		if f.ExternalSubscriptionID != "" && e.ExternalSubscriptionID != f.ExternalSubscriptionID {
			continue
		}
		if f.Code != "" && e.Code != f.Code {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.FixedChargeID != "" && e.FixedChargeID != f.FixedChargeID {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type pushdownStore struct {
	sliceStore
	calls int
}

func (s *pushdownStore) AggregateEvents(_ context.Context, q *PushdownQuery) (*PushdownResult, error) {
	s.calls++
	return &PushdownResult{Value: decimal.NewFromInt(42), Count: 3}, nil
}

var jan1 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return jan1.AddDate(0, 0, d-1)
}

func ev(id string, ts time.Time, props map[string]interface{}) *events.Event {
	return &events.Event{
		ID:                     id,
		TransactionID:          id,
		ExternalSubscriptionID: "ext_sub",
		Code:                   "api_calls",
		Properties:             props,
		Timestamp:              ts,
		Source:                 types.EventSourceUsage,
	}
}

func testSub() *subscription.Subscription {
	started := time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC)
	return &subscription.Subscription{
		ID:                 "subs_1",
		ExternalID:         "ext_sub",
		SubscriptionStatus: types.SubscriptionStatusActive,
		BillingTime:        types.BillingTimeCalendar,
		SubscriptionAt:     started,
		StartedAt:          &started,
	}
}

func january() *billingperiod.Boundaries {
	end := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
	return &billingperiod.Boundaries{
		From:                 jan1,
		To:                   end,
		ChargesFrom:          jan1,
		ChargesTo:            end,
		FixedChargesFrom:     jan1,
		FixedChargesTo:       end,
		ChargesDuration:      31,
		FixedChargesDuration: 31,
	}
}

func metric(t types.AggregationType, field string, recurring bool) *billablemetric.BillableMetric {
	return &billablemetric.BillableMetric{
		ID:              "bm_1",
		Code:            "api_calls",
		AggregationType: t,
		FieldName:       field,
		Recurring:       recurring,
	}
}

func newEngine(store EventStore, flags types.FeatureFlags) *Engine {
	return NewEngine(store, flags, logger.NewNoopLogger())
}

func TestSimpleAggregations(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(2), map[string]interface{}{"value": 5}),
		ev("e2", day(3), map[string]interface{}{"value": "7.5"}),
		ev("e3", day(10), map[string]interface{}{"value": 2.5}),
		// outside the window
		ev("e4", day(40), map[string]interface{}{"value": 100}),
	}}
	engine := newEngine(store, types.FeatureFlags{})

	tests := []struct {
		aggregation types.AggregationType
		want        string
	}{
		{types.AggregationCount, "3"},
		{types.AggregationSum, "15"},
		{types.AggregationMax, "7.5"},
		{types.AggregationLatest, "2.5"},
	}
	for _, tt := range tests {
		t.Run(string(tt.aggregation), func(t *testing.T) {
			res, err := engine.Aggregate(context.Background(), &Request{
				Subscription: testSub(),
				Metric:       metric(tt.aggregation, "value", false),
				Boundaries:   january(),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Aggregation.String())
			assert.Equal(t, int64(3), res.Count)
		})
	}
}

func TestRecurringSumCarriesForward(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", time.Date(2023, time.December, 10, 0, 0, 0, 0, time.UTC), map[string]interface{}{"seats": 4}),
		ev("e2", time.Date(2023, time.December, 20, 0, 0, 0, 0, time.UTC), map[string]interface{}{"seats": -1}),
	}}
	engine := newEngine(store, types.FeatureFlags{})

	res, err := engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(),
		Metric:       metric(types.AggregationSum, "seats", true),
		Boundaries:   january(),
	})
	require.NoError(t, err)
	assert.True(t, res.Aggregation.Equal(decimal.NewFromInt(3)))
	assert.True(t, res.CurrentUsageUnits.IsZero())
	assert.Equal(t, int64(0), res.Count)
}

func TestUniqueCount(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(1), map[string]interface{}{"user": "a"}),
		ev("e2", day(1), map[string]interface{}{"user": "b"}),
		ev("e3", day(5), map[string]interface{}{"user": "a"}),
		ev("e4", day(16), map[string]interface{}{"user": "b", "operation_type": "remove"}),
		ev("e5", day(17), map[string]interface{}{"user": "c"}),
	}}
	engine := newEngine(store, types.FeatureFlags{})

	res, err := engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(),
		Metric:       metric(types.AggregationUniqueCount, "user", false),
		Boundaries:   january(),
	})
	require.NoError(t, err)
	assert.True(t, res.Aggregation.Equal(decimal.NewFromInt(2)), res.Aggregation.String())

	// a: 31 days, b: days 1..16, c: days 17..31
	res, err = engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(),
		Metric:       metric(types.AggregationUniqueCount, "user", false),
		Charge:       &plan.Charge{ID: "chrg_1", ChargeModel: types.ChargeModelStandard, Prorated: true},
		Boundaries:   january(),
	})
	require.NoError(t, err)
	want := decimal.NewFromInt(31 + 16 + 15).Div(decimal.NewFromInt(31)).Round(5)
	assert.True(t, res.Aggregation.Equal(want), res.Aggregation.String())
	assert.True(t, res.FullUnitsNumber.Equal(decimal.NewFromInt(2)))
}

func TestUniqueCountProrationCountsReaddedDayOnce(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(1), map[string]interface{}{"user": "a"}),
		ev("e2", day(10).Add(9*time.Hour), map[string]interface{}{"user": "a", "operation_type": "remove"}),
		ev("e3", day(10).Add(15*time.Hour), map[string]interface{}{"user": "a"}),
	}}
	engine := newEngine(store, types.FeatureFlags{})

	res, err := engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(),
		Metric:       metric(types.AggregationUniqueCount, "user", false),
		Charge:       &plan.Charge{ID: "chrg_1", ChargeModel: types.ChargeModelStandard, Prorated: true},
		Boundaries:   january(),
	})
	require.NoError(t, err)
	// days 1..10 then 11..31, day 10 once
	assert.True(t, res.Aggregation.Equal(decimal.NewFromInt(1)), res.Aggregation.String())
	assert.True(t, res.FullUnitsNumber.Equal(decimal.NewFromInt(1)))
}

func TestFilterPartition(t *testing.T) {
	filters := []*plan.ChargeFilter{
		{ID: "f_a", Values: map[string][]string{"region": {"eu"}}},
		{ID: "f_b", Values: map[string][]string{"region": {"eu"}, "tier": {"gold"}}},
		{ID: "f_c", Values: map[string][]string{"region": {types.AllFilterValues}}},
		{ID: "f_d", Values: map[string][]string{"region": {"eu", "us"}}},
	}
	evts := []*events.Event{
		ev("gold", day(1), map[string]interface{}{"region": "eu", "tier": "gold"}),
		ev("eu", day(1), map[string]interface{}{"region": "eu"}),
		ev("us", day(1), map[string]interface{}{"region": "us"}),
		ev("none", day(1), map[string]interface{}{}),
	}

	buckets := PartitionByFilter(evts, filters)
	assert.Equal(t, "gold", buckets["f_b"][0].ID)
	assert.Equal(t, "eu", buckets["f_a"][0].ID)
	assert.Equal(t, "us", buckets["f_c"][0].ID)
	assert.Equal(t, "none", buckets[DefaultBucket][0].ID)
	assert.Empty(t, buckets["f_d"])

	total := 0
	for _, b := range buckets {
		total += len(b)
	}
	assert.Equal(t, len(evts), total)
}

func TestFilteredAggregation(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(2), map[string]interface{}{"region": "eu", "value": 3}),
		ev("e2", day(2), map[string]interface{}{"region": "us", "value": 4}),
		ev("e3", day(2), map[string]interface{}{"value": 5}),
	}}
	engine := newEngine(store, types.FeatureFlags{})
	eu := &plan.ChargeFilter{ID: "f_eu", Values: map[string][]string{"region": {"eu"}}}
	charge := &plan.Charge{ID: "chrg_1", ChargeModel: types.ChargeModelStandard, Filters: []*plan.ChargeFilter{eu}}

	res, err := engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(), Metric: metric(types.AggregationSum, "value", false),
		Charge: charge, Filter: eu, Boundaries: january(),
	})
	require.NoError(t, err)
	assert.Equal(t, "3", res.Aggregation.String())

	res, err = engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(), Metric: metric(types.AggregationSum, "value", false),
		Charge: charge, Boundaries: january(),
	})
	require.NoError(t, err)
	assert.Equal(t, "9", res.Aggregation.String())
}

func TestGroupedAggregation(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(2), map[string]interface{}{"model": "small", "tokens": 10}),
		ev("e2", day(3), map[string]interface{}{"model": "large", "tokens": 5}),
		ev("e3", day(4), map[string]interface{}{"model": "small", "tokens": 1}),
		ev("e4", day(4), map[string]interface{}{"tokens": 2}),
	}}
	engine := newEngine(store, types.FeatureFlags{})

	res, err := engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(),
		Metric:       metric(types.AggregationSum, "tokens", false),
		Boundaries:   january(),
		GroupedBy:    []string{"model"},
	})
	require.NoError(t, err)
	assert.Equal(t, "18", res.Aggregation.String())
	require.Len(t, res.Groups, 3)

	byModel := map[string]string{}
	for _, g := range res.Groups {
		byModel[g.GroupedBy["model"]] = g.Aggregation.String()
	}
	assert.Equal(t, map[string]string{"": "2", "large": "5", "small": "11"}, byModel)
}

func TestExpressionMetric(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(2), map[string]interface{}{"seconds": 120}),
		ev("e2", day(3), map[string]interface{}{"seconds": 30}),
	}}
	engine := newEngine(store, types.FeatureFlags{})
	m := metric(types.AggregationSum, "minutes", false)
	m.Expression = "seconds / 60"

	res, err := engine.Aggregate(context.Background(), &Request{Subscription: testSub(), Metric: m, Boundaries: january()})
	require.NoError(t, err)
	assert.Equal(t, "2.5", res.Aggregation.String())

	assert.Error(t, CompileExpression("seconds / "))
	assert.NoError(t, CompileExpression("event.properties.seconds * 2"))
}

func TestMetricRounding(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(2), map[string]interface{}{"gb": "1.234"}),
	}}
	engine := newEngine(store, types.FeatureFlags{})
	m := metric(types.AggregationSum, "gb", false)
	m.RoundingFunction = types.RoundingCeil
	precision := int32(1)
	m.RoundingPrecision = &precision

	res, err := engine.Aggregate(context.Background(), &Request{Subscription: testSub(), Metric: m, Boundaries: january()})
	require.NoError(t, err)
	assert.Equal(t, "1.3", res.Aggregation.String())
	assert.Equal(t, "1.234", res.TotalAggregatedUnits.String())
}

func TestWeightedSum(t *testing.T) {
	store := &sliceStore{events: []*events.Event{
		ev("e1", day(6), map[string]interface{}{"gb": 10}),
	}}
	engine := newEngine(store, types.FeatureFlags{})
	b := january()
	b.ChargesTo = day(11).Add(-time.Nanosecond)
	b.ChargesDuration = 10

	res, err := engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(),
		Metric:       metric(types.AggregationWeightedSum, "gb", true),
		Boundaries:   b,
	})
	require.NoError(t, err)
	assert.Equal(t, "5", res.Aggregation.String())
	assert.Equal(t, "10", res.FullUnitsNumber.String())
}

func TestFixedChargeProration(t *testing.T) {
	fc := &plan.FixedCharge{ID: "fxc_1", ChargeModel: types.ChargeModelStandard, Units: decimal.NewFromInt(10), Prorated: true}
	store := &sliceStore{}
	engine := newEngine(store, types.FeatureFlags{})

	full, err := engine.AggregateFixedCharge(context.Background(), &FixedChargeRequest{
		Subscription: testSub(), FixedCharge: fc, Boundaries: january(),
	})
	require.NoError(t, err)
	assert.Equal(t, "10", full.Aggregation.String())

	b := january()
	b.FixedChargesFrom = day(17)
	partial, err := engine.AggregateFixedCharge(context.Background(), &FixedChargeRequest{
		Subscription: testSub(), FixedCharge: fc, Boundaries: b,
	})
	require.NoError(t, err)
	assert.True(t, partial.Aggregation.Equal(decimal.NewFromInt(150).Div(decimal.NewFromInt(31)).Round(5)))

	store.events = append(store.events, &events.Event{
		ID: "fx1", TransactionID: "fx1", ExternalSubscriptionID: "ext_sub",
		Source: types.EventSourceFixedCharge, FixedChargeID: "fxc_1",
		Properties: map[string]interface{}{"units": 4}, Timestamp: day(3),
	})
	updated, err := engine.AggregateFixedCharge(context.Background(), &FixedChargeRequest{
		Subscription: testSub(), FixedCharge: fc, Boundaries: january(),
	})
	require.NoError(t, err)
	assert.Equal(t, "4", updated.Aggregation.String())
}

func TestPushdown(t *testing.T) {
	store := &pushdownStore{}
	engine := newEngine(store, types.FeatureFlags{ClickhouseAggregation: true})

	res, err := engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(), Metric: metric(types.AggregationSum, "value", false), Boundaries: january(),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Aggregation.String())
	assert.Equal(t, 1, store.calls)

	// recurring metrics are aggregated in process
	_, err = engine.Aggregate(context.Background(), &Request{
		Subscription: testSub(), Metric: metric(types.AggregationSum, "value", true), Boundaries: january(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
}
