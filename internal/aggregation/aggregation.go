package aggregation

import (
	"context"
	"sort"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// EventStore lists events for aggregation
type EventStore interface {
	List(ctx context.Context, filter *events.Filter) ([]*events.Event, error)
}

// Pushdown aggregates simple metrics in the event store itself
type Pushdown interface {
	AggregateEvents(ctx context.Context, q *PushdownQuery) (*PushdownResult, error)
}

// PushdownQuery is a non recurring, ungrouped and unfiltered aggregation over one window
type PushdownQuery struct {
	ExternalSubscriptionID string
	Code                   string
	AggregationType        types.AggregationType
	FieldName              string
	From                   time.Time
	To                     time.Time
}

type PushdownResult struct {
	Value decimal.Decimal
	Count int64
}

// Request aggregates one charge bucket of a subscription over the charges window
type Request struct {
	Subscription *subscription.Subscription
	Metric       *billablemetric.BillableMetric
	Charge       *plan.Charge
	// Filter is the bucket to aggregate, nil for the default bucket
	Filter     *plan.ChargeFilter
	Boundaries *billingperiod.Boundaries
	GroupedBy  []string
	Timezone   *time.Location
	// ExcludeTransactionID drops one event, used to price a single pay in advance event
	ExcludeTransactionID string
}

// FixedChargeRequest resolves the units of a fixed charge over the fixed charges window
type FixedChargeRequest struct {
	Subscription *subscription.Subscription
	FixedCharge  *plan.FixedCharge
	Boundaries   *billingperiod.Boundaries
	Timezone     *time.Location
}

// Result is the quantity of one bucket
type Result struct {
	Aggregation       decimal.Decimal
	Count             int64
	FullUnitsNumber   decimal.Decimal
	CurrentUsageUnits decimal.Decimal
	// TotalAggregatedUnits is the unrounded aggregation
	TotalAggregatedUnits decimal.Decimal
	Groups               []*GroupedResult
	// Values are the per event values, in timestamp order, for per transaction pricing
	Values []decimal.Decimal
}

type GroupedResult struct {
	GroupedBy   map[string]string
	Aggregation decimal.Decimal
	Count       int64
	Values      []decimal.Decimal
}

// Engine aggregates events into billable quantities. It never writes.
type Engine struct {
	store       EventStore
	pushdown    Pushdown
	flags       types.FeatureFlags
	expressions *ExpressionEvaluator
	logger      *logger.Logger
}

// NewEngine builds an engine. The store may also implement Pushdown.
func NewEngine(store EventStore, flags types.FeatureFlags, log *logger.Logger) *Engine {
	e := &Engine{
		store:       store,
		flags:       flags,
		expressions: NewExpressionEvaluator(),
		logger:      log,
	}
	if p, ok := store.(Pushdown); ok {
		e.pushdown = p
	}
	return e
}

// Aggregate computes the quantity of a charge bucket
func (e *Engine) Aggregate(ctx context.Context, req *Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	b := req.Boundaries
	loc := req.Timezone
	if loc == nil {
		loc = time.UTC
	}

	aggregator, err := GetAggregator(req.Metric.AggregationType)
	if err != nil {
		return nil, err
	}

	if e.canPushdown(req) {
		return e.aggregatePushdown(ctx, req)
	}

	window, err := e.listBucket(ctx, req, b.ChargesFrom, b.ChargesTo)
	if err != nil {
		return nil, err
	}

	var prior []*events.Event
	if req.Metric.Recurring {
		start := req.Subscription.StartInstant()
		if b.ChargesFrom.After(start) {
			prior, err = e.listBucket(ctx, req, start, b.ChargesFrom.Add(-time.Nanosecond))
			if err != nil {
				return nil, err
			}
		}
	}

	in := &input{
		value:     valuer{metric: req.Metric, expressions: e.expressions},
		from:      b.ChargesFrom,
		to:        b.ChargesTo,
		duration:  b.ChargesDuration,
		recurring: req.Metric.Recurring,
		prorated:  req.Charge != nil && req.Charge.Prorated,
		loc:       loc,
	}

	in.window, in.prior = window, prior
	result, err := aggregator.Aggregate(in)
	if err != nil {
		return nil, err
	}
	result.TotalAggregatedUnits = result.Aggregation
	result.Aggregation = round(result.Aggregation, req.Metric)

	if len(req.GroupedBy) > 0 {
		windowGroups := groupIndex(groupEvents(window, req.GroupedBy), req.GroupedBy)
		priorGroups := groupIndex(groupEvents(prior, req.GroupedBy), req.GroupedBy)
		keys := lo.Uniq(append(lo.Keys(windowGroups), lo.Keys(priorGroups)...))
		sort.Strings(keys)
		for _, key := range keys {
			g, ok := windowGroups[key]
			if !ok {
				// recurring groups without new events still carry their value
				g = &group{values: priorGroups[key].values}
			}
			in.window = g.events
			in.prior = nil
			if pg, ok := priorGroups[key]; ok {
				in.prior = pg.events
			}
			gr, err := aggregator.Aggregate(in)
			if err != nil {
				return nil, err
			}
			result.Groups = append(result.Groups, &GroupedResult{
				GroupedBy:   g.values,
				Aggregation: round(gr.Aggregation, req.Metric),
				Count:       gr.Count,
				Values:      gr.Values,
			})
		}
	}

	return result, nil
}

func validateRequest(req *Request) error {
	if req == nil || req.Subscription == nil || req.Metric == nil || req.Boundaries == nil {
		return ierr.NewError("incomplete aggregation request").
			WithHint("Aggregation needs a subscription, a metric and boundaries").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// listBucket lists the events of the subscription and metric in [from, to] that fall in the requested bucket
func (e *Engine) listBucket(ctx context.Context, req *Request, from, to time.Time) ([]*events.Event, error) {
	if to.Before(from) {
		return nil, nil
	}
	evts, err := e.store.List(ctx, &events.Filter{
		ExternalSubscriptionID: req.Subscription.ExternalID,
		Code:                   req.Metric.Code,
		From:                   from,
		To:                     to,
	})
	if err != nil {
		return nil, err
	}

	evts = lo.Filter(evts, func(ev *events.Event, _ int) bool {
		if ev.Source == types.EventSourceFixedCharge {
			return false
		}
		return req.ExcludeTransactionID == "" || ev.TransactionID != req.ExcludeTransactionID
	})

	if req.Charge != nil && len(req.Charge.Filters) > 0 {
		bucket := DefaultBucket
		if req.Filter != nil {
			bucket = req.Filter.ID
		}
		evts = PartitionByFilter(evts, req.Charge.Filters)[bucket]
	}

	sort.SliceStable(evts, func(i, j int) bool { return evts[i].Timestamp.Before(evts[j].Timestamp) })
	return evts, nil
}

func (e *Engine) canPushdown(req *Request) bool {
	if !e.flags.ClickhouseAggregation || e.pushdown == nil {
		return false
	}
	if req.Metric.Recurring || req.Metric.Expression != "" || len(req.GroupedBy) > 0 || req.ExcludeTransactionID != "" {
		return false
	}
	if req.Charge != nil && (len(req.Charge.Filters) > 0 || req.Charge.Prorated || req.Charge.ChargeModel == types.ChargeModelPercentage) {
		return false
	}
	switch req.Metric.AggregationType {
	case types.AggregationSum, types.AggregationCount, types.AggregationMax, types.AggregationUniqueCount:
		return true
	}
	return false
}

func (e *Engine) aggregatePushdown(ctx context.Context, req *Request) (*Result, error) {
	out, err := e.pushdown.AggregateEvents(ctx, &PushdownQuery{
		ExternalSubscriptionID: req.Subscription.ExternalID,
		Code:                   req.Metric.Code,
		AggregationType:        req.Metric.AggregationType,
		FieldName:              req.Metric.FieldName,
		From:                   req.Boundaries.ChargesFrom,
		To:                     req.Boundaries.ChargesTo,
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithContext(ctx).Debugw("aggregated in event store",
		"code", req.Metric.Code,
		"aggregation_type", req.Metric.AggregationType,
		"value", out.Value)

	return &Result{
		Aggregation:          round(out.Value, req.Metric),
		Count:                out.Count,
		FullUnitsNumber:      out.Value,
		CurrentUsageUnits:    out.Value,
		TotalAggregatedUnits: out.Value,
	}, nil
}

// AggregateFixedCharge resolves fixed charge units. The latest fixed charge event at or
// before the window end overrides the plan units. Prorated charges scale by the days of
// the window over the days of the full period.
func (e *Engine) AggregateFixedCharge(ctx context.Context, req *FixedChargeRequest) (*Result, error) {
	if req == nil || req.Subscription == nil || req.FixedCharge == nil || req.Boundaries == nil {
		return nil, ierr.NewError("incomplete fixed charge request").
			WithHint("Fixed charge aggregation needs a subscription, a fixed charge and boundaries").
			Mark(ierr.ErrValidation)
	}
	b := req.Boundaries
	loc := req.Timezone
	if loc == nil {
		loc = time.UTC
	}

	units := req.FixedCharge.Units
	evts, err := e.store.List(ctx, &events.Filter{
		ExternalSubscriptionID: req.Subscription.ExternalID,
		Source:                 types.EventSourceFixedCharge,
		FixedChargeID:          req.FixedCharge.ID,
		To:                     b.FixedChargesTo,
	})
	if err != nil {
		return nil, err
	}
	if len(evts) > 0 {
		latest := lo.MaxBy(evts, func(a, b *events.Event) bool { return a.Timestamp.After(b.Timestamp) })
		v, present, err := latest.DecimalProperty("units")
		if err != nil {
			return nil, ierr.WithError(err).
				WithHint("Fixed charge event units must be a number").
				WithReportableDetails(map[string]any{"transaction_id": latest.TransactionID}).
				Mark(ierr.ErrValidation)
		}
		if present {
			units = v
		}
	}

	full := units
	if req.FixedCharge.Prorated && b.FixedChargesDuration > 0 {
		days := types.InclusiveDays(b.FixedChargesFrom, b.FixedChargesTo, loc)
		if days < b.FixedChargesDuration {
			units = units.Mul(decimal.NewFromInt(int64(days))).
				Div(decimal.NewFromInt(int64(b.FixedChargesDuration))).
				Round(types.CreditPrecision)
		}
	}

	return &Result{
		Aggregation:          units,
		Count:                int64(len(evts)),
		FullUnitsNumber:      full,
		CurrentUsageUnits:    units,
		TotalAggregatedUnits: units,
	}, nil
}

// valuer reads the aggregated value of an event: the metric expression when set, the field otherwise
type valuer struct {
	metric      *billablemetric.BillableMetric
	expressions *ExpressionEvaluator
}

func (v valuer) decimal(e *events.Event) (decimal.Decimal, error) {
	if v.metric.Expression != "" {
		return v.expressions.EvaluateDecimal(v.metric.Expression, e)
	}
	d, ok, err := e.DecimalProperty(v.metric.FieldName)
	if err != nil {
		return decimal.Zero, ierr.WithError(err).
			WithHint("Aggregated property must be a number").
			WithReportableDetails(map[string]any{
				"field_name":     v.metric.FieldName,
				"transaction_id": e.TransactionID,
			}).
			Mark(ierr.ErrValidation)
	}
	if !ok {
		return decimal.Zero, nil
	}
	return d, nil
}

func (v valuer) str(e *events.Event) (string, error) {
	if v.metric.Expression != "" {
		out, err := v.expressions.Evaluate(v.metric.Expression, e)
		if err != nil {
			return "", err
		}
		return cast.ToString(out), nil
	}
	s, _ := e.Property(v.metric.FieldName)
	return s, nil
}

func round(d decimal.Decimal, m *billablemetric.BillableMetric) decimal.Decimal {
	var precision int32
	if m.RoundingPrecision != nil {
		precision = *m.RoundingPrecision
	}
	switch m.RoundingFunction {
	case types.RoundingRound:
		return d.Round(precision)
	case types.RoundingCeil:
		return d.RoundCeil(precision)
	case types.RoundingFloor:
		return d.RoundFloor(precision)
	}
	return d
}

func groupKey(values map[string]string, keys []string) string {
	out := ""
	for _, k := range keys {
		out += k + "=" + values[k] + "\x1f"
	}
	return out
}

func groupIndex(groups []*group, keys []string) map[string]*group {
	out := make(map[string]*group, len(groups))
	for _, g := range groups {
		out[groupKey(g.values, keys)] = g
	}
	return out
}
