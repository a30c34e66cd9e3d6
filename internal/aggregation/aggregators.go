package aggregation

import (
	"time"

	"github.com/flexprice/billingengine/internal/domain/events"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

// Aggregator reduces the events of one bucket to a quantity
type Aggregator interface {
	Aggregate(in *input) (*Result, error)
	GetType() types.AggregationType
}

// input is what an aggregator sees: the window events in timestamp order and, for
// recurring metrics, the events since the subscription started that precede the window.
type input struct {
	window    []*events.Event
	prior     []*events.Event
	value     valuer
	from      time.Time
	to        time.Time
	duration  int
	recurring bool
	prorated  bool
	loc       *time.Location
}

// GetAggregator returns the aggregator of aggregationType
func GetAggregator(aggregationType types.AggregationType) (Aggregator, error) {
	switch aggregationType {
	case types.AggregationCount:
		return &CountAggregator{}, nil
	case types.AggregationSum:
		return &SumAggregator{}, nil
	case types.AggregationMax:
		return &MaxAggregator{}, nil
	case types.AggregationLatest:
		return &LatestAggregator{}, nil
	case types.AggregationUniqueCount:
		return &UniqueCountAggregator{}, nil
	case types.AggregationWeightedSum:
		return &WeightedSumAggregator{}, nil
	}
	return nil, ierr.NewError("unsupported aggregation type").
		WithHintf("Aggregation type %q is not supported", aggregationType).
		Mark(ierr.ErrValidation)
}

// CountAggregator counts events
type CountAggregator struct{}

func (a *CountAggregator) GetType() types.AggregationType { return types.AggregationCount }

func (a *CountAggregator) Aggregate(in *input) (*Result, error) {
	n := decimal.NewFromInt(int64(len(in.window)))
	values := make([]decimal.Decimal, len(in.window))
	for i := range values {
		values[i] = decimal.NewFromInt(1)
	}
	return &Result{
		Aggregation:       n,
		Count:             int64(len(in.window)),
		FullUnitsNumber:   n,
		CurrentUsageUnits: n,
		Values:            values,
	}, nil
}

// SumAggregator sums a numeric property. Recurring sums carry the total of prior periods.
type SumAggregator struct{}

func (a *SumAggregator) GetType() types.AggregationType { return types.AggregationSum }

func (a *SumAggregator) Aggregate(in *input) (*Result, error) {
	window, values, err := sumOf(in.window, in.value)
	if err != nil {
		return nil, err
	}
	total := window
	if in.recurring {
		prior, _, err := sumOf(in.prior, in.value)
		if err != nil {
			return nil, err
		}
		total = prior.Add(window)
	}
	return &Result{
		Aggregation:       total,
		Count:             int64(len(in.window)),
		FullUnitsNumber:   total,
		CurrentUsageUnits: window,
		Values:            values,
	}, nil
}

func sumOf(evts []*events.Event, value valuer) (decimal.Decimal, []decimal.Decimal, error) {
	total := decimal.Zero
	values := make([]decimal.Decimal, 0, len(evts))
	for _, e := range evts {
		v, err := value.decimal(e)
		if err != nil {
			return decimal.Zero, nil, err
		}
		total = total.Add(v)
		values = append(values, v)
	}
	return total, values, nil
}

// MaxAggregator keeps the largest value of the window
type MaxAggregator struct{}

func (a *MaxAggregator) GetType() types.AggregationType { return types.AggregationMax }

func (a *MaxAggregator) Aggregate(in *input) (*Result, error) {
	var highest decimal.Decimal
	for i, e := range in.window {
		v, err := in.value.decimal(e)
		if err != nil {
			return nil, err
		}
		if i == 0 || v.GreaterThan(highest) {
			highest = v
		}
	}
	return &Result{
		Aggregation:       highest,
		Count:             int64(len(in.window)),
		FullUnitsNumber:   highest,
		CurrentUsageUnits: highest,
	}, nil
}

// LatestAggregator keeps the value of the last event of the window
type LatestAggregator struct{}

func (a *LatestAggregator) GetType() types.AggregationType { return types.AggregationLatest }

func (a *LatestAggregator) Aggregate(in *input) (*Result, error) {
	latest := decimal.Zero
	if n := len(in.window); n > 0 {
		v, err := in.value.decimal(in.window[n-1])
		if err != nil {
			return nil, err
		}
		latest = v
	}
	return &Result{
		Aggregation:       latest,
		Count:             int64(len(in.window)),
		FullUnitsNumber:   latest,
		CurrentUsageUnits: latest,
	}, nil
}

// UniqueCountAggregator counts distinct values. Events may carry operation_type
// add (default) or remove. A value counts while its last operation is add.
type UniqueCountAggregator struct{}

func (a *UniqueCountAggregator) GetType() types.AggregationType {
	return types.AggregationUniqueCount
}

type activeValue struct {
	since  time.Time
	active bool
	// days accumulated over closed segments inside the window
	days int
	// lastDay is the local start of the last day counted, so a value removed and
	// added back on the same day counts it once
	lastDay time.Time
	// addedInWindow is set when the value was first added inside the window
	addedInWindow bool
}

func (a *UniqueCountAggregator) Aggregate(in *input) (*Result, error) {
	state := make(map[string]*activeValue)

	if in.recurring {
		for _, e := range in.prior {
			key, op, err := uniqueOperation(e, in.value)
			if err != nil {
				return nil, err
			}
			v := lookup(state, key)
			v.active = op == types.OperationAdd
			v.since = in.from
		}
	}

	for _, e := range in.window {
		key, op, err := uniqueOperation(e, in.value)
		if err != nil {
			return nil, err
		}
		v, seen := state[key]
		if !seen {
			v = lookup(state, key)
			v.addedInWindow = true
		}
		switch {
		case op == types.OperationAdd && !v.active:
			v.active = true
			v.since = e.Timestamp
		case op == types.OperationRemove && v.active:
			v.active = false
			v.days += v.span(e.Timestamp, in.loc)
		}
	}

	full := 0
	current := 0
	prorated := decimal.Zero
	for _, v := range state {
		days := v.days
		if v.active {
			full++
			if v.addedInWindow {
				current++
			}
			days += v.span(in.to, in.loc)
		}
		if in.prorated && in.duration > 0 && days > 0 {
			prorated = prorated.Add(decimal.NewFromInt(int64(days)).Div(decimal.NewFromInt(int64(in.duration))))
		}
	}

	aggregation := decimal.NewFromInt(int64(full))
	if in.prorated {
		aggregation = prorated.Round(types.CreditPrecision)
	}
	if !in.recurring {
		current = full
	}
	return &Result{
		Aggregation:       aggregation,
		Count:             int64(len(in.window)),
		FullUnitsNumber:   decimal.NewFromInt(int64(full)),
		CurrentUsageUnits: decimal.NewFromInt(int64(current)),
	}, nil
}

// span counts the local days of [since, end] not counted by an earlier segment
func (v *activeValue) span(end time.Time, loc *time.Location) int {
	start := v.since
	if !v.lastDay.IsZero() && !types.StartOfDay(start, loc).After(v.lastDay) {
		start = v.lastDay.AddDate(0, 0, 1)
	}
	if end.Before(start) {
		return 0
	}
	v.lastDay = types.StartOfDay(end, loc)
	return types.InclusiveDays(start, end, loc)
}

func lookup(state map[string]*activeValue, key string) *activeValue {
	v, ok := state[key]
	if !ok {
		v = &activeValue{}
		state[key] = v
	}
	return v
}

func uniqueOperation(e *events.Event, value valuer) (string, types.OperationType, error) {
	key, err := value.str(e)
	if err != nil {
		return "", "", err
	}
	op := types.OperationAdd
	if raw, ok := e.Property("operation_type"); ok && types.OperationType(raw) == types.OperationRemove {
		op = types.OperationRemove
	}
	return key, op, nil
}

// WeightedSumAggregator averages a running total over the window, weighting each
// value by how long it held. Values are deltas to the running total.
type WeightedSumAggregator struct{}

func (a *WeightedSumAggregator) GetType() types.AggregationType {
	return types.AggregationWeightedSum
}

func (a *WeightedSumAggregator) Aggregate(in *input) (*Result, error) {
	running, _, err := sumOf(in.prior, in.value)
	if err != nil {
		return nil, err
	}

	windowEnd := in.to.Add(time.Nanosecond)
	total := windowEnd.Sub(in.from)
	if total <= 0 {
		return &Result{Aggregation: running, FullUnitsNumber: running}, nil
	}

	weighted := decimal.Zero
	cursor := in.from
	for _, e := range in.window {
		ts := e.Timestamp
		if ts.Before(cursor) {
			ts = cursor
		}
		weighted = weighted.Add(running.Mul(decimal.NewFromInt(int64(ts.Sub(cursor)))))
		v, err := in.value.decimal(e)
		if err != nil {
			return nil, err
		}
		running = running.Add(v)
		cursor = ts
	}
	weighted = weighted.Add(running.Mul(decimal.NewFromInt(int64(windowEnd.Sub(cursor)))))

	avg := weighted.Div(decimal.NewFromInt(int64(total))).Round(types.CreditPrecision)
	return &Result{
		Aggregation:       avg,
		Count:             int64(len(in.window)),
		FullUnitsNumber:   running,
		CurrentUsageUnits: avg,
	}, nil
}
