package clickhouse

import (
	"context"

	"github.com/flexprice/billingengine/internal/aggregation"
	"github.com/flexprice/billingengine/internal/domain/events"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/repository/clickhouse/builder"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

var _ aggregation.Pushdown = (*EventRepository)(nil)

// AggregateEvents runs a sum, count, max or unique count over one window of
// usage events in clickhouse.
func (r *EventRepository) AggregateEvents(ctx context.Context, q *aggregation.PushdownQuery) (_ *aggregation.PushdownResult, err error) {
	span := StartRepositorySpan(ctx, "event", "aggregate", map[string]interface{}{
		"code":             q.Code,
		"aggregation_type": q.AggregationType,
	})
	defer func() { FinishSpan(span, err) }()

	query, args := builder.NewQueryBuilder().
		WithBaseFilters(ctx, &events.Filter{
			ExternalSubscriptionID: q.ExternalSubscriptionID,
			Code:                   q.Code,
			Source:                 types.EventSourceUsage,
			From:                   q.From,
			To:                     q.To,
		}).
		WithAggregation(q.AggregationType, q.FieldName).
		Build()
	if query == "" {
		return nil, ierr.NewError("unsupported aggregation type").
			WithHint("The specified aggregation type cannot be computed in the event store").
			WithReportableDetails(map[string]interface{}{
				"aggregation_type": q.AggregationType,
			}).
			Mark(ierr.ErrValidation)
	}

	var (
		value string
		count uint64
	)
	if err := r.store.ScanRow(ctx, "events.aggregate", query, args, &value, &count); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to aggregate events").
			WithReportableDetails(map[string]interface{}{
				"code":             q.Code,
				"aggregation_type": q.AggregationType,
			}).
			Mark(ierr.ErrDatabase)
	}

	total, err := decimal.NewFromString(value)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Event store returned a non numeric aggregate").
			WithReportableDetails(map[string]interface{}{"value": value}).
			Mark(ierr.ErrDatabase)
	}

	r.logger.WithContext(ctx).Debugw("aggregated events in clickhouse",
		"code", q.Code,
		"aggregation_type", q.AggregationType,
		"value", total,
		"events", count,
	)

	return &aggregation.PushdownResult{Value: total, Count: int64(count)}, nil
}
