package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/types"
)

// numericValue reads a property that may be stored as a json number or a quoted string
const numericValue = "toDecimal128OrZero(trim(BOTH '\"' FROM JSONExtractRaw(properties, ?)), 10)"

// QueryBuilder assembles event aggregation queries as a chain of CTEs over the
// deduplicated events of one tenant scope. Arguments are positional.
type QueryBuilder struct {
	baseQuery  string
	baseArgs   []interface{}
	finalQuery string
	finalArgs  []interface{}
}

func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// Conditions returns the predicates and arguments selecting the events of a filter
func Conditions(ctx context.Context, filter *events.Filter) ([]string, []interface{}) {
	conditions := []string{"tenant_id = ?", "environment_id = ?"}
	args := []interface{}{types.GetTenantID(ctx), types.GetEnvironmentID(ctx)}
	if filter == nil {
		return conditions, args
	}

	if filter.ExternalSubscriptionID != "" {
		conditions = append(conditions, "external_subscription_id = ?")
		args = append(args, filter.ExternalSubscriptionID)
	}
	if filter.Code != "" {
		conditions = append(conditions, "code = ?")
		args = append(args, filter.Code)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.FixedChargeID != "" {
		conditions = append(conditions, "fixed_charge_id = ?")
		args = append(args, filter.FixedChargeID)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filter.To.UTC())
	}
	return conditions, args
}

// WithBaseFilters selects the events of the filter. FINAL collapses rows that
// share an idempotency key before they are aggregated.
func (qb *QueryBuilder) WithBaseFilters(ctx context.Context, filter *events.Filter) *QueryBuilder {
	conditions, args := Conditions(ctx, filter)
	qb.baseQuery = fmt.Sprintf(
		"base_events AS (SELECT id, timestamp, properties FROM events FINAL WHERE %s)",
		strings.Join(conditions, " AND "))
	qb.baseArgs = args
	return qb
}

// WithAggregation sets the final select. It yields two columns: the aggregated
// value rendered as a string and the number of events in the window.
func (qb *QueryBuilder) WithAggregation(aggType types.AggregationType, fieldName string) *QueryBuilder {
	switch aggType {
	case types.AggregationCount:
		qb.finalQuery = "SELECT toString(count()) AS value, count() AS events FROM base_events"
		qb.finalArgs = nil
	case types.AggregationSum:
		qb.finalQuery = "SELECT toString(sum(" + numericValue + ")) AS value, count() AS events FROM base_events"
		qb.finalArgs = []interface{}{fieldName}
	case types.AggregationMax:
		qb.finalQuery = "SELECT toString(if(count() = 0, toDecimal128(0, 10), max(" + numericValue + "))) AS value, count() AS events FROM base_events"
		qb.finalArgs = []interface{}{fieldName}
	case types.AggregationUniqueCount:
		// a value counts while its latest operation is not a remove
		qb.finalQuery = `SELECT toString(countIf(op != 'remove')) AS value, toUInt64(sum(n)) AS events FROM (
			SELECT JSONExtractString(properties, ?) AS v,
				argMax(JSONExtractString(properties, 'operation_type'), (timestamp, id)) AS op,
				count() AS n
			FROM base_events
			GROUP BY v
		)`
		qb.finalArgs = []interface{}{fieldName}
	default:
		qb.finalQuery = ""
		qb.finalArgs = nil
	}
	return qb
}

// Build joins the CTEs behind a single WITH. It returns an empty query when no
// aggregation was set.
func (qb *QueryBuilder) Build() (string, []interface{}) {
	if qb.finalQuery == "" {
		return "", nil
	}
	args := make([]interface{}, 0, len(qb.baseArgs)+len(qb.finalArgs))
	args = append(args, qb.baseArgs...)
	args = append(args, qb.finalArgs...)

	if qb.baseQuery == "" {
		return qb.finalQuery, args
	}
	return "WITH " + qb.baseQuery + "\n" + qb.finalQuery, args
}
