package billablemetric

import (
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

// BillableMetric describes how events with a given code reduce to a quantity
type BillableMetric struct {
	ID              string                `db:"id" json:"id"`
	Code            string                `db:"code" json:"code"`
	Name            string                `db:"name" json:"name"`
	AggregationType types.AggregationType `db:"aggregation_type" json:"aggregation_type"`

	// FieldName is the event property aggregated by every type except count
	FieldName string `db:"field_name" json:"field_name"`

	// Recurring metrics carry their value across periods
	Recurring bool `db:"recurring" json:"recurring"`

	// Expression computes FieldName per event from the event properties
	Expression string `db:"expression" json:"expression"`

	RoundingFunction  types.RoundingFunction `db:"rounding_function" json:"rounding_function"`
	RoundingPrecision *int32                 `db:"rounding_precision" json:"rounding_precision"`

	Filters []MetricFilter `db:"-" json:"filters"`

	types.BaseModel
}

// MetricFilter declares a property key events may be filtered on and its allowed values
type MetricFilter struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

func (m *BillableMetric) Validate() error {
	if m.Code == "" {
		return ierr.NewError("code is required").
			WithHint("Billable metric code is required").
			Mark(ierr.ErrValidation)
	}
	if err := m.AggregationType.Validate(); err != nil {
		return err
	}
	if m.AggregationType.RequiresField() && m.FieldName == "" {
		return ierr.NewError("field_name is required").
			WithHint("Field name is required for this aggregation type").
			WithReportableDetails(map[string]any{
				"code":             m.Code,
				"aggregation_type": m.AggregationType,
			}).
			Mark(ierr.ErrValidation)
	}
	if m.Recurring && !m.AggregationType.SupportsRecurring() {
		return ierr.NewError("recurring not supported").
			WithHint("Only sum, unique_count and weighted_sum metrics can be recurring").
			WithReportableDetails(map[string]any{
				"code":             m.Code,
				"aggregation_type": m.AggregationType,
			}).
			Mark(ierr.ErrValidation)
	}
	if m.AggregationType == types.AggregationWeightedSum && !m.Recurring {
		return ierr.NewError("weighted_sum must be recurring").
			WithHint("Weighted sum metrics are always recurring").
			Mark(ierr.ErrValidation)
	}
	for _, f := range m.Filters {
		if f.Key == "" || len(f.Values) == 0 {
			return ierr.NewError("invalid metric filter").
				WithHint("Metric filters need a key and at least one value").
				WithReportableDetails(map[string]any{"code": m.Code}).
				Mark(ierr.ErrValidation)
		}
	}
	return nil
}

// FilterKeys returns the declared filter keys
func (m *BillableMetric) FilterKeys() []string {
	return lo.Map(m.Filters, func(f MetricFilter, _ int) string { return f.Key })
}
