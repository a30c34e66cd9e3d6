package types

import (
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/samber/lo"
)

// BillingTime anchors period boundaries either to calendar units or to the subscription start
type BillingTime string

const (
	BillingTimeCalendar    BillingTime = "calendar"
	BillingTimeAnniversary BillingTime = "anniversary"
)

func (b BillingTime) Validate() error {
	allowed := []BillingTime{BillingTimeCalendar, BillingTimeAnniversary}
	if !lo.Contains(allowed, b) {
		return ierr.NewError("invalid billing time").
			WithHint("Billing time must be calendar or anniversary").
			WithReportableDetails(map[string]any{
				"billing_time": b,
				"allowed":      allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// Interval is the cadence of a plan or of a recurring wallet rule
type Interval string

const (
	IntervalWeekly     Interval = "weekly"
	IntervalMonthly    Interval = "monthly"
	IntervalQuarterly  Interval = "quarterly"
	IntervalSemiannual Interval = "semiannual"
	IntervalYearly     Interval = "yearly"
)

func (i Interval) Validate() error {
	allowed := []Interval{IntervalWeekly, IntervalMonthly, IntervalQuarterly, IntervalSemiannual, IntervalYearly}
	if !lo.Contains(allowed, i) {
		return ierr.NewError("invalid interval").
			WithHint("Interval must be weekly, monthly, quarterly, semiannual or yearly").
			WithReportableDetails(map[string]any{
				"interval": i,
				"allowed":  allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// Months returns the number of calendar months in one interval, 0 for weekly.
func (i Interval) Months() int {
	switch i {
	case IntervalMonthly:
		return 1
	case IntervalQuarterly:
		return 3
	case IntervalSemiannual:
		return 6
	case IntervalYearly:
		return 12
	default:
		return 0
	}
}

// IsLong reports whether charges may be billed monthly inside the interval
func (i Interval) IsLong() bool {
	return i.Months() > 1
}

// ChargeModel selects the pricing function of a charge
type ChargeModel string

const (
	ChargeModelStandard            ChargeModel = "standard"
	ChargeModelGraduated           ChargeModel = "graduated"
	ChargeModelGraduatedPercentage ChargeModel = "graduated_percentage"
	ChargeModelVolume              ChargeModel = "volume"
	ChargeModelPackage             ChargeModel = "package"
	ChargeModelPercentage          ChargeModel = "percentage"
)

func (c ChargeModel) Validate() error {
	allowed := []ChargeModel{
		ChargeModelStandard,
		ChargeModelGraduated,
		ChargeModelGraduatedPercentage,
		ChargeModelVolume,
		ChargeModelPackage,
		ChargeModelPercentage,
	}
	if !lo.Contains(allowed, c) {
		return ierr.NewError("invalid charge model").
			WithHint("Unknown charge model").
			WithReportableDetails(map[string]any{
				"charge_model": c,
				"allowed":      allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// AggregationType is the reducer applied to matching events of a billable metric
type AggregationType string

const (
	AggregationCount       AggregationType = "count"
	AggregationSum         AggregationType = "sum"
	AggregationMax         AggregationType = "max"
	AggregationUniqueCount AggregationType = "unique_count"
	AggregationLatest      AggregationType = "latest"
	AggregationWeightedSum AggregationType = "weighted_sum"
)

func (a AggregationType) Validate() error {
	allowed := []AggregationType{
		AggregationCount,
		AggregationSum,
		AggregationMax,
		AggregationUniqueCount,
		AggregationLatest,
		AggregationWeightedSum,
	}
	if !lo.Contains(allowed, a) {
		return ierr.NewError("invalid aggregation type").
			WithHint("Unknown aggregation type").
			WithReportableDetails(map[string]any{
				"aggregation_type": a,
				"allowed":          allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// RequiresField reports whether the aggregation reads a numeric or keyed property
func (a AggregationType) RequiresField() bool {
	return a != AggregationCount
}

// IsNumeric reports whether the aggregated property must parse as a number
func (a AggregationType) IsNumeric() bool {
	switch a {
	case AggregationSum, AggregationMax, AggregationLatest, AggregationWeightedSum:
		return true
	}
	return false
}

// SupportsRecurring reports whether a metric of this type may carry state across periods
func (a AggregationType) SupportsRecurring() bool {
	switch a {
	case AggregationSum, AggregationUniqueCount, AggregationWeightedSum:
		return true
	}
	return false
}

type RoundingFunction string

const (
	RoundingNone  RoundingFunction = ""
	RoundingRound RoundingFunction = "round"
	RoundingCeil  RoundingFunction = "ceil"
	RoundingFloor RoundingFunction = "floor"
)

// OperationType is the unique_count event operation
type OperationType string

const (
	OperationAdd    OperationType = "add"
	OperationRemove OperationType = "remove"
)

// EventSource distinguishes metered usage from fixed charge unit updates
type EventSource string

const (
	EventSourceUsage       EventSource = "usage"
	EventSourceFixedCharge EventSource = "fixed_charge"
)

// AllFilterValues matches any present value of a charge filter key
const AllFilterValues = "__ALL__"
