package plan

import (
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

// Properties are the pricing parameters of a charge. Amounts are in cents.
type Properties struct {
	// Amount is the unit price (standard) or the package price (package)
	Amount decimal.Decimal `json:"amount"`

	// GroupedBy splits fees per distinct combination of these event properties
	GroupedBy []string `json:"grouped_by,omitempty"`

	PackageSize decimal.Decimal `json:"package_size"`
	FreeUnits   decimal.Decimal `json:"free_units"`

	GraduatedRanges           []GraduatedRange           `json:"graduated_ranges,omitempty"`
	GraduatedPercentageRanges []GraduatedPercentageRange `json:"graduated_percentage_ranges,omitempty"`
	VolumeRanges              []VolumeRange              `json:"volume_ranges,omitempty"`

	// Percentage model
	Rate                         decimal.Decimal  `json:"rate"`
	FixedAmount                  decimal.Decimal  `json:"fixed_amount"`
	FreeUnitsPerEvents           *int64           `json:"free_units_per_events,omitempty"`
	FreeUnitsPerTotalAggregation *decimal.Decimal `json:"free_units_per_total_aggregation,omitempty"`
	PerTransactionMinAmount      *decimal.Decimal `json:"per_transaction_min_amount,omitempty"`
	PerTransactionMaxAmount      *decimal.Decimal `json:"per_transaction_max_amount,omitempty"`
}

// GraduatedRange covers units in [FromValue, ToValue); a nil ToValue is unbounded
type GraduatedRange struct {
	FromValue     decimal.Decimal  `json:"from_value"`
	ToValue       *decimal.Decimal `json:"to_value"`
	PerUnitAmount decimal.Decimal  `json:"per_unit_amount"`
	FlatAmount    decimal.Decimal  `json:"flat_amount"`
}

type GraduatedPercentageRange struct {
	FromValue  decimal.Decimal  `json:"from_value"`
	ToValue    *decimal.Decimal `json:"to_value"`
	Rate       decimal.Decimal  `json:"rate"`
	FlatAmount decimal.Decimal  `json:"flat_amount"`
}

type VolumeRange struct {
	FromValue     decimal.Decimal  `json:"from_value"`
	ToValue       *decimal.Decimal `json:"to_value"`
	PerUnitAmount decimal.Decimal  `json:"per_unit_amount"`
	FlatAmount    decimal.Decimal  `json:"flat_amount"`
}

type rangeBounds struct {
	from decimal.Decimal
	to   *decimal.Decimal
}

func (p Properties) Validate(model types.ChargeModel) error {
	switch model {
	case types.ChargeModelStandard:
		if p.Amount.IsNegative() {
			return invalidProperties(model, "amount cannot be negative")
		}
	case types.ChargeModelPackage:
		if !p.PackageSize.IsPositive() {
			return invalidProperties(model, "package_size must be positive")
		}
		if p.Amount.IsNegative() || p.FreeUnits.IsNegative() {
			return invalidProperties(model, "amount and free_units cannot be negative")
		}
	case types.ChargeModelPercentage:
		if p.Rate.IsNegative() || p.FixedAmount.IsNegative() {
			return invalidProperties(model, "rate and fixed_amount cannot be negative")
		}
		if p.PerTransactionMinAmount != nil && p.PerTransactionMaxAmount != nil &&
			p.PerTransactionMinAmount.GreaterThan(*p.PerTransactionMaxAmount) {
			return invalidProperties(model, "per_transaction_min_amount exceeds per_transaction_max_amount")
		}
	case types.ChargeModelGraduated:
		bounds := make([]rangeBounds, 0, len(p.GraduatedRanges))
		for _, r := range p.GraduatedRanges {
			if r.PerUnitAmount.IsNegative() || r.FlatAmount.IsNegative() {
				return invalidProperties(model, "range amounts cannot be negative")
			}
			bounds = append(bounds, rangeBounds{r.FromValue, r.ToValue})
		}
		return validateRanges(model, bounds)
	case types.ChargeModelGraduatedPercentage:
		bounds := make([]rangeBounds, 0, len(p.GraduatedPercentageRanges))
		for _, r := range p.GraduatedPercentageRanges {
			if r.Rate.IsNegative() || r.FlatAmount.IsNegative() {
				return invalidProperties(model, "range amounts cannot be negative")
			}
			bounds = append(bounds, rangeBounds{r.FromValue, r.ToValue})
		}
		return validateRanges(model, bounds)
	case types.ChargeModelVolume:
		bounds := make([]rangeBounds, 0, len(p.VolumeRanges))
		for _, r := range p.VolumeRanges {
			if r.PerUnitAmount.IsNegative() || r.FlatAmount.IsNegative() {
				return invalidProperties(model, "range amounts cannot be negative")
			}
			bounds = append(bounds, rangeBounds{r.FromValue, r.ToValue})
		}
		return validateRanges(model, bounds)
	}
	return nil
}

// validateRanges requires ranges to start at zero, be contiguous and end unbounded
func validateRanges(model types.ChargeModel, ranges []rangeBounds) error {
	if len(ranges) == 0 {
		return invalidProperties(model, "at least one range is required")
	}
	if !ranges[0].from.IsZero() {
		return invalidProperties(model, "first range must start at 0")
	}
	for i, r := range ranges {
		last := i == len(ranges)-1
		if r.to == nil {
			if !last {
				return invalidProperties(model, "only the last range can be unbounded")
			}
			continue
		}
		if !r.to.GreaterThan(r.from) {
			return invalidProperties(model, "range to_value must be greater than from_value")
		}
		if last {
			return invalidProperties(model, "last range must be unbounded")
		}
		if !ranges[i+1].from.Equal(*r.to) {
			return invalidProperties(model, "ranges must be contiguous")
		}
	}
	return nil
}

func invalidProperties(model types.ChargeModel, reason string) error {
	return ierr.NewError("invalid charge properties").
		WithHint(reason).
		WithReportableDetails(map[string]any{
			"charge_model": model,
			"reason":       reason,
		}).
		Mark(ierr.ErrValidation)
}
