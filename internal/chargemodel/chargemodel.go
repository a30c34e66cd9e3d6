package chargemodel

import (
	"github.com/flexprice/billingengine/internal/domain/plan"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Input is the quantity a charge is priced on
type Input struct {
	Units       decimal.Decimal
	Properties  plan.Properties
	EventsCount int64
	// PerEventAmounts are the per event values priced individually by the percentage model
	PerEventAmounts []decimal.Decimal
}

// Output is the precise price. Amounts are cents of the plan currency, not rounded.
type Output struct {
	AmountCents     decimal.Decimal
	UnitAmountCents decimal.Decimal
	Units           decimal.Decimal
}

// Model prices a quantity
type Model interface {
	Compute(in Input) (*Output, error)
}

// New returns the model for tag
func New(tag types.ChargeModel) (Model, error) {
	switch tag {
	case types.ChargeModelStandard:
		return Standard{}, nil
	case types.ChargeModelGraduated:
		return Graduated{}, nil
	case types.ChargeModelGraduatedPercentage:
		return GraduatedPercentage{}, nil
	case types.ChargeModelVolume:
		return Volume{}, nil
	case types.ChargeModelPackage:
		return Package{}, nil
	case types.ChargeModelPercentage:
		return Percentage{}, nil
	}
	return nil, ierr.NewError("unknown charge model").
		WithHintf("Charge model %q is not supported", tag).
		WithReportableDetails(map[string]any{"charge_model": tag}).
		Mark(ierr.ErrValidation)
}

// Compute validates properties and prices units with the model of tag
func Compute(tag types.ChargeModel, in Input) (*Output, error) {
	if in.Units.IsNegative() {
		return nil, ierr.NewError("negative units").
			WithHint("Units cannot be negative").
			WithReportableDetails(map[string]any{"units": in.Units}).
			Mark(ierr.ErrValidation)
	}
	m, err := New(tag)
	if err != nil {
		return nil, err
	}
	if err := in.Properties.Validate(tag); err != nil {
		return nil, err
	}
	return m.Compute(in)
}

func output(amount, units decimal.Decimal) *Output {
	unit := decimal.Zero
	if units.IsPositive() {
		unit = amount.Div(units)
	}
	return &Output{AmountCents: amount, UnitAmountCents: unit, Units: units}
}

// Standard is units times the unit amount
type Standard struct{}

func (Standard) Compute(in Input) (*Output, error) {
	return &Output{
		AmountCents:     in.Units.Mul(in.Properties.Amount),
		UnitAmountCents: in.Properties.Amount,
		Units:           in.Units,
	}, nil
}

// tier is a [from, to) range; a nil to is unbounded
type tier struct {
	from decimal.Decimal
	to   *decimal.Decimal
}

// unitsIn returns the units of total that fall in the tier and whether the tier is reached
func (t tier) unitsIn(total decimal.Decimal) (decimal.Decimal, bool) {
	if !total.GreaterThan(t.from) {
		return decimal.Zero, false
	}
	upper := total
	if t.to != nil && t.to.LessThan(total) {
		upper = *t.to
	}
	return upper.Sub(t.from), true
}

func (t tier) contains(units decimal.Decimal) bool {
	if units.LessThan(t.from) {
		return false
	}
	return t.to == nil || units.LessThan(*t.to)
}

// Graduated prices each tier at its own unit amount. A tier's flat amount applies once any unit reaches it.
type Graduated struct{}

func (Graduated) Compute(in Input) (*Output, error) {
	amount := decimal.Zero
	for _, r := range in.Properties.GraduatedRanges {
		units, reached := tier{r.FromValue, r.ToValue}.unitsIn(in.Units)
		if !reached {
			break
		}
		amount = amount.Add(units.Mul(r.PerUnitAmount)).Add(r.FlatAmount)
	}
	return output(amount, in.Units), nil
}

// GraduatedPercentage applies each tier's rate to the units in the tier
type GraduatedPercentage struct{}

func (GraduatedPercentage) Compute(in Input) (*Output, error) {
	amount := decimal.Zero
	for _, r := range in.Properties.GraduatedPercentageRanges {
		units, reached := tier{r.FromValue, r.ToValue}.unitsIn(in.Units)
		if !reached {
			break
		}
		amount = amount.Add(units.Mul(r.Rate).Div(hundred)).Add(r.FlatAmount)
	}
	return output(amount, in.Units), nil
}

// Volume prices every unit at the tier the total falls in
type Volume struct{}

func (Volume) Compute(in Input) (*Output, error) {
	if in.Units.IsZero() {
		return output(decimal.Zero, in.Units), nil
	}
	for _, r := range in.Properties.VolumeRanges {
		if (tier{r.FromValue, r.ToValue}).contains(in.Units) {
			amount := in.Units.Mul(r.PerUnitAmount).Add(r.FlatAmount)
			return &Output{AmountCents: amount, UnitAmountCents: r.PerUnitAmount, Units: in.Units}, nil
		}
	}
	return output(decimal.Zero, in.Units), nil
}

// Package bills started packages of PackageSize units after the free units
type Package struct{}

func (Package) Compute(in Input) (*Output, error) {
	p := in.Properties
	paying := in.Units.Sub(p.FreeUnits)
	if !paying.IsPositive() {
		return output(decimal.Zero, in.Units), nil
	}
	packages := paying.Div(p.PackageSize).Ceil()
	return output(packages.Mul(p.Amount), in.Units), nil
}

// Percentage takes Rate percent of each event value plus FixedAmount per paying event,
// clamped to the per transaction bounds. Event values are cents. Free events and the
// free total are excluded first.
type Percentage struct{}

func (Percentage) Compute(in Input) (*Output, error) {
	p := in.Properties
	values := in.PerEventAmounts
	if len(values) == 0 && in.Units.IsPositive() {
		// no per event breakdown, price the total as a single transaction
		return percentageOfTotal(in), nil
	}

	freeEvents := int64(0)
	if p.FreeUnitsPerEvents != nil {
		freeEvents = *p.FreeUnitsPerEvents
	}
	freeTotal := decimal.Zero
	if p.FreeUnitsPerTotalAggregation != nil {
		freeTotal = *p.FreeUnitsPerTotalAggregation
	}

	amount := decimal.Zero
	for i, v := range values {
		if int64(i) < freeEvents {
			continue
		}
		taxable := v
		if freeTotal.IsPositive() {
			covered := decimal.Min(freeTotal, taxable)
			freeTotal = freeTotal.Sub(covered)
			taxable = taxable.Sub(covered)
			if taxable.IsZero() {
				continue
			}
		}
		amount = amount.Add(clampTransaction(taxable.Mul(p.Rate).Div(hundred).Add(p.FixedAmount), p))
	}
	return output(amount, in.Units), nil
}

func percentageOfTotal(in Input) *Output {
	p := in.Properties
	taxable := in.Units
	if p.FreeUnitsPerTotalAggregation != nil {
		taxable = decimal.Max(decimal.Zero, taxable.Sub(*p.FreeUnitsPerTotalAggregation))
	}
	paying := in.EventsCount
	if p.FreeUnitsPerEvents != nil {
		paying = max(0, paying-*p.FreeUnitsPerEvents)
	}
	amount := taxable.Mul(p.Rate).Div(hundred).Add(p.FixedAmount.Mul(decimal.NewFromInt(paying)))
	return output(amount, in.Units)
}

func clampTransaction(amount decimal.Decimal, p plan.Properties) decimal.Decimal {
	if p.PerTransactionMinAmount != nil && amount.LessThan(*p.PerTransactionMinAmount) {
		amount = *p.PerTransactionMinAmount
	}
	if p.PerTransactionMaxAmount != nil && amount.GreaterThan(*p.PerTransactionMaxAmount) {
		amount = *p.PerTransactionMaxAmount
	}
	return amount
}
