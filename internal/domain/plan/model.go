package plan

import (
	"sort"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Plan is the pricing template a subscription bills against
type Plan struct {
	ID       string         `db:"id" json:"id"`
	Code     string         `db:"code" json:"code"`
	Name     string         `db:"name" json:"name"`
	Interval types.Interval `db:"interval" json:"interval"`

	// PayInAdvance bills the subscription fee for the upcoming period
	PayInAdvance bool `db:"pay_in_advance" json:"pay_in_advance"`

	// BillChargesMonthly splits usage billing of long intervals into monthly windows
	BillChargesMonthly bool `db:"bill_charges_monthly" json:"bill_charges_monthly"`

	// BillFixedChargesMonthly does the same for fixed charges
	BillFixedChargesMonthly bool `db:"bill_fixed_charges_monthly" json:"bill_fixed_charges_monthly"`

	// TrialPeriodDays may be fractional
	TrialPeriodDays decimal.Decimal `db:"trial_period" json:"trial_period"`

	AmountCents        decimal.Decimal `db:"amount_cents" json:"amount_cents"`
	Currency           string          `db:"currency" json:"currency"`
	InvoiceDisplayName string          `db:"invoice_display_name" json:"invoice_display_name"`

	// ParentID is set on customer specific overrides of a plan
	ParentID string `db:"parent_id" json:"parent_id"`

	Charges         []*Charge         `db:"-" json:"charges"`
	FixedCharges    []*FixedCharge    `db:"-" json:"fixed_charges"`
	UsageThresholds []*UsageThreshold `db:"-" json:"usage_thresholds"`

	types.BaseModel
}

// Charge prices a billable metric
type Charge struct {
	ID               string            `json:"id"`
	BillableMetricID string            `json:"billable_metric_id"`
	ChargeModel      types.ChargeModel `json:"charge_model"`
	PayInAdvance     bool              `json:"pay_in_advance"`
	// Invoiceable pay in advance charges are invoiced at ingestion time
	Invoiceable    bool            `json:"invoiceable"`
	Prorated       bool            `json:"prorated"`
	MinAmountCents decimal.Decimal `json:"min_amount_cents"`
	Properties     Properties      `json:"properties"`
	Filters        []*ChargeFilter `json:"filters"`
	ParentID       string          `json:"parent_id"`
}

// ChargeFilter prices the subset of events whose properties match Values
type ChargeFilter struct {
	ID                 string              `json:"id"`
	Values             map[string][]string `json:"values"`
	Properties         Properties          `json:"properties"`
	InvoiceDisplayName string              `json:"invoice_display_name"`
}

// FixedCharge is a non metered, quantity based recurring charge
type FixedCharge struct {
	ID           string            `json:"id"`
	AddOnCode    string            `json:"add_on_code"`
	ChargeModel  types.ChargeModel `json:"charge_model"`
	Units        decimal.Decimal   `json:"units"`
	PayInAdvance bool              `json:"pay_in_advance"`
	Prorated     bool              `json:"prorated"`
	Properties   Properties        `json:"properties"`
	ParentID     string            `json:"parent_id"`
}

// UsageThreshold triggers progressive billing once current usage reaches AmountCents
type UsageThreshold struct {
	ID                   string          `json:"id"`
	AmountCents          decimal.Decimal `json:"amount_cents"`
	Recurring            bool            `json:"recurring"`
	ThresholdDisplayName string          `json:"threshold_display_name"`
}

// HasTrial reports whether the plan has a trial at all
func (p *Plan) HasTrial() bool {
	return p.TrialPeriodDays.IsPositive()
}

// GetCharge returns the charge with the given id
func (p *Plan) GetCharge(id string) (*Charge, bool) {
	return lo.Find(p.Charges, func(c *Charge) bool { return c.ID == id })
}

// GetFixedCharge returns the fixed charge with the given id
func (p *Plan) GetFixedCharge(id string) (*FixedCharge, bool) {
	return lo.Find(p.FixedCharges, func(c *FixedCharge) bool { return c.ID == id })
}

// SortedThresholds returns the one shot thresholds ascending and the recurring one if any
func (p *Plan) SortedThresholds() ([]*UsageThreshold, *UsageThreshold) {
	fixed := lo.Filter(p.UsageThresholds, func(t *UsageThreshold, _ int) bool { return !t.Recurring })
	sort.SliceStable(fixed, func(i, j int) bool {
		return fixed[i].AmountCents.LessThan(fixed[j].AmountCents)
	})
	recurring, _ := lo.Find(p.UsageThresholds, func(t *UsageThreshold) bool { return t.Recurring })
	return fixed, recurring
}

// DailyAmount normalises the plan amount to a per day figure, used to tell
// upgrades from downgrades across intervals.
func (p *Plan) DailyAmount() decimal.Decimal {
	var days int64
	switch p.Interval {
	case types.IntervalWeekly:
		days = 7
	case types.IntervalMonthly:
		days = 30
	case types.IntervalQuarterly:
		days = 91
	case types.IntervalSemiannual:
		days = 182
	default:
		days = 365
	}
	return p.AmountCents.Div(decimal.NewFromInt(days))
}

func (p *Plan) Validate() error {
	if p.Code == "" {
		return ierr.NewError("code is required").
			WithHint("Plan code is required").
			Mark(ierr.ErrValidation)
	}
	if err := p.Interval.Validate(); err != nil {
		return err
	}
	if p.AmountCents.IsNegative() || p.TrialPeriodDays.IsNegative() {
		return ierr.NewError("negative plan amount or trial").
			WithHint("Plan amount and trial period cannot be negative").
			WithReportableDetails(map[string]any{"plan_code": p.Code}).
			Mark(ierr.ErrValidation)
	}
	for _, c := range p.Charges {
		if err := c.ChargeModel.Validate(); err != nil {
			return err
		}
		if err := c.Properties.Validate(c.ChargeModel); err != nil {
			return err
		}
		for _, f := range c.Filters {
			if len(f.Values) == 0 {
				return ierr.NewError("empty charge filter").
					WithHint("Charge filters need at least one key").
					WithReportableDetails(map[string]any{"charge_id": c.ID}).
					Mark(ierr.ErrValidation)
			}
			if err := f.Properties.Validate(c.ChargeModel); err != nil {
				return err
			}
		}
	}
	for _, fc := range p.FixedCharges {
		if err := fc.ChargeModel.Validate(); err != nil {
			return err
		}
		if fc.Units.IsNegative() {
			return ierr.NewError("negative fixed charge units").
				WithHint("Fixed charge units cannot be negative").
				WithReportableDetails(map[string]any{"fixed_charge_id": fc.ID}).
				Mark(ierr.ErrValidation)
		}
	}
	return p.validateThresholds()
}

func (p *Plan) validateThresholds() error {
	seen := make(map[string]bool)
	recurring := 0
	for _, t := range p.UsageThresholds {
		if !t.AmountCents.IsPositive() {
			return ierr.NewError("invalid threshold amount").
				WithHint("Usage threshold amount must be positive").
				Mark(ierr.ErrValidation)
		}
		if t.Recurring {
			recurring++
			continue
		}
		key := t.AmountCents.String()
		if seen[key] {
			return ierr.NewError("duplicate threshold amount").
				WithHint("Usage thresholds must have distinct amounts").
				WithReportableDetails(map[string]any{"amount_cents": key}).
				Mark(ierr.ErrValidation)
		}
		seen[key] = true
	}
	if recurring > 1 {
		return ierr.NewError("multiple recurring thresholds").
			WithHint("A plan can have only one recurring usage threshold").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// OverrideCharge replaces the properties of a charge on a plan override.
// Changing the charge model of an inherited charge is forbidden.
func (p *Plan) OverrideCharge(chargeID string, model types.ChargeModel, props Properties) error {
	if p.ParentID == "" {
		return ierr.NewError("plan is not an override").
			WithHint("Only plan overrides can override charges").
			Mark(ierr.ErrInvalidOperation)
	}
	c, ok := p.GetCharge(chargeID)
	if !ok {
		return ierr.NewError("charge not found").
			WithHint("Charge not found on plan").
			WithReportableDetails(map[string]any{"charge_id": chargeID}).
			Mark(ierr.ErrNotFound)
	}
	if c.ParentID != "" && model != c.ChargeModel {
		return ierr.NewError("charge model change forbidden").
			WithHint("The charge model of an overridden charge cannot be changed").
			WithReportableDetails(map[string]any{
				"charge_id":    chargeID,
				"charge_model": c.ChargeModel,
				"requested":    model,
			}).
			Mark(ierr.ErrPermissionDenied)
	}
	if err := props.Validate(c.ChargeModel); err != nil {
		return err
	}
	c.Properties = props
	return nil
}
