package service

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/aggregation"
	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/chargemodel"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// FeeService prices the lines of one invoice entry. It never writes.
type FeeService interface {
	// ChargeFees prices usage charges over the charges window, one fee per
	// charge, filter bucket and group. Pay in advance charges are skipped.
	ChargeFees(ctx context.Context, in *FeeInput) ([]*invoice.Fee, error)

	// FixedChargeFees prices the fixed charges due for the entry
	FixedChargeFees(ctx context.Context, in *FeeInput) ([]*invoice.Fee, error)

	// SubscriptionFee prices the plan amount of the fee window, nil when nothing is due
	SubscriptionFee(ctx context.Context, in *FeeInput) (*invoice.Fee, error)

	// PayInAdvanceFee prices a single event of a pay in advance charge as the
	// difference between the window priced with and without it
	PayInAdvanceFee(ctx context.Context, in *FeeInput, charge *plan.Charge, event *events.Event) (*invoice.Fee, error)
}

// FeeInput is one subscription entry to price
type FeeInput struct {
	Subscription *subscription.Subscription
	Plan         *plan.Plan
	Boundaries   *billingperiod.Boundaries
	Reason       types.InvoicingReason
	Timezone     *time.Location
	At           time.Time

	// CurrentUsage prices a projection of the running period: no minimum true-up
	CurrentUsage bool
}

type feeService struct {
	ServiceParams
}

func NewFeeService(params ServiceParams) FeeService {
	return &feeService{ServiceParams: params}
}

func (s *feeService) ChargeFees(ctx context.Context, in *FeeInput) ([]*invoice.Fee, error) {
	b := in.Boundaries
	if !b.HasCharges() {
		return nil, nil
	}
	if in.Reason == types.InvoicingReasonSubscriptionPeriodic && !in.CurrentUsage && !windowClosed(b.ChargesTo, b.Timestamp, in.Timezone) {
		// the charges period of a long interval is still running on a monthly billing day
		return nil, nil
	}

	var fees []*invoice.Fee
	for _, charge := range in.Plan.Charges {
		if charge.PayInAdvance {
			continue
		}
		metric, err := s.getMetric(ctx, charge.BillableMetricID)
		if err != nil {
			return nil, err
		}
		chargeFees, err := s.chargeFees(ctx, in, charge, metric)
		if err != nil {
			return nil, err
		}
		fees = append(fees, chargeFees...)
	}
	return fees, nil
}

func (s *feeService) chargeFees(ctx context.Context, in *FeeInput, charge *plan.Charge, metric *billablemetric.BillableMetric) ([]*invoice.Fee, error) {
	buckets := append(append([]*plan.ChargeFilter{}, charge.Filters...), nil)

	var fees []*invoice.Fee
	for _, filter := range buckets {
		props := charge.Properties
		if filter != nil {
			props = filter.Properties
		}

		res, err := s.Aggregation.Aggregate(ctx, &aggregation.Request{
			Subscription: in.Subscription,
			Metric:       metric,
			Charge:       charge,
			Filter:       filter,
			Boundaries:   in.Boundaries,
			GroupedBy:    props.GroupedBy,
			Timezone:     in.Timezone,
		})
		if err != nil {
			return nil, err
		}

		if len(props.GroupedBy) == 0 {
			fee, err := s.priceCharge(in, charge, metric, filter, props, res.Aggregation, res.Count, res.Values, nil)
			if err != nil {
				return nil, err
			}
			fees = appendNonZero(fees, fee)
			continue
		}
		for _, g := range res.Groups {
			fee, err := s.priceCharge(in, charge, metric, filter, props, g.Aggregation, g.Count, g.Values, g.GroupedBy)
			if err != nil {
				return nil, err
			}
			fees = appendNonZero(fees, fee)
		}
	}

	if trueUp := s.minimumTrueUp(in, charge, metric, fees); trueUp != nil {
		fees = append(fees, trueUp)
	}
	return fees, nil
}

func (s *feeService) priceCharge(
	in *FeeInput,
	charge *plan.Charge,
	metric *billablemetric.BillableMetric,
	filter *plan.ChargeFilter,
	props plan.Properties,
	units decimal.Decimal,
	count int64,
	values []decimal.Decimal,
	groupedBy map[string]string,
) (*invoice.Fee, error) {
	out, err := chargemodel.Compute(charge.ChargeModel, chargemodel.Input{
		Units:           units,
		Properties:      props,
		EventsCount:     count,
		PerEventAmounts: values,
	})
	if err != nil {
		return nil, err
	}

	fee := s.newFee(in, types.FeeTypeCharge)
	fee.ChargeID = charge.ID
	fee.BillableMetricCode = metric.Code
	fee.GroupedBy = groupedBy
	fee.Units = out.Units
	fee.EventsCount = count
	fee.UnitAmountCents = out.UnitAmountCents
	fee.PreciseAmountCents = out.AmountCents
	fee.AmountCents = types.RoundCents(out.AmountCents)
	fee.InvoiceDisplayName = metric.Name
	if filter != nil {
		fee.ChargeFilterID = filter.ID
		if filter.InvoiceDisplayName != "" {
			fee.InvoiceDisplayName = filter.InvoiceDisplayName
		}
	}
	return fee, nil
}

// minimumTrueUp bills the gap between the charge fees and the charge minimum,
// prorated when the charges window is shorter than its period
func (s *feeService) minimumTrueUp(in *FeeInput, charge *plan.Charge, metric *billablemetric.BillableMetric, fees []*invoice.Fee) *invoice.Fee {
	if in.CurrentUsage || !charge.MinAmountCents.IsPositive() {
		return nil
	}
	b := in.Boundaries
	minimum := charge.MinAmountCents
	if b.ChargesDuration > 0 {
		days := types.InclusiveDays(b.ChargesFrom, b.ChargesTo, in.Timezone)
		if days < b.ChargesDuration {
			minimum = minimum.Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(int64(b.ChargesDuration)))
		}
	}

	total := decimal.Zero
	for _, f := range fees {
		total = total.Add(f.PreciseAmountCents)
	}
	gap := minimum.Sub(total)
	if !types.RoundCents(gap).IsPositive() {
		return nil
	}

	fee := s.newFee(in, types.FeeTypeCharge)
	fee.ChargeID = charge.ID
	fee.BillableMetricCode = metric.Code
	fee.Units = decimal.NewFromInt(1)
	fee.UnitAmountCents = gap
	fee.PreciseAmountCents = gap
	fee.AmountCents = types.RoundCents(gap)
	fee.InvoiceDisplayName = metric.Name + " minimum"
	return fee
}

func (s *feeService) FixedChargeFees(ctx context.Context, in *FeeInput) ([]*invoice.Fee, error) {
	var fees []*invoice.Fee
	for _, fc := range in.Plan.FixedCharges {
		window, ok := s.fixedChargeWindow(in, fc)
		if !ok {
			continue
		}

		res, err := s.Aggregation.AggregateFixedCharge(ctx, &aggregation.FixedChargeRequest{
			Subscription: in.Subscription,
			FixedCharge:  fc,
			Boundaries:   window,
			Timezone:     in.Timezone,
		})
		if err != nil {
			return nil, err
		}
		out, err := chargemodel.Compute(fc.ChargeModel, chargemodel.Input{
			Units:       res.Aggregation,
			Properties:  fc.Properties,
			EventsCount: res.Count,
		})
		if err != nil {
			return nil, err
		}

		fee := s.newFee(in, types.FeeTypeFixedCharge)
		fee.FixedChargeID = fc.ID
		fee.PayInAdvance = fc.PayInAdvance
		fee.Units = out.Units
		fee.UnitAmountCents = out.UnitAmountCents
		fee.PreciseAmountCents = out.AmountCents
		fee.AmountCents = types.RoundCents(out.AmountCents)
		fee.InvoiceDisplayName = fc.AddOnCode
		fee.Period.ChargesFrom = window.FixedChargesFrom
		fee.Period.ChargesTo = window.FixedChargesTo
		fees = appendNonZero(fees, fee)
	}
	return fees, nil
}

// fixedChargeWindow picks the window a fixed charge bills on the entry. Pay in
// advance fixed charges bill the period starting on the billing day, the others
// the period that just ended.
func (s *feeService) fixedChargeWindow(in *FeeInput, fc *plan.FixedCharge) (*billingperiod.Boundaries, bool) {
	b := in.Boundaries
	switch in.Reason {
	case types.InvoicingReasonSubscriptionStarting:
		return b, fc.PayInAdvance && b.HasFixedCharges()

	case types.InvoicingReasonSubscriptionTerminating:
		return b, !fc.PayInAdvance && b.HasFixedCharges()

	case types.InvoicingReasonSubscriptionPeriodic:
		if !fc.PayInAdvance {
			return b, b.HasFixedCharges() && windowClosed(b.FixedChargesTo, b.Timestamp, in.Timezone)
		}
		billingDate := types.LocalDate(b.Timestamp, in.Timezone)
		period := billingperiod.FixedChargesPeriodContaining(in.Subscription, in.Plan, in.Timezone, b.Timestamp)
		if !period.From.Equal(billingDate) {
			return nil, false
		}
		window := *b
		window.FixedChargesFrom = types.MaxTime(period.From, in.Subscription.StartInstant())
		window.FixedChargesTo = period.To
		window.FixedChargesDuration = period.Days
		return &window, true
	}
	return nil, false
}

func (s *feeService) SubscriptionFee(ctx context.Context, in *FeeInput) (*invoice.Fee, error) {
	b, p := in.Boundaries, in.Plan
	if !b.FeeBilled || !in.Reason.BillsSubscriptionFee() || !p.AmountCents.IsPositive() {
		return nil, nil
	}
	if in.Reason == types.InvoicingReasonSubscriptionTerminating && p.PayInAdvance {
		// the period was paid upfront, unused days go to a credit note
		return nil, nil
	}
	if in.Reason == types.InvoicingReasonSubscriptionStarting && (!p.PayInAdvance || p.HasTrial()) {
		return nil, nil
	}

	from, to, ok := s.billableFeeWindow(in)
	if !ok {
		return nil, nil
	}

	full := billingperiod.PeriodContaining(in.Subscription, p, in.Timezone, b.To).Days
	days := types.InclusiveDays(from, to, in.Timezone)
	if full <= 0 {
		return nil, ierr.NewError("empty billing period").
			WithHintf("Plan %s has an empty billing period", p.ID).
			Mark(ierr.ErrSystem)
	}

	amount := p.AmountCents
	if days < full {
		amount = p.AmountCents.Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(int64(full)))
	}

	fee := s.newFee(in, types.FeeTypeSubscription)
	fee.Period.From = from
	fee.Period.To = to
	fee.Units = decimal.NewFromInt(1)
	fee.UnitAmountCents = amount
	fee.PreciseAmountCents = amount
	fee.AmountCents = types.RoundCents(amount)
	fee.PayInAdvance = p.PayInAdvance
	fee.InvoiceDisplayName = lo.Ternary(p.InvoiceDisplayName != "", p.InvoiceDisplayName, p.Name)
	return fee, nil
}

// billableFeeWindow removes trial days from the fee window. A pay in advance
// periodic fee is billed in full when the trial ends on the billing day itself;
// a trial ending later in the period is billed by the trial ended entry instead.
func (s *feeService) billableFeeWindow(in *FeeInput) (time.Time, time.Time, bool) {
	b, p := in.Boundaries, in.Plan
	from, to := b.From, b.To
	if !p.HasTrial() || in.Reason == types.InvoicingReasonTrialEnded {
		return from, to, true
	}

	trialEnd := billingperiod.TrialEnd(in.Subscription, p)
	if !trialEnd.After(from) {
		return from, to, true
	}
	if trialEnd.After(to) {
		return from, to, false
	}

	trialDay := types.StartOfDay(trialEnd, in.Timezone)
	if p.PayInAdvance && in.Reason == types.InvoicingReasonSubscriptionPeriodic {
		return from, to, trialDay.Equal(from)
	}
	return trialDay, to, true
}

func (s *feeService) PayInAdvanceFee(ctx context.Context, in *FeeInput, charge *plan.Charge, event *events.Event) (*invoice.Fee, error) {
	metric, err := s.getMetric(ctx, charge.BillableMetricID)
	if err != nil {
		return nil, err
	}

	var filter *plan.ChargeFilter
	props := charge.Properties
	if bucket := aggregation.BucketFor(event, charge.Filters); bucket != aggregation.DefaultBucket {
		filter, _ = lo.Find(charge.Filters, func(f *plan.ChargeFilter) bool { return f.ID == bucket })
		props = filter.Properties
	}

	req := &aggregation.Request{
		Subscription: in.Subscription,
		Metric:       metric,
		Charge:       charge,
		Filter:       filter,
		Boundaries:   in.Boundaries,
		GroupedBy:    props.GroupedBy,
		Timezone:     in.Timezone,
	}
	with, err := s.Aggregation.Aggregate(ctx, req)
	if err != nil {
		return nil, err
	}
	withoutReq := *req
	withoutReq.ExcludeTransactionID = event.TransactionID
	without, err := s.Aggregation.Aggregate(ctx, &withoutReq)
	if err != nil {
		return nil, err
	}

	withUnits, withCount, withValues, groupedBy := eventBucket(with, props.GroupedBy, event)
	withoutUnits, withoutCount, withoutValues, _ := eventBucket(without, props.GroupedBy, event)

	priced, err := chargemodel.Compute(charge.ChargeModel, chargemodel.Input{
		Units: withUnits, Properties: props, EventsCount: withCount, PerEventAmounts: withValues,
	})
	if err != nil {
		return nil, err
	}
	previous, err := chargemodel.Compute(charge.ChargeModel, chargemodel.Input{
		Units: withoutUnits, Properties: props, EventsCount: withoutCount, PerEventAmounts: withoutValues,
	})
	if err != nil {
		return nil, err
	}

	amount := decimal.Max(decimal.Zero, priced.AmountCents.Sub(previous.AmountCents))
	units := withUnits.Sub(withoutUnits)

	fee := s.newFee(in, types.FeeTypeCharge)
	fee.ChargeID = charge.ID
	fee.BillableMetricCode = metric.Code
	fee.GroupedBy = groupedBy
	fee.Units = units
	fee.EventsCount = 1
	fee.PreciseAmountCents = amount
	fee.AmountCents = types.RoundCents(amount)
	if !units.IsZero() {
		fee.UnitAmountCents = amount.Div(units)
	}
	fee.PayInAdvance = true
	fee.PayInAdvanceEventTransactionID = event.TransactionID
	fee.InvoiceDisplayName = metric.Name
	if filter != nil {
		fee.ChargeFilterID = filter.ID
		if filter.InvoiceDisplayName != "" {
			fee.InvoiceDisplayName = filter.InvoiceDisplayName
		}
	}
	return fee, nil
}

// eventBucket returns the quantity of the group the event belongs to
func eventBucket(res *aggregation.Result, groupedBy []string, event *events.Event) (decimal.Decimal, int64, []decimal.Decimal, map[string]string) {
	if len(groupedBy) == 0 {
		return res.Aggregation, res.Count, res.Values, nil
	}
	want := make(map[string]string, len(groupedBy))
	for _, key := range groupedBy {
		v, _ := event.Property(key)
		want[key] = v
	}
	for _, g := range res.Groups {
		if lo.EveryBy(groupedBy, func(key string) bool { return g.GroupedBy[key] == want[key] }) {
			return g.Aggregation, g.Count, g.Values, want
		}
	}
	return decimal.Zero, 0, nil, want
}

func (s *feeService) newFee(in *FeeInput, feeType types.FeeType) *invoice.Fee {
	b := in.Boundaries
	return &invoice.Fee{
		ID:             types.GenerateUUIDWithPrefix(types.UUID_PREFIX_FEE),
		SubscriptionID: in.Subscription.ID,
		CustomerID:     in.Subscription.CustomerID,
		FeeType:        feeType,
		Period: invoice.FeePeriod{
			From:        b.From,
			To:          b.To,
			ChargesFrom: b.ChargesFrom,
			ChargesTo:   b.ChargesTo,
		},
		CreatedAt: in.At,
	}
}

// appendNonZero drops fees without units and amount
func appendNonZero(fees []*invoice.Fee, fee *invoice.Fee) []*invoice.Fee {
	if fee.Units.IsZero() && fee.AmountCents.IsZero() {
		return fees
	}
	return append(fees, fee)
}

// windowClosed reports whether a window ending at end is over on the local billing date of at
func windowClosed(end, at time.Time, loc *time.Location) bool {
	return end.Before(types.StartOfDay(at, loc))
}
