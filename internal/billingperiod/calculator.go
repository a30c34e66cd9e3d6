package billingperiod

import (
	"time"

	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
)

// Kind selects which billing event boundaries are computed for
type Kind string

const (
	KindPeriodic        Kind = "periodic"
	KindStarting        Kind = "starting"
	KindTerminating     Kind = "terminating"
	KindInAdvanceCharge Kind = "in_advance_charge"
	KindTrialEnded      Kind = "trial_ended"
	KindCurrentUsage    Kind = "current_usage"
)

// Input is everything Compute needs. At is the billing instant: the billing day for
// periodic runs, the termination instant, the event timestamp or the trial end.
type Input struct {
	Subscription *subscription.Subscription
	Plan         *plan.Plan
	Timezone     *time.Location
	At           time.Time
	Kind         Kind
	// NextStartAt is when the subscription replacing a terminating one starts billing usage
	NextStartAt time.Time
}

// Boundaries are the inclusive windows one invoice entry bills
type Boundaries struct {
	From             time.Time
	To               time.Time
	ChargesFrom      time.Time
	ChargesTo        time.Time
	FixedChargesFrom time.Time
	FixedChargesTo   time.Time

	// Durations are the day counts of the unclamped periods
	ChargesDuration      int
	FixedChargesDuration int

	// FeeBilled is set when the entry bills the fee window, false for charges only entries
	FeeBilled bool
	Timestamp time.Time
}

// PeriodKey is the idempotency key of the entry for reason
func (b *Boundaries) PeriodKey(subscriptionID string, reason types.InvoicingReason) string {
	return invoice.PeriodKey(subscriptionID, reason, b.FeeBilled, b.From, b.To, b.ChargesFrom, b.ChargesTo)
}

// HasCharges reports whether the charges window is not empty
func (b *Boundaries) HasCharges() bool {
	return b.ChargesTo.After(b.ChargesFrom)
}

// HasFixedCharges reports whether the fixed charges window is not empty
func (b *Boundaries) HasFixedCharges() bool {
	return b.FixedChargesTo.After(b.FixedChargesFrom)
}

// Compute returns the boundaries of in.Kind at in.At. It fails with ErrNoBoundaries
// when the subscription has not started at in.At or was terminated before it.
func Compute(in Input) (*Boundaries, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	sub, p := in.Subscription, in.Plan
	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}

	if in.At.Before(sub.SubscriptionAt) {
		return nil, noBoundaries(sub, in.At, "before subscription start")
	}
	if in.Kind == KindPeriodic && sub.TerminatedAt != nil && in.At.After(*sub.TerminatedAt) {
		return nil, noBoundaries(sub, in.At, "after termination")
	}

	c := calc{
		sub:       sub,
		plan:      p,
		loc:       loc,
		started:   sub.StartInstant(),
		fee:       newCycle(sub, p.Interval, loc),
		charges:   newCycle(sub, chargesInterval(p.Interval, p.BillChargesMonthly), loc),
		fixed:     newCycle(sub, chargesInterval(p.Interval, p.BillFixedChargesMonthly), loc),
		timestamp: in.At,
		nextStart: in.NextStartAt,
	}

	switch in.Kind {
	case KindPeriodic:
		return c.periodic(in.At), nil
	case KindStarting:
		return c.starting(), nil
	case KindTerminating:
		return c.terminating(in.At), nil
	case KindInAdvanceCharge:
		return c.inAdvance(in.At), nil
	case KindTrialEnded:
		return c.trialEnded(in.At), nil
	case KindCurrentUsage:
		return c.currentUsage(in.At), nil
	}
	return nil, ierr.NewError("unknown boundaries kind").
		WithHintf("Boundaries kind %q is not supported", in.Kind).
		Mark(ierr.ErrValidation)
}

func validate(in Input) error {
	if in.Subscription == nil || in.Plan == nil {
		return ierr.NewError("subscription and plan are required").
			WithHint("Boundaries need a subscription and its plan").
			Mark(ierr.ErrValidation)
	}
	if err := in.Plan.Interval.Validate(); err != nil {
		return err
	}
	return in.Subscription.BillingTime.Validate()
}

func noBoundaries(sub *subscription.Subscription, at time.Time, reason string) error {
	return ierr.NewError("no boundaries").
		WithHintf("Subscription %s has no billing period at %s: %s", sub.ID, at.UTC().Format(time.RFC3339), reason).
		WithReportableDetails(map[string]any{
			"subscription_id": sub.ID,
			"at":              at,
		}).
		Mark(ierr.ErrNoBoundaries)
}

// chargesInterval is monthly when usage of a long interval is billed monthly
func chargesInterval(interval types.Interval, monthly bool) types.Interval {
	if monthly && interval.IsLong() {
		return types.IntervalMonthly
	}
	return interval
}

type calc struct {
	sub       *subscription.Subscription
	plan      *plan.Plan
	loc       *time.Location
	started   time.Time
	fee       cycle
	charges   cycle
	fixed     cycle
	timestamp time.Time
	nextStart time.Time
}

func (c calc) previousDay(t time.Time) time.Time {
	d := types.LocalDate(t, c.loc)
	return time.Date(d.Year(), d.Month(), d.Day()-1, 0, 0, 0, 0, c.loc)
}

// clampFee moves a fee window start up to the started day
func (c calc) clampFee(from time.Time) time.Time {
	return types.MaxTime(from, types.StartOfDay(c.started, c.loc))
}

// clampCharges moves a charges window start up to the exact started instant
func (c calc) clampCharges(from time.Time) time.Time {
	return types.MaxTime(from, c.started)
}

func (c calc) periodic(at time.Time) *Boundaries {
	billingDate := types.LocalDate(at, c.loc)
	previous := c.previousDay(at)

	feeDate := previous
	if c.plan.PayInAdvance {
		feeDate = billingDate
	}
	feePeriod := c.fee.containing(feeDate)
	chargesPeriod := c.charges.containing(previous)
	fixedPeriod := c.fixed.containing(previous)

	return &Boundaries{
		From:                 c.clampFee(feePeriod.From),
		To:                   feePeriod.To,
		ChargesFrom:          c.clampCharges(chargesPeriod.From),
		ChargesTo:            chargesPeriod.To,
		FixedChargesFrom:     c.clampCharges(fixedPeriod.From),
		FixedChargesTo:       fixedPeriod.To,
		ChargesDuration:      chargesPeriod.Days,
		FixedChargesDuration: fixedPeriod.Days,
		FeeBilled:            c.fee.startOn(billingDate).Equal(billingDate),
		Timestamp:            at,
	}
}

func (c calc) starting() *Boundaries {
	feePeriod := c.fee.containing(c.started)
	chargesPeriod := c.charges.containing(c.started)
	fixedPeriod := c.fixed.containing(c.started)

	return &Boundaries{
		From:                 c.clampFee(feePeriod.From),
		To:                   feePeriod.To,
		ChargesFrom:          c.started,
		ChargesTo:            c.started,
		FixedChargesFrom:     c.started,
		FixedChargesTo:       fixedPeriod.To,
		ChargesDuration:      chargesPeriod.Days,
		FixedChargesDuration: fixedPeriod.Days,
		FeeBilled:            true,
		Timestamp:            c.timestamp,
	}
}

func (c calc) terminating(at time.Time) *Boundaries {
	feePeriod := c.fee.containing(at)
	chargesPeriod := c.charges.containing(at)
	fixedPeriod := c.fixed.containing(at)

	chargesTo := at
	switch {
	case !c.nextStart.IsZero():
		// usage from nextStart onwards belongs to the next subscription
		chargesTo = types.MinTime(at, c.nextStart.Add(-time.Nanosecond))
	case c.sub.NextSubscriptionID != "":
		chargesTo = at.Add(-time.Nanosecond)
	}

	return &Boundaries{
		From:                 c.clampFee(feePeriod.From),
		To:                   at,
		ChargesFrom:          c.clampCharges(chargesPeriod.From),
		ChargesTo:            chargesTo,
		FixedChargesFrom:     c.clampCharges(fixedPeriod.From),
		FixedChargesTo:       chargesTo,
		ChargesDuration:      chargesPeriod.Days,
		FixedChargesDuration: fixedPeriod.Days,
		FeeBilled:            true,
		Timestamp:            at,
	}
}

func (c calc) inAdvance(at time.Time) *Boundaries {
	feePeriod := c.fee.containing(at)
	chargesPeriod := c.charges.containing(at)
	fixedPeriod := c.fixed.containing(at)

	return &Boundaries{
		From:                 c.clampFee(feePeriod.From),
		To:                   feePeriod.To,
		ChargesFrom:          c.clampCharges(chargesPeriod.From),
		ChargesTo:            at,
		FixedChargesFrom:     c.clampCharges(fixedPeriod.From),
		FixedChargesTo:       at,
		ChargesDuration:      chargesPeriod.Days,
		FixedChargesDuration: fixedPeriod.Days,
		Timestamp:            at,
	}
}

func (c calc) trialEnded(end time.Time) *Boundaries {
	feePeriod := c.fee.containing(end)
	chargesPeriod := c.charges.containing(end)
	fixedPeriod := c.fixed.containing(end)

	return &Boundaries{
		From:                 types.StartOfDay(end, c.loc),
		To:                   feePeriod.To,
		ChargesFrom:          end,
		ChargesTo:            end,
		FixedChargesFrom:     end,
		FixedChargesTo:       end,
		ChargesDuration:      chargesPeriod.Days,
		FixedChargesDuration: fixedPeriod.Days,
		FeeBilled:            true,
		Timestamp:            end,
	}
}

func (c calc) currentUsage(at time.Time) *Boundaries {
	feePeriod := c.fee.containing(at)
	chargesPeriod := c.charges.containing(at)
	fixedPeriod := c.fixed.containing(at)

	return &Boundaries{
		From:                 c.clampFee(feePeriod.From),
		To:                   feePeriod.To,
		ChargesFrom:          c.clampCharges(chargesPeriod.From),
		ChargesTo:            chargesPeriod.To,
		FixedChargesFrom:     c.clampCharges(fixedPeriod.From),
		FixedChargesTo:       fixedPeriod.To,
		ChargesDuration:      chargesPeriod.Days,
		FixedChargesDuration: fixedPeriod.Days,
		Timestamp:            at,
	}
}

// PeriodContaining returns the fee period of the subscription containing at
func PeriodContaining(sub *subscription.Subscription, p *plan.Plan, loc *time.Location, at time.Time) Period {
	return newCycle(sub, p.Interval, loc).containing(at)
}

// ChargesPeriodContaining returns the charges (sub)period containing at
func ChargesPeriodContaining(sub *subscription.Subscription, p *plan.Plan, loc *time.Location, at time.Time) Period {
	return newCycle(sub, chargesInterval(p.Interval, p.BillChargesMonthly), loc).containing(at)
}

// FixedChargesPeriodContaining returns the fixed charges (sub)period containing at
func FixedChargesPeriodContaining(sub *subscription.Subscription, p *plan.Plan, loc *time.Location, at time.Time) Period {
	return newCycle(sub, chargesInterval(p.Interval, p.BillFixedChargesMonthly), loc).containing(at)
}
