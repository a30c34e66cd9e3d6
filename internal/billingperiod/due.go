package billingperiod

import (
	"time"

	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/types"
)

// TrialEnd is the instant the free trial of sub ends
func TrialEnd(sub *subscription.Subscription, p *plan.Plan) time.Time {
	return sub.TrialEnd(p.TrialPeriodDays)
}

// PastTrial reports whether at is at or after the trial end. Plans without a trial are always past it.
func PastTrial(sub *subscription.Subscription, p *plan.Plan, at time.Time) bool {
	if !p.HasTrial() {
		return true
	}
	return !at.Before(TrialEnd(sub, p))
}

// TrialEndedWithin reports whether the trial ended in (at-window, at]
func TrialEndedWithin(sub *subscription.Subscription, p *plan.Plan, at time.Time, window time.Duration) bool {
	if !p.HasTrial() {
		return false
	}
	end := TrialEnd(sub, p)
	return end.After(at.Add(-window)) && !end.After(at)
}

// billingCycles returns the cycles whose starts are billing days of the subscription
func billingCycles(sub *subscription.Subscription, p *plan.Plan, loc *time.Location) []cycle {
	cycles := []cycle{newCycle(sub, p.Interval, loc)}
	if p.Interval.IsLong() && (p.BillChargesMonthly || p.BillFixedChargesMonthly) {
		cycles = append(cycles, newCycle(sub, types.IntervalMonthly, loc))
	}
	return cycles
}

// LatestBillingDay returns the last billing day at or before the local date of at.
// ok is false when that day is not after the started date.
func LatestBillingDay(sub *subscription.Subscription, p *plan.Plan, loc *time.Location, at time.Time) (time.Time, bool) {
	date := types.LocalDate(at, loc)
	var latest time.Time
	for _, c := range billingCycles(sub, p, loc) {
		latest = types.MaxTime(latest, c.startOn(date))
	}
	started := types.LocalDate(sub.StartInstant(), loc)
	return latest, latest.After(started)
}

// IsBillingDay reports whether the local date of at starts a billing period after the started date
func IsBillingDay(sub *subscription.Subscription, p *plan.Plan, loc *time.Location, at time.Time) bool {
	day, ok := LatestBillingDay(sub, p, loc, at)
	return ok && day.Equal(types.LocalDate(at, loc))
}

// Due reports whether the latest billing day of an active subscription is still unbilled.
// A sweep on any later day of the same period bills a missed period once.
// billed is asked with the periodic PeriodKey of that billing day.
func Due(sub *subscription.Subscription, p *plan.Plan, loc *time.Location, at time.Time, billed func(periodKey string) bool) (*Boundaries, bool) {
	if !sub.IsActive() {
		return nil, false
	}
	if loc == nil {
		loc = time.UTC
	}
	day, ok := LatestBillingDay(sub, p, loc, at)
	if !ok {
		return nil, false
	}
	b, err := Compute(Input{Subscription: sub, Plan: p, Timezone: loc, At: day, Kind: KindPeriodic})
	if err != nil {
		return nil, false
	}
	if billed(b.PeriodKey(sub.ID, types.InvoicingReasonSubscriptionPeriodic)) {
		return b, false
	}
	return b, true
}

// DaysBetween counts the inclusive local calendar days of [from, to]
func DaysBetween(from, to time.Time, loc *time.Location) int {
	return types.InclusiveDays(from, to, loc)
}

// IsAnniversary reports whether the local date of at starts an interval period anchored
// on the local date of anchor, excluding the anchor date itself
func IsAnniversary(anchor time.Time, interval types.Interval, loc *time.Location, at time.Time) bool {
	if loc == nil {
		loc = time.UTC
	}
	c := cycle{
		interval:    interval,
		billingTime: types.BillingTimeAnniversary,
		anchor:      types.LocalDate(anchor, loc),
		loc:         loc,
	}
	date := types.LocalDate(at, loc)
	return date.After(c.anchor) && c.startOn(date).Equal(date)
}
