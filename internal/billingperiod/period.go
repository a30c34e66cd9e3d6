package billingperiod

import (
	"time"

	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/types"
)

// Period is one billing cycle in local time. From is a local midnight and To is the
// last nanosecond before the next cycle starts.
type Period struct {
	From time.Time
	To   time.Time
	// Days is the calendar length of the full cycle
	Days int
}

// Contains reports whether t falls inside the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.From) && !t.After(p.To)
}

// cycle resolves periods of one interval against one anchor
type cycle struct {
	interval    types.Interval
	billingTime types.BillingTime
	// anchor is the local date of SubscriptionAt
	anchor time.Time
	loc    *time.Location
}

func newCycle(sub *subscription.Subscription, interval types.Interval, loc *time.Location) cycle {
	return cycle{
		interval:    interval,
		billingTime: sub.BillingTime,
		anchor:      types.LocalDate(sub.SubscriptionAt, loc),
		loc:         loc,
	}
}

// containing returns the period containing the local date of t
func (c cycle) containing(t time.Time) Period {
	date := types.LocalDate(t, c.loc)
	start := c.startOn(date)
	next := c.next(start)
	return Period{
		From: start,
		To:   next.Add(-time.Nanosecond),
		Days: types.DaysBetween(start, next, c.loc),
	}
}

// startOn returns the start of the cycle containing date
func (c cycle) startOn(date time.Time) time.Time {
	if c.billingTime == types.BillingTimeAnniversary {
		return c.anniversaryStart(date)
	}
	return c.calendarStart(date)
}

func (c cycle) calendarStart(date time.Time) time.Time {
	y, m, d := date.Date()
	switch c.interval {
	case types.IntervalWeekly:
		offset := (int(date.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, c.loc)
	case types.IntervalMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, c.loc)
	case types.IntervalQuarterly:
		return time.Date(y, time.Month((int(m)-1)/3*3+1), 1, 0, 0, 0, 0, c.loc)
	case types.IntervalSemiannual:
		return time.Date(y, time.Month((int(m)-1)/6*6+1), 1, 0, 0, 0, 0, c.loc)
	default:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, c.loc)
	}
}

func (c cycle) anniversaryStart(date time.Time) time.Time {
	if c.interval == types.IntervalWeekly {
		days := types.DaysBetween(c.anchor, date, c.loc)
		offset := ((days % 7) + 7) % 7
		y, m, d := date.Date()
		return time.Date(y, m, d-offset, 0, 0, 0, 0, c.loc)
	}

	n := c.interval.Months()
	ay, am, ad := c.anchor.Date()
	dy, dm, _ := date.Date()
	diff := (dy-ay)*12 + int(dm) - int(am)
	k := floorDiv(diff, n)
	start := types.ClampedDate(ay, time.Month(int(am)+k*n), ad, c.loc)
	if start.After(date) {
		start = types.ClampedDate(ay, time.Month(int(am)+(k-1)*n), ad, c.loc)
	}
	return start
}

// next returns the start of the cycle after the one starting at start. Anniversary
// cycles are rebuilt from the anchor day so a clamped month never shifts later ones.
func (c cycle) next(start time.Time) time.Time {
	if c.interval == types.IntervalWeekly {
		y, m, d := start.Date()
		return time.Date(y, m, d+7, 0, 0, 0, 0, c.loc)
	}
	n := c.interval.Months()
	if c.billingTime == types.BillingTimeAnniversary {
		ay, am, ad := c.anchor.Date()
		sy, sm, _ := start.Date()
		k := floorDiv((sy-ay)*12+int(sm)-int(am), n)
		return types.ClampedDate(ay, time.Month(int(am)+(k+1)*n), ad, c.loc)
	}
	y, m, _ := start.Date()
	return types.ClampedDate(y, time.Month(int(m)+n), 1, c.loc)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// PeriodDays returns the calendar length of the interval cycle starting at from:
// 7 for weekly, 28 to 31 for monthly, the sum of the months for longer intervals.
func PeriodDays(interval types.Interval, from time.Time, loc *time.Location) int {
	start := types.LocalDate(from, loc)
	if interval == types.IntervalWeekly {
		return 7
	}
	y, m, d := start.Date()
	end := types.ClampedDate(y, time.Month(int(m)+interval.Months()), d, loc)
	return types.DaysBetween(start, end, loc)
}
