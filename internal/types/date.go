package types

import (
	"time"
)

// AddClampedDate adds years and months to t and clamps the day to the last valid
// day of the resulting month, so Jan 31 + 1 month is Feb 28 (or 29) and not Mar 3.
// days are added after clamping.
func AddClampedDate(t time.Time, years, months, days int) time.Time {
	y, m, d := t.Date()
	h, mi, s := t.Clock()

	out := ClampedDate(y+years, time.Month(int(m)+months), d, t.Location())
	out = time.Date(out.Year(), out.Month(), out.Day(), h, mi, s, t.Nanosecond(), t.Location())
	if days != 0 {
		out = out.AddDate(0, 0, days)
	}
	return out
}

// ClampedDate builds local midnight of (year, month, day) with month normalised
// into range and day clamped to the month length.
func ClampedDate(year int, month time.Month, day int, loc *time.Location) time.Time {
	m := int(month)
	for m > 12 {
		m -= 12
		year++
	}
	for m < 1 {
		m += 12
		year--
	}

	last := DaysInMonth(year, time.Month(m))
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, time.Month(m), day, 0, 0, 0, 0, loc)
}

// DaysInMonth returns the number of days of month in year
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DaysInYear returns 366 for leap years and 365 otherwise
func DaysInYear(year int) int {
	if DaysInMonth(year, time.February) == 29 {
		return 366
	}
	return 365
}

// StartOfDay returns local midnight of t in loc
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns the last nanosecond of the local day of t in loc.
// Computed from the next local midnight so DST days are 23h or 25h long.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	start := StartOfDay(t, loc)
	next := time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, loc)
	return next.Add(-time.Nanosecond)
}

// LocalDate truncates t to its calendar date in loc
func LocalDate(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc)
}

// DaysBetween counts calendar days from a to b (b - a) in loc, ignoring the
// time of day. DST safe because it compares dates, not durations.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// InclusiveDays counts the calendar days touched by [a, b] in loc
func InclusiveDays(a, b time.Time, loc *time.Location) int {
	if b.Before(a) {
		return 0
	}
	return DaysBetween(a, b, loc) + 1
}

// MaxTime returns the later of a and b
func MaxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// MinTime returns the earlier of a and b
func MinTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
