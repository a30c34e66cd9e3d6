package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	ist = time.FixedZone("IST", 5*60*60+30*60)
	pst = time.FixedZone("PST", -8*60*60)
)

func TestAddClampedDate(t *testing.T) {
	tests := []struct {
		name   string
		start  time.Time
		years  int
		months int
		days   int
		want   time.Time
	}{
		{
			name:   "jan 31 plus one month in leap year",
			start:  time.Date(2024, time.January, 31, 10, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2024, time.February, 29, 10, 0, 0, 0, time.UTC),
		},
		{
			name:   "jan 31 plus one month in common year",
			start:  time.Date(2023, time.January, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2023, time.February, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "leap day plus one year",
			start: time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC),
			years: 1,
			want:  time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "november plus three months crosses year",
			start:  time.Date(2024, time.November, 30, 0, 0, 0, 0, ist),
			months: 3,
			want:   time.Date(2025, time.February, 28, 0, 0, 0, 0, ist),
		},
		{
			name:   "negative months",
			start:  time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
			months: -1,
			want:   time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "days after clamping",
			start: time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
			days:  1,
			want:  time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddClampedDate(tt.start, tt.years, tt.months, tt.days)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestDaysBetweenAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}

	// March 2024 has a 23 hour day in New York
	from := time.Date(2024, time.March, 1, 0, 0, 0, 0, ny)
	to := time.Date(2024, time.March, 31, 23, 59, 59, 0, ny)

	assert.Equal(t, 30, DaysBetween(from, to, ny))
	assert.Equal(t, 31, InclusiveDays(from, to, ny))
}

func TestEndOfDay(t *testing.T) {
	got := EndOfDay(time.Date(2024, time.February, 28, 13, 0, 0, 0, time.UTC), pst)
	want := time.Date(2024, time.February, 28, 23, 59, 59, 999999999, pst)
	assert.True(t, want.Equal(got))

	assert.Equal(t, 29, DaysInMonth(2024, time.February))
	assert.Equal(t, 365, DaysInYear(2023))
	assert.Equal(t, 366, DaysInYear(2024))
}
