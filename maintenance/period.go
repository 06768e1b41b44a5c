package maintenance

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - calendar month a bill belongs to
// =============================================================================

// Period is a calendar-month token, printed as "2025-04". It is
// not a timestamp: the instant a bill falls due depends on the rule's billing
// day and the society's time zone.
type Period struct {
	Year  int
	Month time.Month
}

const periodLayout = "2006-01"

// ParsePeriod parses a "YYYY-MM" token.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: period %q must be YYYY-MM", ErrInvalidInput, s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// MustParsePeriod is ParsePeriod for literals in tests and seeds.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PeriodOf returns the period containing t in loc.
func PeriodOf(t time.Time, loc *time.Location) Period {
	t = t.In(orUTC(loc))
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

func (p Period) Before(o Period) bool {
	return p.Year < o.Year || (p.Year == o.Year && p.Month < o.Month)
}

// Next returns the following month.
func (p Period) Next() Period {
	t := time.Date(p.Year, p.Month+1, 1, 0, 0, 0, 0, time.UTC)
	return Period{Year: t.Year(), Month: t.Month()}
}

// DueDate anchors the period on billingDay, clamped to end of day in loc.
// Billing days are capped at 28 so every month has one.
func (p Period) DueDate(billingDay int, loc *time.Location) time.Time {
	if billingDay < 1 {
		billingDay = 1
	}
	if billingDay > 28 {
		billingDay = 28
	}
	return EndOfDay(time.Date(p.Year, p.Month, billingDay, 0, 0, 0, 0, orUTC(loc)))
}

// =============================================================================
// DAY ARITHMETIC
// =============================================================================

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last representable instant of t's calendar day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}

// CalendarDaysBetween counts calendar days from from's date to to's date,
// both read in loc. Computed on civil dates so DST shifts never add or drop
// a day.
func CalendarDaysBetween(from, to time.Time, loc *time.Location) int {
	loc = orUTC(loc)
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
