package accrual

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granularity calendar date (accrual math never needs clock time)
// =============================================================================

type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a time.Time to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return Date{Time: t}, nil
}

// Comparison
func (d Date) Before(other Date) bool { return d.normalize().Before(other.normalize()) }
func (d Date) Equal(other Date) bool  { return d.normalize().Equal(other.normalize()) }
func (d Date) After(other Date) bool  { return d.normalize().After(other.normalize()) }
func (d Date) IsZero() bool           { return d.Time.IsZero() }

func (d Date) normalize() time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Properties
func (d Date) Year() int         { return d.Time.Year() }
func (d Date) Month() time.Month { return d.Time.Month() }
func (d Date) Day() int          { return d.Time.Day() }

func (d Date) String() string { return d.Time.Format("2006-01-02") }

// =============================================================================
// ANNIVERSARY MONTH ARITHMETIC
// =============================================================================

// MonthsElapsed counts whole calendar months between start and asOf using
// the inclusive, anniversary-based rule: a month counts as elapsed once the
// as-of day-of-month reaches or passes the start day-of-month, and the
// partial month in progress counts as one full unit (bill at start of
// period). The minimum result is 1 once start <= asOf; a future start
// yields 0.
//
//	start 2024-01-01, asOf 2024-04-15 -> 4
//	start 2024-01-20, asOf 2024-04-15 -> 3
//	start == asOf                     -> 1
func MonthsElapsed(start, asOf Date) int {
	if start.After(asOf) {
		return 0
	}

	months := (asOf.Year()-start.Year())*12 + int(asOf.Month()-start.Month())
	if asOf.Day() >= start.Day() {
		months++ // the month in progress has reached its anniversary day
	}
	if months < 1 {
		months = 1
	}
	return months
}
