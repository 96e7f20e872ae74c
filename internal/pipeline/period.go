package pipeline

import (
	"fmt"
	"time"
)

// DateLayout is the wire and CLI format of report dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// ParseRange parses an inclusive date range and checks its order and length.
// maxDays <= 0 disables the length check.
func ParseRange(from, to string, loc *time.Location, maxDays int) (time.Time, time.Time, error) {
	start, err := ParseDate(from, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseDate(to, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("from date %s is after to date %s", from, to)
	}
	if maxDays > 0 && DaysInRange(start, end) > maxDays {
		return time.Time{}, time.Time{}, fmt.Errorf("range of %d days exceeds the limit of %d", DaysInRange(start, end), maxDays)
	}
	return start, end, nil
}

// DaysInRange counts the calendar days in the inclusive range.
func DaysInRange(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours()/24) + 1
}

// FormatPeriodDisplay formats a date range for human-readable display.
// Single day: "Feb 06, 2026"
// Range: "Feb 01 - Feb 06, 2026"
func FormatPeriodDisplay(from, to time.Time) string {
	if from.Format(DateLayout) == to.Format(DateLayout) {
		return from.Format("Jan 02, 2006")
	}
	if from.Year() != to.Year() {
		return fmt.Sprintf("%s - %s", from.Format("Jan 02, 2006"), to.Format("Jan 02, 2006"))
	}
	return fmt.Sprintf("%s - %s", from.Format("Jan 02"), to.Format("Jan 02, 2006"))
}
