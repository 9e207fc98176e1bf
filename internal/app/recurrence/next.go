package recurrence

import (
	"fmt"
	"time"

	"github.com/todo-1m/automation/internal/contracts"
)

// Next returns the occurrence after base: daily adds one day, weekly seven days,
// monthly one calendar month clamped to the last day of the target month.
func Next(base time.Time, interval contracts.Interval) (time.Time, error) {
	switch interval {
	case contracts.IntervalDaily:
		return base.AddDate(0, 0, 1), nil
	case contracts.IntervalWeekly:
		return base.AddDate(0, 0, 7), nil
	case contracts.IntervalMonthly:
		return addMonthsClamped(base, 1), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown interval %q", contracts.ErrInvalidPayload, interval)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
