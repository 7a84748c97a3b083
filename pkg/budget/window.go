package budget

import (
	"time"

	"github.com/strands-agents/costguard/pkg/policy"
)

// Window returns the calendar-aligned UTC period window containing now:
// hourly windows start at XX:00, daily at 00:00, weekly on Monday 00:00,
// monthly on the first of the month. The start is inclusive, the end
// exclusive.
func Window(p policy.Period, now time.Time) (start, end time.Time) {
	now = now.UTC()
	switch p {
	case policy.PeriodHourly:
		start = now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case policy.PeriodWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		// time.Weekday has Sunday=0; shift so Monday starts the week.
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case policy.PeriodMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default: // daily
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}
