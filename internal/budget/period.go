package budget

import (
	"time"

	"github.com/sells-group/pricewatch/internal/model"
)

// Boundary returns the start of the window of period p containing now, in
// UTC: midnight for daily, Monday 00:00 (ISO week) for weekly, the first of
// the month for monthly.
func Boundary(p model.Period, now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case model.PeriodDaily:
		return day
	case model.PeriodWeekly:
		// time.Weekday has Sunday = 0; ISO weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case model.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Boundaries returns the current window start of every period.
func Boundaries(now time.Time) map[model.Period]time.Time {
	out := make(map[model.Period]time.Time, 3)
	for _, p := range model.Periods() {
		out[p] = Boundary(p, now)
	}
	return out
}
