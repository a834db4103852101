package admission

import (
	"strconv"
	"time"
)

// PeriodKey returns the cache key suffix identifying the current budget
// window for period ("daily", "weekly", "monthly") as of at.
func PeriodKey(period string, at time.Time) string {
	switch period {
	case "daily":
		return at.Format("2006-01-02")
	case "weekly":
		year, week := at.ISOWeek()
		return fmtWeek(year, week)
	case "monthly":
		return at.Format("2006-01")
	default:
		return at.Format("2006-01-02")
	}
}

func fmtWeek(year, week int) string {
	return strconv.Itoa(year) + "-W" + padWeek(week)
}

func padWeek(week int) string {
	if week < 10 {
		return "0" + strconv.Itoa(week)
	}
	return strconv.Itoa(week)
}

// DaysRemainingInPeriod returns the number of full days left in period as
// of today. For "daily" this is always 0: the period ends at the end of
// today, with no remaining full days after it.
func DaysRemainingInPeriod(period string, today time.Time) int {
	switch period {
	case "daily":
		return 0
	case "weekly":
		// ISO weeks (see PeriodKey) end on Sunday, which Weekday reports as 0.
		return (7 - int(today.Weekday())) % 7
	case "monthly":
		firstOfNextMonth := time.Date(today.Year(), today.Month()+1, 1, 0, 0, 0, 0, today.Location())
		lastOfMonth := firstOfNextMonth.AddDate(0, 0, -1)
		return lastOfMonth.Day() - today.Day()
	default:
		return 0
	}
}

// PeriodLengthDays returns the total number of days in the period
// containing at, regardless of how far into it at falls. Budget cache TTLs
// are set to this (not DaysRemainingInPeriod) so that the counter survives
// for the whole period even when it was first written near the period's
// end, rather than expiring early and silently resetting spend.
func PeriodLengthDays(period string, at time.Time) int {
	switch period {
	case "daily":
		return 1
	case "weekly":
		return 7
	case "monthly":
		firstOfMonth := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
		firstOfNextMonth := firstOfMonth.AddDate(0, 1, 0)
		return int(firstOfNextMonth.Sub(firstOfMonth).Hours() / 24)
	default:
		return 1
	}
}
