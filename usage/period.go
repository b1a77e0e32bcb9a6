package usage

import (
	"fmt"
	"time"
)

// CumulativeKey is the sentinel period key for counters that never reset
const CumulativeKey = "__cumulative__"

// Defining the calendar period types for usage bucketing
const (
	PeriodDaily   string = "daily"
	PeriodWeekly  string = "weekly"
	PeriodMonthly string = "monthly"
)

// CurrentKey maps a period type and a point in time to the bucket key for
// that period. Weekly buckets use ISO week numbering (Monday start), so the
// key is stable across processes and locales. Any unknown or empty period
// type yields the cumulative sentinel.
func CurrentKey(periodType string, t time.Time) string {
	switch periodType {
	case PeriodDaily:
		return t.Format("2006-01-02")
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case PeriodMonthly:
		return t.Format("2006-01")
	default:
		return CumulativeKey
	}
}
