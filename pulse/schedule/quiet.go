package schedule

import "time"

// InQuietHours reports whether atMs falls inside q.
// The window is [StartHour, EndHour) in UTC hours, wraps past midnight when
// StartHour > EndHour, and is empty when the two are equal.
func InQuietHours(q *QuietHours, atMs int64) bool {
	if q == nil || q.StartHour == q.EndHour {
		return false
	}
	hour := time.UnixMilli(atMs).UTC().Hour()
	if q.StartHour < q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}

// utcDayBounds returns [start, end) of the UTC day containing atMs.
func utcDayBounds(atMs int64) (int64, int64) {
	t := time.UnixMilli(atMs).UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start.UnixMilli(), start.AddDate(0, 0, 1).UnixMilli()
}
