package quota

import "time"

// dailyWindow bounds the UTC day containing now.
func dailyWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// monthlyWindow bounds the billing month containing now. Windows roll over on
// the calendar date matching anchorDay (the next-billing-date's day of month)
// so usage resets align with billing, not the calendar. Anchor days past a
// month's end clamp to its last day.
func monthlyWindow(now time.Time, anchorDay int) (time.Time, time.Time) {
	if anchorDay < 1 {
		anchorDay = 1
	}
	now = now.UTC()

	start := anchoredDate(now.Year(), now.Month(), anchorDay)
	if start.After(now) {
		prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		start = anchoredDate(prev.Year(), prev.Month(), anchorDay)
	}
	next := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	end := anchoredDate(next.Year(), next.Month(), anchorDay)
	return start, end
}

// anchoredDate is midnight UTC on day of the given month, clamped to the
// month's last day.
func anchoredDate(year int, month time.Month, day int) time.Time {
	last := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
