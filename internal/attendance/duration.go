package attendance

import (
	"fmt"
	"time"
)

const timeOfDayLayout = "15:04:05"

// Elapsed measures now minus the instant rebuilt from the calendar day of
// date and a stored time of day, both read in now's location.
//
// The day always comes from the ticket's registration date, so a ticket
// started after midnight of its registration day measures roughly 24h too
// long. Reports built on these strings depend on that arithmetic.
func Elapsed(date time.Time, timeOfDay string, now time.Time) (time.Duration, error) {
	tod, err := time.Parse(timeOfDayLayout, timeOfDay)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", timeOfDay, err)
	}
	from := time.Date(date.Year(), date.Month(), date.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, now.Location())
	return now.Sub(from), nil
}

// FormatDuration renders d as "<minutes>m <seconds>s" with both parts
// floored, so negative spans read like "-1m -2s".
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	minutes := floorDiv(ms, 60000)
	seconds := floorDiv(ms%60000, 1000)
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func formatTimeOfDay(t time.Time) string {
	return t.Format(timeOfDayLayout)
}
