package stats

import (
	"fmt"
	"time"
)

// Day is a UTC-midnight timestamp in epoch milliseconds.
type Day int64

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) Day {
	t = t.UTC()
	return Day(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli())
}

// ParseDay accepts "2006-01-02" or the compact "20060102" form.
func ParseDay(s string) (Day, error) {
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return DayOf(t), nil
		}
	}
	return 0, fmt.Errorf("parsing day %q: %w", s, ErrInvalidRange)
}

// Time returns the day as a UTC time.
func (d Day) Time() time.Time {
	return time.UnixMilli(int64(d)).UTC()
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string {
	return d.Time().Format("2006-01-02")
}

// Compact formats the day as YYYYMMDD, the form used in upstream URLs.
func (d Day) Compact() string {
	return d.Time().Format("20060102")
}

// AddDays moves the day by n fixed 24h steps.
func (d Day) AddDays(n int) Day {
	return d + Day(int64(n)*dayMillis)
}

// DaysBetween returns the number of whole days in [a, b).
func DaysBetween(a, b Day) int {
	return int((int64(b) - int64(a)) / dayMillis)
}
