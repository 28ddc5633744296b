package stats

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxRangeDays bounds any parsed range, about a century.
const MaxRangeDays = 36500

// Range is a resolved half-open day interval [Start, End) with the
// normalized descriptor it came from.
type Range struct {
	Start      Day    `json:"start"`
	End        Day    `json:"end"`
	Descriptor string `json:"descriptor"`
}

// Days is the number of days covered.
func (r Range) Days() int {
	return DaysBetween(r.Start, r.End)
}

// ExplicitRange builds a range from a half-open interval.
func ExplicitRange(start, end Day) Range {
	return Range{Start: start, End: end, Descriptor: start.String() + ":" + end.AddDays(-1).String()}
}

// ParseRange resolves a descriptor relative to today. Presets are "N days",
// "N weeks" (7-day units), "N months" (30-day units) and "N years" (365-day
// units) ending before today. A custom range "YYYY-MM-DD:YYYY-MM-DD" includes
// both dates. Ranges longer than MaxRangeDays are rejected.
func ParseRange(desc string, today Day) (Range, error) {
	s := strings.ToLower(strings.Join(strings.Fields(desc), " "))
	if s == "" {
		return Range{}, fmt.Errorf("empty range: %w", ErrInvalidRange)
	}

	if from, to, ok := strings.Cut(s, ":"); ok {
		start, err := ParseDay(strings.TrimSpace(from))
		if err != nil {
			return Range{}, err
		}
		last, err := ParseDay(strings.TrimSpace(to))
		if err != nil {
			return Range{}, err
		}
		if last < start {
			return Range{}, fmt.Errorf("range %q ends before it starts: %w", desc, ErrInvalidRange)
		}
		if DaysBetween(start, last) >= MaxRangeDays {
			return Range{}, fmt.Errorf("range %q is longer than %d days: %w", desc, MaxRangeDays, ErrInvalidRange)
		}
		return ExplicitRange(start, last.AddDays(1)), nil
	}

	n, unit, err := splitPreset(s)
	if err != nil {
		return Range{}, fmt.Errorf("range %q: %w", desc, err)
	}
	var per int
	switch unit {
	case "day", "days":
		per = 1
	case "week", "weeks":
		per = int(StepWeek)
	case "month", "months":
		per = int(StepMonth)
	case "year", "years":
		per = 365
	default:
		return Range{}, fmt.Errorf("range unit %q: %w", unit, ErrInvalidRange)
	}
	// Compared before multiplying so huge N cannot overflow.
	if n > MaxRangeDays/per {
		return Range{}, fmt.Errorf("range %q is longer than %d days: %w", desc, MaxRangeDays, ErrInvalidRange)
	}
	days := n * per
	return Range{
		Start:      today.AddDays(-days),
		End:        today,
		Descriptor: fmt.Sprintf("%d days", days),
	}, nil
}

func splitPreset(s string) (int, string, error) {
	num, unit, ok := strings.Cut(s, " ")
	if !ok {
		// "30days"
		i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
		if i <= 0 {
			return 0, "", ErrInvalidRange
		}
		num, unit = s[:i], s[i:]
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, "", ErrInvalidRange
	}
	return n, strings.TrimSpace(unit), nil
}
