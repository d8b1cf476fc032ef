package retrieval

import (
	"strconv"
	"strings"
	"time"

	"github.com/selfreflect/engine/internal/domain"
)

// TimeRange is a half-open [Start, End) UTC interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseTemporal translates a natural-language phrase into a half-open UTC
// interval (§4.11): "today", "yesterday", "last week", "past N days",
// "since <weekday>". now is injected so resolution is deterministic in
// tests and callers don't depend on wall-clock state inside this package.
func ParseTemporal(phrase string, now time.Time) (TimeRange, error) {
	now = now.UTC()
	p := strings.ToLower(strings.TrimSpace(phrase))

	switch p {
	case "today":
		start := startOfDay(now)
		return TimeRange{Start: start, End: start.AddDate(0, 0, 1)}, nil
	case "yesterday":
		start := startOfDay(now).AddDate(0, 0, -1)
		return TimeRange{Start: start, End: start.AddDate(0, 0, 1)}, nil
	case "last week":
		end := startOfDay(now).AddDate(0, 0, 1)
		start := end.AddDate(0, 0, -7)
		return TimeRange{Start: start, End: end}, nil
	}

	if strings.HasPrefix(p, "past ") && strings.HasSuffix(p, " days") {
		mid := strings.TrimSuffix(strings.TrimPrefix(p, "past "), " days")
		n, err := strconv.Atoi(strings.TrimSpace(mid))
		if err != nil || n <= 0 {
			return TimeRange{}, domain.Wrap("retrieval.ParseTemporal", phrase, domain.ErrBadRequest)
		}
		end := startOfDay(now).AddDate(0, 0, 1)
		start := startOfDay(now).AddDate(0, 0, -n)
		return TimeRange{Start: start, End: end}, nil
	}

	if strings.HasPrefix(p, "since ") {
		name := strings.TrimSpace(strings.TrimPrefix(p, "since "))
		wd, ok := weekdays[name]
		if !ok {
			return TimeRange{}, domain.Wrap("retrieval.ParseTemporal", phrase, domain.ErrBadRequest)
		}
		end := startOfDay(now).AddDate(0, 0, 1)
		start := startOfDay(now)
		for start.Weekday() != wd {
			start = start.AddDate(0, 0, -1)
		}
		return TimeRange{Start: start, End: end}, nil
	}

	return TimeRange{}, domain.Wrap("retrieval.ParseTemporal", phrase, domain.ErrBadRequest)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
