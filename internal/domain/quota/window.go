package quota

import (
	"time"

	"github.com/meridian/backend/internal/domain/shared"
)

// Granularity is the length of a quota window
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityMonth  Granularity = "month"
)

// String returns the string representation of Granularity
func (g Granularity) String() string {
	return string(g)
}

// IsValid returns true if the granularity is valid
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityMinute, GranularityHour, GranularityDay, GranularityMonth:
		return true
	}
	return false
}

// Duration returns the window length. Months use calendar arithmetic and must
// go through FixedWindow instead.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	case GranularityDay:
		return 24 * time.Hour
	case GranularityMonth:
		// approximation for sliding windows; fixed windows are calendar-aligned
		return 30 * 24 * time.Hour
	}
	return 0
}

// WindowType distinguishes calendar-aligned windows from trailing windows
type WindowType string

const (
	// WindowFixed windows are calendar-aligned in UTC. A new window is a new
	// counter row; history is preserved.
	WindowFixed WindowType = "fixed"

	// WindowSliding windows trail the current instant by one granularity.
	WindowSliding WindowType = "sliding"
)

// IsValid returns true if the window type is valid
func (w WindowType) IsValid() bool {
	return w == WindowFixed || w == WindowSliding
}

// FixedWindow computes the calendar-aligned UTC window containing now.
// Boundaries are a deterministic function of wall-clock time and granularity.
func FixedWindow(now time.Time, g Granularity) (start, end time.Time, err error) {
	t := now.UTC()
	switch g {
	case GranularityMinute:
		start = t.Truncate(time.Minute)
		end = start.Add(time.Minute)
	case GranularityHour:
		start = t.Truncate(time.Hour)
		end = start.Add(time.Hour)
	case GranularityDay:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case GranularityMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}, shared.NewDomainError("INVALID_GRANULARITY", "Invalid quota granularity")
	}
	return start, end, nil
}

// SlidingWindow computes the trailing window ending at now
func SlidingWindow(now time.Time, g Granularity) (start, end time.Time) {
	end = now.UTC()
	start = end.Add(-g.Duration())
	return start, end
}
