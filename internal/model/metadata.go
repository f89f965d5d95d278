package model

import (
	"fmt"
	"time"
)

// AcademicYear returns the academic year containing t, e.g. "2024-2025".
// Academic years start in August.
func AcademicYear(t time.Time) string {
	y := t.Year()
	if t.Month() >= time.August {
		return fmt.Sprintf("%d-%d", y, y+1)
	}
	return fmt.Sprintf("%d-%d", y-1, y)
}

// Semester returns the term name for t: Fall (Aug-Dec), Spring (Jan-May),
// Summer otherwise.
func Semester(t time.Time) string {
	switch m := t.Month(); {
	case m >= time.August:
		return "Fall"
	case m <= time.May:
		return "Spring"
	default:
		return "Summer"
	}
}

// DefaultMetadata fills the calendar-derived metadata for an upload at now.
func DefaultMetadata(now time.Time, source string) Metadata {
	return Metadata{
		Semester:     Semester(now),
		AcademicYear: AcademicYear(now),
		LastUpdated:  now,
		Source:       source,
	}
}
