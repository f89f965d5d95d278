package extract

import (
	"regexp"
	"strings"
)

var (
	semesterRe     = regexp.MustCompile(`(?i)\b(\d+(?:ST|ND|RD|TH))\s+SEM(?:ESTER)?\b`)
	// Dates like 2024-09-02 are not academic years.
	academicYearRe = regexp.MustCompile(`(?:^|[^\d-])(\d{4}-(?:\d{4}|\d{2}))(?:$|[^\d-])`)
)

// TextMetadata is what can be read off the printed header of a timetable.
type TextMetadata struct {
	Semester     string
	AcademicYear string
}

// ExtractMetadata scans raw text for a semester ("7TH SEMESTER") and an
// academic year ("2024-25"). Missing values are left empty.
func ExtractMetadata(raw string) TextMetadata {
	var md TextMetadata
	if m := semesterRe.FindStringSubmatch(raw); m != nil {
		md.Semester = strings.ToUpper(m[1])
	}
	if m := academicYearRe.FindStringSubmatch(raw); m != nil {
		md.AcademicYear = m[1]
	}
	return md
}
