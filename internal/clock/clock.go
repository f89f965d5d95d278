// Package clock normalizes the loosely formatted times found in photographed
// timetables into canonical 24-hour "HH:MM" strings.
//
// Printed timetables usually omit AM/PM for afternoon slots ("01:15" meaning
// 13:15), so a bare hour between 1 and 8 is read as PM. This is a lossy
// heuristic: a genuine 7 AM class without a meridian becomes 19:00 and is
// then clamped to 17:00. Campus hours in the observed data never start
// before 9 AM, so the rule is kept as is.
package clock

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	appLog "classcal/internal/log"
)

const (
	// Default is returned for input that cannot be read as a time.
	Default = "09:00"

	earliestHour = 8
	latestHour   = 18
	clampLow     = "09:00"
	clampHigh    = "17:00"
)

var (
	// "2:30", "02:30 pm", "2:30PM"
	hourMinuteRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*([AaPp]\.?[Mm]\.?)?$`)
	// "2 PM", "11am"
	hourOnlyRe = regexp.MustCompile(`^(\d{1,2})\s*([AaPp]\.?[Mm]\.?)$`)
)

// Normalize converts raw into 24-hour "HH:MM".
//
//   - With AM/PM the meridian is honored (12 AM is midnight).
//   - Without a meridian, hours 1-8 are shifted to the afternoon.
//   - Results before 08:00 become 09:00, after 18:59 become 17:00.
//   - Malformed input yields Default and a warning.
func Normalize(raw string) string {
	hour, minute, err := parse(raw)
	if err != nil {
		appLog.Warn("time normalize: unparseable time, using default", "raw", raw, "default", Default, "reason", err.Error())
		return Default
	}

	switch {
	case hour < earliestHour:
		return clampLow
	case hour > latestHour:
		return clampHigh
	}
	return Format(hour, minute)
}

// parse reads raw into hour/minute with the meridian and afternoon rules
// applied, before clamping.
func parse(raw string) (int, int, error) {
	s := strings.TrimSpace(raw)

	var hourText, minuteText, meridian string
	if m := hourMinuteRe.FindStringSubmatch(s); m != nil {
		hourText, minuteText, meridian = m[1], m[2], m[3]
	} else if m := hourOnlyRe.FindStringSubmatch(s); m != nil {
		hourText, minuteText, meridian = m[1], "00", m[2]
	} else {
		return 0, 0, fmt.Errorf("no time pattern in %q", raw)
	}

	hour, _ := strconv.Atoi(hourText)
	minute, _ := strconv.Atoi(minuteText)
	if minute > 59 {
		return 0, 0, fmt.Errorf("minute %d out of range", minute)
	}

	meridian = strings.ToUpper(strings.ReplaceAll(meridian, ".", ""))
	switch meridian {
	case "AM", "PM":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("hour %d invalid with %s", hour, meridian)
		}
		if meridian == "PM" && hour != 12 {
			hour += 12
		}
		if meridian == "AM" && hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return 0, 0, fmt.Errorf("hour %d out of range", hour)
		}
		if hour >= 1 && hour <= 8 {
			hour += 12
		}
	}
	return hour, minute, nil
}

// Format renders hour and minute as "HH:MM".
func Format(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// Minutes returns the minute of day of a canonical "HH:MM" string.
func Minutes(hhmm string) (int, bool) {
	hour, minute, ok := Split(hhmm)
	if !ok {
		return 0, false
	}
	return hour*60 + minute, true
}

// Split parses a canonical "HH:MM" string without applying any heuristic.
func Split(hhmm string) (hour, minute int, ok bool) {
	h, m, found := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !found || len(m) != 2 || len(h) == 0 || len(h) > 2 {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// Meridian renders a canonical "HH:MM" as "h:MM AM/PM". Feeding the result
// back into Normalize preserves morning hours that the bare-hour rule would
// otherwise move to the afternoon.
func Meridian(hhmm string) (string, bool) {
	hour, minute, ok := Split(hhmm)
	if !ok {
		return "", false
	}
	suffix := "AM"
	if hour >= 12 {
		suffix = "PM"
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, minute, suffix), true
}
