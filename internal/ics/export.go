package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"classcal/internal/model"
	"classcal/internal/reminder"
)

const productID = "-//classcal//timetable//EN"

var byDay = [...]string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

// Export renders the timetable as a VCALENDAR with one weekly recurring
// VEVENT per session, starting at each session's next occurrence after now.
// Times carry loc as TZID, so clients keep the wall-clock time across DST
// changes. A zone without an IANA name (fixed offsets, Local) is written in
// UTC instead.
func Export(tt *model.Timetable, loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.Local
	}
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName("Class timetable")
	cal.SetXWRTimezone(loc.String())

	if tt == nil {
		return cal.Serialize()
	}

	tzid := exportTZID(loc, now)
	localNow := now.In(loc)
	for _, c := range tt.Courses {
		for _, s := range c.Schedule {
			start, ok := reminder.NextStart(s, localNow)
			if !ok {
				continue
			}
			endMin, ok := minutesOf(s.EndTime)
			if !ok {
				continue
			}
			end := time.Date(start.Year(), start.Month(), start.Day(), endMin/60, endMin%60, 0, 0, loc)

			ev := cal.AddEvent(eventUID(c, s))
			ev.SetDtStampTime(now.UTC())
			if tzid != "" {
				param := &ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{tzid}}
				ev.SetProperty(ical.ComponentPropertyDtStart, start.Format(localLayout), param)
				ev.SetProperty(ical.ComponentPropertyDtEnd, end.Format(localLayout), param)
			} else {
				ev.SetStartAt(start)
				ev.SetEndAt(end)
			}
			ev.SetSummary(summary(c))
			if s.Location != "" {
				ev.SetLocation(s.Location)
			}
			ev.SetDescription(description(c, s))
			// BYDAY is read in DTSTART's zone.
			ruleDay := start.UTC().Weekday()
			if tzid != "" {
				ruleDay = start.Weekday()
			}
			ev.AddRrule("FREQ=WEEKLY;BYDAY=" + byDay[model.FromCalendar(ruleDay)])
		}
	}
	return cal.Serialize()
}

const localLayout = "20060102T150405"

// exportTZID returns the IANA name of loc when a client can resolve it to
// the same zone, or "".
func exportTZID(loc *time.Location, now time.Time) string {
	name := loc.String()
	if name == "" || name == "Local" || name == "UTC" {
		return ""
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return ""
	}
	_, want := now.In(loc).Zone()
	_, got := now.In(tz).Zone()
	if want != got {
		return ""
	}
	return name
}

// eventUID is stable across exports of the same session.
func eventUID(c model.Course, s model.Session) string {
	return fmt.Sprintf("%s-%s-%s-%s@classcal",
		strings.ToLower(c.Key()),
		strings.ToLower(s.Day.String()[:3]),
		strings.ReplaceAll(s.StartTime, ":", ""),
		strings.ReplaceAll(s.EndTime, ":", ""),
	)
}

// summary is written so that an import reads the code back.
func summary(c model.Course) string {
	if c.Name == "" || strings.EqualFold(c.Name, c.Code) {
		return c.Code
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.Code)
}

func description(c model.Course, s model.Session) string {
	lines := []string{"Course: " + c.Code}
	if c.Instructor != "" && c.Instructor != model.TBD {
		lines = append(lines, "Instructor: "+c.Instructor)
	}
	if s.Type != "" {
		lines = append(lines, "Type: "+string(s.Type))
	}
	// Joined with an escaped newline, as TEXT values carry it on the wire.
	return strings.Join(lines, `\n`)
}
