// Package ics converts timetables to and from iCalendar: import of class
// events as raw timetable entries, export as weekly recurring VEVENTs, and
// expansion of sessions into dated occurrences.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"classcal/internal/clock"
	"classcal/internal/extract"
	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// ParsedEvent is the subset of a VEVENT a timetable import needs.
type ParsedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	IsOverride bool // RECURRENCE-ID present: a single moved instance
}

// ParseEvents decodes every VEVENT of body. Events that cannot be read are
// logged and skipped. Floating times, and times in a TZID this host does not
// know, are read in loc.
func ParseEvents(body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if loc == nil {
		loc = time.Local
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ICS: %w", err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = strings.TrimSpace(unescapeText(p.Value))
	}
	if out.Summary == "" {
		return out, fmt.Errorf("event %q has no SUMMARY", out.UID)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}

	start, err := propertyTime(ve, ical.ComponentPropertyDtStart, loc)
	if err != nil {
		return out, fmt.Errorf("event %q: DTSTART: %w", out.UID, err)
	}
	end, err := propertyTime(ve, ical.ComponentPropertyDtEnd, loc)
	if err != nil {
		return out, fmt.Errorf("event %q: DTEND: %w", out.UID, err)
	}
	out.Start, out.End = start, end

	// VALUE=DATE or a value without a time part means all-day.
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(p.Value, "T") {
			out.AllDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}
	if ve.GetProperty("RECURRENCE-ID") != nil {
		out.IsOverride = true
	}
	return out, nil
}

var icsTimeLayouts = []string{"20060102T150405Z", "20060102T150405", "20060102"}

// propertyTime reads a DATE or DATE-TIME property. The result stays in the
// zone the value was written in (UTC, its TZID, or loc when floating), since
// BYDAY is relative to that zone.
func propertyTime(ve *ical.VEvent, prop ical.ComponentProperty, loc *time.Location) (time.Time, error) {
	p := ve.GetProperty(prop)
	if p == nil {
		return time.Time{}, fmt.Errorf("missing %s", prop)
	}
	val := strings.TrimSpace(p.Value)

	zone := loc
	for k, v := range p.ICalParameters {
		if strings.EqualFold(k, "TZID") && len(v) > 0 {
			tzid := strings.Trim(v[0], `"`)
			if tz, err := time.LoadLocation(tzid); err == nil {
				zone = tz
			} else {
				appLog.Debug("ics unknown TZID, reading in import zone", "tzid", tzid)
			}
		}
	}

	for _, layout := range icsTimeLayouts {
		t, err := time.Parse(layout, val)
		if err != nil {
			continue
		}
		if strings.HasSuffix(layout, "Z") {
			return t, nil
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, zone), nil
	}
	return time.Time{}, fmt.Errorf("unreadable time %q", val)
}

// ImportResult reports how an ICS payload mapped onto raw entries.
type ImportResult struct {
	Entries []extract.RawEntry
	Skipped int
}

// ParseICS turns class events into raw timetable entries, one per weekday
// an event occurs on, with times read in loc. All-day events, moved single
// instances and rules that are not weekly are skipped.
//
// Times are written with an explicit AM/PM so the afternoon heuristic of the
// time normalizer leaves morning classes alone.
func ParseICS(body []byte, loc *time.Location) (ImportResult, error) {
	if loc == nil {
		loc = time.Local
	}
	events, err := ParseEvents(body, loc)
	if err != nil {
		return ImportResult{}, err
	}

	var res ImportResult
	for _, ev := range events {
		days, ok := eventWeekdays(ev, loc)
		if !ok {
			res.Skipped++
			continue
		}

		start, end := ev.Start.In(loc), ev.End.In(loc)
		startText, _ := clock.Meridian(clock.Format(start.Hour(), start.Minute()))
		endText, _ := clock.Meridian(clock.Format(end.Hour(), end.Minute()))
		fields := descriptionFields(ev.Description)

		for _, day := range days {
			res.Entries = append(res.Entries, extract.RawEntry{
				Day:        extract.T(day.String()),
				Subject:    extract.T(ev.Summary),
				Time:       extract.T(startText + " - " + endText),
				Location:   extract.T(ev.Location),
				Instructor: extract.T(fields["instructor"]),
				Type:       extract.T(fields["type"]),
			})
		}
	}

	appLog.Info("ics import parsed", "events", len(events), "entries", len(res.Entries), "skipped", res.Skipped)
	return res, nil
}

// eventWeekdays returns the weekdays (in loc) an event recurs on.
func eventWeekdays(ev ParsedEvent, loc *time.Location) ([]model.Weekday, bool) {
	if ev.AllDay || ev.IsOverride || !ev.End.After(ev.Start) {
		return nil, false
	}
	own := model.FromCalendar(ev.Start.In(loc).Weekday())
	if ev.RawRRule == "" {
		return []model.Weekday{own}, true
	}

	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		appLog.Warn("ics rrule unreadable", "uid", ev.UID, "rrule", ev.RawRRule, "reason", err.Error())
		return nil, false
	}
	if opt.Freq != rrule.WEEKLY || opt.Interval > 1 {
		return nil, false
	}
	if len(opt.Byweekday) == 0 {
		return []model.Weekday{own}, true
	}

	// BYDAY is relative to DTSTART's zone; shift by the day offset between
	// that zone and loc.
	shift := int(own) - int(model.FromCalendar(ev.Start.Weekday()))
	days := make([]model.Weekday, 0, len(opt.Byweekday))
	for _, wd := range opt.Byweekday {
		days = append(days, model.Weekday((wd.Day()+shift+7)%7))
	}
	return days, true
}

// descriptionFields reads "Key: value" lines, keys lower-cased. Newlines
// that are still escaped count as line breaks.
func descriptionFields(desc string) map[string]string {
	out := make(map[string]string)
	desc = strings.NewReplacer(`\n`, "\n", `\N`, "\n").Replace(desc)
	for _, line := range strings.Split(desc, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
