package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"classcal/internal/clock"
	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// defaultMaxOccurrences caps one session's expansion.
const defaultMaxOccurrences = 500

var rruleDays = [...]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// ExpandConfig controls weekly expansion.
type ExpandConfig struct {
	// Location is the zone session times are read in. Nil means time.Local.
	Location *time.Location

	// RangeStart / RangeEnd bound occurrence start times, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrences caps occurrences per session; zero means the default.
	MaxOccurrences int
}

// ExpandWeekly expands every session of tt into dated occurrences within the
// configured range, ordered by start time.
func ExpandWeekly(tt *model.Timetable, cfg ExpandConfig) ([]model.Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}
	if tt == nil {
		return nil, nil
	}

	out := make([]model.Occurrence, 0)
	for _, c := range tt.Courses {
		for _, s := range c.Schedule {
			occ, err := expandSession(c, s, cfg)
			if err != nil {
				appLog.Warn("expand: session skipped", "course", c.Code, "day", s.Day.String(), "start", s.StartTime, "reason", err.Error())
				continue
			}
			out = append(out, occ...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].CourseCode < out[j].CourseCode
	})
	return out, nil
}

func expandSession(c model.Course, s model.Session, cfg ExpandConfig) ([]model.Occurrence, error) {
	if !s.Day.Valid() {
		return nil, errors.New("invalid weekday")
	}
	startMin, ok := minutesOf(s.StartTime)
	if !ok {
		return nil, errors.New("invalid start time")
	}
	endMin, ok := minutesOf(s.EndTime)
	if !ok || endMin <= startMin {
		return nil, errors.New("invalid end time")
	}
	duration := time.Duration(endMin-startMin) * time.Minute

	// Anchor on the range's first local day at the session's wall time; the
	// rule takes hour and minute from DTSTART.
	from := cfg.RangeStart.In(cfg.Location)
	anchor := time.Date(from.Year(), from.Month(), from.Day(), startMin/60, startMin%60, 0, 0, cfg.Location)

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   anchor,
		Byweekday: []rrule.Weekday{rruleDays[s.Day]},
		Until:     cfg.RangeEnd,
	})
	if err != nil {
		return nil, err
	}

	times := r.Between(cfg.RangeStart, cfg.RangeEnd, true)
	if len(times) > cfg.MaxOccurrences {
		times = times[:cfg.MaxOccurrences]
	}

	out := make([]model.Occurrence, 0, len(times))
	for _, start := range times {
		start = start.In(cfg.Location)
		out = append(out, model.Occurrence{
			CourseCode:  c.Code,
			CourseName:  c.Name,
			Location:    s.LocationOrTBD(),
			Type:        s.Type,
			InstanceKey: c.Key() + "@" + start.Format(time.RFC3339),
			Start:       start,
			End:         start.Add(duration),
		})
	}
	return out, nil
}

func minutesOf(hhmm string) (int, bool) {
	return clock.Minutes(hhmm)
}
