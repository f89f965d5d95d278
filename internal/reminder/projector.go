// Package reminder projects weekly sessions onto concrete reminder instants
// and hands them to a notification dispatcher.
package reminder

import (
	"sort"
	"time"

	"classcal/internal/clock"
	"classcal/internal/model"
)

// NextStart returns the next start of a weekly session strictly after now,
// in now's location. The candidate is the first date on or after today with
// the session weekday; a candidate at or before now moves exactly one week.
func NextStart(session model.Session, now time.Time) (time.Time, bool) {
	if !session.Day.Valid() {
		return time.Time{}, false
	}
	hour, minute, ok := clock.Split(session.StartTime)
	if !ok {
		return time.Time{}, false
	}

	ahead := (int(session.Day.Calendar()) - int(now.Weekday()) + 7) % 7
	y, m, d := now.Date()
	start := time.Date(y, m, d+ahead, hour, minute, 0, 0, now.Location())
	if !start.After(now) {
		start = time.Date(y, m, d+ahead+7, hour, minute, 0, 0, now.Location())
	}
	return start, true
}

// Leads returns a sorted copy of leads with negatives and duplicates
// removed.
func Leads(leads []int) []int {
	out := make([]int, 0, len(leads))
	for _, l := range leads {
		if l >= 0 {
			out = append(out, l)
		}
	}
	sort.Ints(out)

	uniq := out[:0]
	for i, l := range out {
		if i == 0 || l != out[i-1] {
			uniq = append(uniq, l)
		}
	}
	return uniq
}

// Project computes the reminders of one session for its next occurrence.
// Only instants strictly after now are returned, in ascending lead order; a
// lead that already passed is dropped rather than moved to next week.
//
// Project reads no clock and keeps no state: identical arguments always
// yield identical output.
func Project(course model.Course, session model.Session, leads []int, now time.Time) []model.ReminderSpec {
	start, ok := NextStart(session, now)
	if !ok {
		return nil
	}

	var specs []model.ReminderSpec
	for _, lead := range Leads(leads) {
		fireAt := start.Add(-time.Duration(lead) * time.Minute)
		if !fireAt.After(now) {
			continue
		}
		specs = append(specs, model.ReminderSpec{
			CourseCode:  course.Code,
			CourseName:  course.Name,
			Session:     session,
			LeadMinutes: lead,
			ClassStart:  start,
			FireAt:      fireAt,
		})
	}
	return specs
}
