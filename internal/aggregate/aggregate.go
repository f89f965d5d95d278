// Package aggregate merges parsed entries into one course record per code.
package aggregate

import (
	"sort"
	"strings"

	"classcal/internal/clock"
	"classcal/internal/extract"
	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// Aggregate groups entries by upper-cased code.
//
// The first entry of a code fixes name and instructor; later entries only
// fill fields that are still empty or TBD. Sessions are deduplicated by
// (day, start, end), keeping the first, and sorted. Courses come back
// ordered by code.
func Aggregate(entries []extract.Entry) []model.Course {
	index := make(map[string]int)
	var courses []model.Course
	seen := make(map[string]map[model.SessionKey]struct{})
	dupes := 0

	for _, e := range entries {
		key := strings.ToUpper(strings.TrimSpace(e.Code))
		if key == "" {
			continue
		}

		i, ok := index[key]
		if !ok {
			i = len(courses)
			index[key] = i
			courses = append(courses, model.Course{
				Code:       key,
				Name:       e.Name,
				Instructor: orTBD(e.Instructor),
			})
			seen[key] = make(map[model.SessionKey]struct{})
		}

		c := &courses[i]
		if isUnknown(c.Instructor) && !isUnknown(e.Instructor) {
			c.Instructor = e.Instructor
		}
		if isUnknown(c.Name) && !isUnknown(e.Name) {
			c.Name = e.Name
		}

		sk := e.Session.Key()
		if _, dup := seen[key][sk]; dup {
			dupes++
			continue
		}
		seen[key][sk] = struct{}{}
		c.Schedule = append(c.Schedule, e.Session)
	}

	for i := range courses {
		if courses[i].Name == "" {
			courses[i].Name = courses[i].Code
		}
		SortSessions(courses[i].Schedule)
	}
	sort.SliceStable(courses, func(a, b int) bool {
		return courses[a].Code < courses[b].Code
	})

	if dupes > 0 {
		appLog.Debug("aggregate: duplicate sessions dropped", "count", dupes)
	}
	return courses
}

// SortSessions orders sessions by weekday (Monday first), then start and end
// minute of day.
func SortSessions(sessions []model.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return lessSession(sessions[i], sessions[j])
	})
}

func lessSession(a, b model.Session) bool {
	if a.Day != b.Day {
		return a.Day < b.Day
	}
	as, bs := minutes(a.StartTime), minutes(b.StartTime)
	if as != bs {
		return as < bs
	}
	return minutes(a.EndTime) < minutes(b.EndTime)
}

func minutes(hhmm string) int {
	m, ok := clock.Minutes(hhmm)
	if !ok {
		return -1
	}
	return m
}

// Confidence is the share of known fields across all courses and sessions,
// in [0, 1]. Empty input scores 0.
func Confidence(courses []model.Course) float64 {
	total, filled := 0, 0
	count := func(v string) {
		total++
		if !isUnknown(v) {
			filled++
		}
	}

	for _, c := range courses {
		count(c.Code)
		count(c.Name)
		count(c.Instructor)
		for _, s := range c.Schedule {
			day := ""
			if s.Day.Valid() {
				day = s.Day.String()
			}
			count(day)
			count(s.StartTime)
			count(s.EndTime)
			count(s.Location)
		}
	}
	if total == 0 {
		return 0
	}
	return float64(filled) / float64(total)
}

func isUnknown(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, model.TBD)
}

func orTBD(v string) string {
	if isUnknown(v) {
		return model.TBD
	}
	return v
}
