package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// TBD marks a field the source timetable did not provide.
const TBD = "TBD"

// Weekday is a day of the teaching week. Its ordinal runs Monday=0 .. Sunday=6,
// which is the order sessions are sorted in.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// dayAliases covers the abbreviations seen in OCR/LLM output. "S" and "T"
// are left out: each names two days.
var dayAliases = map[string]Weekday{
	"mon": Monday, "monday": Monday, "m": Monday,
	"tue": Tuesday, "tues": Tuesday, "tuesday": Tuesday, "tu": Tuesday,
	"wed": Wednesday, "wednesday": Wednesday, "w": Wednesday,
	"thu": Thursday, "thur": Thursday, "thurs": Thursday, "thursday": Thursday, "th": Thursday,
	"fri": Friday, "friday": Friday, "f": Friday,
	"sat": Saturday, "saturday": Saturday, "sa": Saturday,
	"sun": Sunday, "sunday": Sunday, "su": Sunday,
}

// ParseWeekday standardizes a day name ("mon", "Thurs", "MONDAY", ...).
func ParseWeekday(s string) (Weekday, bool) {
	d, ok := dayAliases[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

func (d Weekday) Valid() bool {
	return d >= Monday && d <= Sunday
}

func (d Weekday) String() string {
	if !d.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(d))
	}
	return weekdayNames[d]
}

// Calendar converts to the Sunday=0 .. Saturday=6 convention of time.Weekday.
func (d Weekday) Calendar() time.Weekday {
	return time.Weekday((int(d) + 1) % 7)
}

// FromCalendar is the inverse of Calendar.
func FromCalendar(w time.Weekday) Weekday {
	return Weekday((int(w) + 6) % 7)
}

func (d Weekday) MarshalJSON() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("model: invalid weekday %d", int(d))
	}
	return json.Marshal(d.String())
}

func (d *Weekday) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	w, ok := ParseWeekday(s)
	if !ok {
		return fmt.Errorf("model: unknown weekday %q", s)
	}
	*d = w
	return nil
}

// SessionKind is the teaching format of a session.
type SessionKind string

const (
	KindLecture   SessionKind = "Lecture"
	KindLab       SessionKind = "Lab"
	KindTutorial  SessionKind = "Tutorial"
	KindSeminar   SessionKind = "Seminar"
	KindProject   SessionKind = "Project"
	KindSelfStudy SessionKind = "Self Study"
	KindLibrary   SessionKind = "Library"
)

// kindWords maps words of free-form type text onto a SessionKind. Whole
// words only: "Syllabus" is not a lab.
var kindWords = map[string]SessionKind{
	"lab": KindLab, "labs": KindLab, "laboratory": KindLab, "practical": KindLab, "practicals": KindLab,
	"tutorial": KindTutorial, "tutorials": KindTutorial, "tut": KindTutorial,
	"seminar": KindSeminar, "seminars": KindSeminar,
	"project": KindProject, "projects": KindProject,
	"self": KindSelfStudy, "selfstudy": KindSelfStudy,
	"library": KindLibrary,
}

// kindOrder breaks ties when the text names more than one kind.
var kindOrder = []SessionKind{KindLab, KindTutorial, KindSeminar, KindProject, KindSelfStudy, KindLibrary}

// ParseSessionKind maps free-form type text onto a SessionKind. Empty or
// unrecognized text is treated as a lecture.
func ParseSessionKind(s string) SessionKind {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	found := make(map[SessionKind]bool, len(words))
	for _, w := range words {
		if k, ok := kindWords[w]; ok {
			found[k] = true
		}
	}
	for _, k := range kindOrder {
		if found[k] {
			return k
		}
	}
	return KindLecture
}

// Session is one recurring weekly time block of a course.
type Session struct {
	Day       Weekday     `json:"day"`
	StartTime string      `json:"startTime"` // HH:MM, 24h
	EndTime   string      `json:"endTime"`   // HH:MM, 24h
	Location  string      `json:"location,omitempty"`
	Type      SessionKind `json:"type"`
}

// SessionKey identifies a session within a course for dedup purposes.
type SessionKey struct {
	Day       Weekday `json:"day"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
}

func (s Session) Key() SessionKey {
	return SessionKey{Day: s.Day, StartTime: s.StartTime, EndTime: s.EndTime}
}

// LocationOrTBD is the location to show to users.
func (s Session) LocationOrTBD() string {
	if s.Location == "" {
		return TBD
	}
	return s.Location
}

// Course is a subject with its weekly sessions.
type Course struct {
	Code       string    `json:"courseCode"`
	Name       string    `json:"courseName"`
	Instructor string    `json:"instructor"`
	Schedule   []Session `json:"schedule"`
}

// Key is the identity of the course: its upper-cased code.
func (c Course) Key() string {
	return strings.ToUpper(strings.TrimSpace(c.Code))
}

// Metadata describes where a timetable came from.
type Metadata struct {
	Semester     string    `json:"semester"`
	AcademicYear string    `json:"academicYear"`
	LastUpdated  time.Time `json:"lastUpdated"`
	Source       string    `json:"source"`
	Confidence   float64   `json:"confidence"`
}

// Timetable is the whole weekly schedule of one owner.
type Timetable struct {
	Courses  []Course `json:"courses"`
	Metadata Metadata `json:"metadata"`
}

// SessionCount returns the number of sessions across all courses.
func (t *Timetable) SessionCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, c := range t.Courses {
		n += len(c.Schedule)
	}
	return n
}

// FindCourse returns the course with the given code (case-insensitive).
func (t *Timetable) FindCourse(code string) (*Course, bool) {
	key := strings.ToUpper(strings.TrimSpace(code))
	for i := range t.Courses {
		if t.Courses[i].Key() == key {
			return &t.Courses[i], true
		}
	}
	return nil, false
}

// ReminderSpec is one projected reminder. It is recomputed on every
// (re)schedule and never treated as the source of truth.
type ReminderSpec struct {
	CourseCode  string    `json:"courseCode"`
	CourseName  string    `json:"courseName"`
	Session     Session   `json:"session"`
	LeadMinutes int       `json:"leadMinutes"`
	ClassStart  time.Time `json:"classStart"`
	FireAt      time.Time `json:"fireAt"`
}

// Occurrence represents a single concrete class instance after weekly
// expansion.
type Occurrence struct {
	CourseCode string      `json:"courseCode"`
	CourseName string      `json:"courseName"`
	Location   string      `json:"location"`
	Type       SessionKind `json:"type"`

	// InstanceKey uniquely identifies one occurrence, derived from the
	// course code and local start time.
	InstanceKey string `json:"instanceKey"`

	// Start / End are in the configured display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
