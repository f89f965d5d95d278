// Package extract turns raw vision/LLM output into validated timetable
// entries: time ranges normalized, subjects split into code and instructor,
// lunch and break slots excluded.
package extract

import (
	"regexp"
	"strings"

	"classcal/internal/clock"
	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// The campus lunch slot. Anything scheduled exactly here is dropped whatever
// its label says.
const (
	lunchStart = "11:20"
	lunchEnd   = "12:20"
)

// excludedWords mark non-class slots in subject or type text.
var excludedWords = []string{"lunch", "recess", "break"}

var timeRangeRe = regexp.MustCompile(
	`(\d{1,2}:\d{2}\s*(?:[AaPp]\.?[Mm]\.?)?)\s*(?:-|–|—|to)\s*(\d{1,2}:\d{2}\s*(?:[AaPp]\.?[Mm]\.?)?)`,
)

// DefaultCourseNames maps course codes seen on the original campus
// timetables to their full names.
var DefaultCourseNames = map[string]string{
	"STQA": "Software Testing and Quality Assurance",
	"BDA":  "Big Data Analytics",
	"CPS":  "Cyber Physical Systems",
	"INS":  "Information and Network Security",
	"CS":   "Cyber Security",
}

// Entry is one recognized class slot.
type Entry struct {
	Code       string
	Name       string
	Instructor string
	Session    model.Session
	// Rule is the subject rule that recognized the entry.
	Rule string
}

// Result is the outcome of parsing a batch of raw entries.
type Result struct {
	Entries []Entry
	// Discarded counts entries that matched no recognized day, time or
	// subject pattern.
	Discarded int
	// Excluded counts lunch and break slots dropped on purpose.
	Excluded int
}

// Parser converts RawEntry values into Entry values.
type Parser struct {
	names map[string]string
}

type Option func(*Parser)

// WithCourseNames adds or overrides code -> full name mappings.
func WithCourseNames(names map[string]string) Option {
	return func(p *Parser) {
		for code, name := range names {
			p.names[strings.ToUpper(strings.TrimSpace(code))] = name
		}
	}
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{names: make(map[string]string, len(DefaultCourseNames))}
	for code, name := range DefaultCourseNames {
		p.names[code] = name
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseText decodes model output and parses its entries.
func (p *Parser) ParseText(raw string) (Result, error) {
	payload, err := ExtractPayload(raw)
	if err != nil {
		return Result{}, err
	}
	res := p.Parse(payload.All())
	if payload.Malformed > 0 {
		appLog.Debug("malformed list items skipped", "count", payload.Malformed)
		res.Discarded += payload.Malformed
	}
	return res, nil
}

// Parse recognizes each raw entry. Unrecognized entries are counted, not
// reported as errors.
func (p *Parser) Parse(entries []RawEntry) Result {
	var res Result
	for i, raw := range entries {
		e, verdict := p.parseOne(raw)
		switch verdict {
		case verdictOK:
			res.Entries = append(res.Entries, e)
		case verdictExcluded:
			res.Excluded++
		default:
			res.Discarded++
			appLog.Debug("entry discarded", "index", i, "reason", string(verdict),
				"day", raw.Day.String(), "subject", raw.subject().String(), "time", raw.Time.String())
		}
	}

	appLog.Info("entries parsed",
		"input", len(entries),
		"accepted", len(res.Entries),
		"excluded", res.Excluded,
		"discarded", res.Discarded,
	)
	return res
}

type verdict string

const (
	verdictOK        verdict = "ok"
	verdictExcluded  verdict = "excluded"
	verdictBadShape  verdict = "invalid field shape"
	verdictNoDay     verdict = "unrecognized day"
	verdictNoTime    verdict = "unrecognized time range"
	verdictNoSubject verdict = "unrecognized subject"
	verdictEmptySpan verdict = "start not before end"
)

func (p *Parser) parseOne(raw RawEntry) (Entry, verdict) {
	subject := raw.subject()
	if raw.Day.Invalid || subject.Invalid || raw.Time.Invalid {
		return Entry{}, verdictBadShape
	}

	if IsBreak(subject.String()) || IsBreak(raw.Type.String()) {
		return Entry{}, verdictExcluded
	}

	start, end, ok := SplitTimeRange(raw.Time.String())
	if !ok {
		return Entry{}, verdictNoTime
	}
	if IsLunchSlot(start, end) {
		return Entry{}, verdictExcluded
	}
	startMin, _ := clock.Minutes(start)
	endMin, _ := clock.Minutes(end)
	if startMin >= endMin {
		return Entry{}, verdictEmptySpan
	}

	day, ok := model.ParseWeekday(raw.Day.String())
	if !ok {
		return Entry{}, verdictNoDay
	}

	sm, ok := MatchSubject(subject.String())
	if !ok {
		return Entry{}, verdictNoSubject
	}

	code := strings.ToUpper(sm.Code)
	instructor := sm.Instructor
	if instructor == "" {
		instructor = raw.Instructor.String()
	}
	if instructor == "" {
		instructor = model.TBD
	}
	location := raw.Location.String()
	if location == "" {
		location = sm.Location
	}
	kindText := raw.Type.String()
	if kindText == "" {
		kindText = subject.String()
	}

	return Entry{
		Code:       code,
		Name:       p.courseName(code, sm.Name),
		Instructor: instructor,
		Rule:       sm.Rule,
		Session: model.Session{
			Day:       day,
			StartTime: start,
			EndTime:   end,
			Location:  location,
			Type:      model.ParseSessionKind(kindText),
		},
	}, verdictOK
}

func (p *Parser) courseName(code, matched string) string {
	if matched != "" {
		return matched
	}
	if name, ok := p.names[code]; ok {
		return name
	}
	return code
}

// SplitTimeRange finds an "HH:MM-HH:MM" range (12-hour variants allowed) and
// normalizes both ends independently.
func SplitTimeRange(s string) (start, end string, ok bool) {
	m := timeRangeRe.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return clock.Normalize(m[1]), clock.Normalize(m[2]), true
}

// IsLunchSlot reports whether a normalized range is the fixed lunch slot.
func IsLunchSlot(start, end string) bool {
	return start == lunchStart && end == lunchEnd
}

// IsBreak reports whether text names a lunch, recess or break slot.
func IsBreak(text string) bool {
	t := strings.ToLower(text)
	for _, w := range excludedWords {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}
