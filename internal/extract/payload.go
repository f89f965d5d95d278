package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoPayload is returned when model output contains no JSON object at all.
var ErrNoPayload = errors.New("extract: no JSON object in model output")

// Text is an optional string field of model output. Models emit null,
// omit fields, or put numbers where strings belong; objects and arrays are
// recorded as an invalid shape instead of failing the whole document.
type Text struct {
	Value   string
	Present bool
	Invalid bool
}

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = Text{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			t.Invalid = true
			return nil
		}
		s = strings.TrimSpace(s)
		// Models frequently spell out absent values.
		switch strings.ToLower(s) {
		case "", "null", "none", "n/a":
			return nil
		}
		t.Value, t.Present = s, true
	case 't', 'f':
		t.Value, t.Present = string(b), true
	case '{', '[':
		t.Invalid = true
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err != nil {
			t.Invalid = true
			return nil
		}
		t.Value, t.Present = string(b), true
	}
	return nil
}

// String returns the value, or "" when absent or invalid.
func (t Text) String() string {
	if !t.Present || t.Invalid {
		return ""
	}
	return t.Value
}

// T builds a present Text; it keeps test fixtures and adapters short.
func T(s string) Text {
	return Text{Value: s, Present: s != ""}
}

// RawEntry is one class entry as emitted by the vision/LLM collaborator.
type RawEntry struct {
	Day        Text `json:"day"`
	Subject    Text `json:"subject"`
	Name       Text `json:"name"`
	Time       Text `json:"time"`
	Location   Text `json:"location"`
	Instructor Text `json:"instructor"`
	Type       Text `json:"type"`
}

// subject returns the subject text, falling back to the "name" key some
// prompts produce.
func (e RawEntry) subject() Text {
	if e.Subject.Present || e.Subject.Invalid {
		return e.Subject
	}
	return e.Name
}

// legacySession / legacyCourse describe the older {courses:[...]} schema.
type legacySession struct {
	Day       Text `json:"day"`
	StartTime Text `json:"startTime"`
	EndTime   Text `json:"endTime"`
	Location  Text `json:"location"`
	Type      Text `json:"type"`
}

type legacyCourse struct {
	CourseCode Text
	CourseName Text
	Instructor Text
	Schedule   []legacySession

	// malformed counts schedule items that were not objects.
	malformed int
}

func (c *legacyCourse) UnmarshalJSON(b []byte) error {
	var doc struct {
		CourseCode Text            `json:"courseCode"`
		CourseName Text            `json:"courseName"`
		Instructor Text            `json:"instructor"`
		Schedule   json.RawMessage `json:"schedule"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*c = legacyCourse{CourseCode: doc.CourseCode, CourseName: doc.CourseName, Instructor: doc.Instructor}
	c.Schedule, c.malformed = decodeList[legacySession](doc.Schedule)
	return nil
}

// Payload is the decoded model output.
type Payload struct {
	Entries []RawEntry
	Courses []legacyCourse
	// Malformed counts list items of either schema that could not be
	// decoded as an object. They are skipped one at a time.
	Malformed int
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var doc struct {
		Entries json.RawMessage `json:"entries"`
		Courses json.RawMessage `json:"courses"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*p = Payload{}
	var bad int
	p.Entries, bad = decodeList[RawEntry](doc.Entries)
	p.Malformed += bad
	p.Courses, bad = decodeList[legacyCourse](doc.Courses)
	p.Malformed += bad
	for _, c := range p.Courses {
		p.Malformed += c.malformed
	}
	return nil
}

// decodeList decodes a JSON array element by element. A lone object counts
// as a list of one. Elements that are not objects, or fail to decode, are
// counted and dropped.
func decodeList[T any](raw json.RawMessage) ([]T, int) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, 0
	}

	var elems []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, 1
		}
	case '{':
		elems = []json.RawMessage{raw}
	default:
		return nil, 1
	}

	out := make([]T, 0, len(elems))
	bad := 0
	for _, e := range elems {
		e = bytes.TrimSpace(e)
		var v T
		if len(e) == 0 || e[0] != '{' {
			bad++
			continue
		}
		if err := json.Unmarshal(e, &v); err != nil {
			bad++
			continue
		}
		out = append(out, v)
	}
	return out, bad
}

// All returns the entries of both schemas, legacy courses flattened into
// one entry per session.
func (p Payload) All() []RawEntry {
	out := make([]RawEntry, 0, len(p.Entries))
	out = append(out, p.Entries...)
	for _, c := range p.Courses {
		subject := c.CourseCode
		if !subject.Present {
			subject = c.CourseName
		}
		for _, s := range c.Schedule {
			out = append(out, RawEntry{
				Day:        s.Day,
				Subject:    subject,
				Time:       T(strings.TrimSpace(s.StartTime.String() + "-" + s.EndTime.String())),
				Location:   s.Location,
				Instructor: c.Instructor,
				Type:       s.Type,
			})
		}
	}
	return out
}

var fenceRe = regexp.MustCompile("```[a-zA-Z]*")

// ExtractPayload decodes model output that may be wrapped in markdown code
// fences or surrounded by prose. Only the text between the first '{' and the
// last '}' is decoded.
func ExtractPayload(raw string) (Payload, error) {
	clean := strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))

	first := strings.Index(clean, "{")
	last := strings.LastIndex(clean, "}")
	if first == -1 || last <= first {
		return Payload{}, ErrNoPayload
	}

	var p Payload
	if err := json.Unmarshal([]byte(clean[first:last+1]), &p); err != nil {
		return Payload{}, fmt.Errorf("extract: decode model output: %w", err)
	}
	return p, nil
}
