package extract

import (
	"regexp"
	"strings"
)

// SubjectMatch is the structured result of a subject rule.
type SubjectMatch struct {
	Rule       string
	Code       string
	Name       string
	Instructor string
	Location   string
}

// SubjectRule recognizes one naming convention of printed timetables.
type SubjectRule struct {
	Name  string
	re    *regexp.Regexp
	build func(m []string) SubjectMatch
}

// Match applies the rule to a subject string.
func (r SubjectRule) Match(subject string) (SubjectMatch, bool) {
	m := r.re.FindStringSubmatch(subject)
	if m == nil {
		return SubjectMatch{}, false
	}
	sm := r.build(m)
	sm.Rule = r.Name
	sm.Code = strings.TrimSpace(sm.Code)
	if sm.Code == "" {
		return SubjectMatch{}, false
	}
	return sm, true
}

// subjectRules are tried in order; the first match wins. The more specific
// batch-prefixed forms must come before the generic ones.
var subjectRules = []SubjectRule{
	{
		// 7A12:CS:TDPIT4:172(C8)
		Name: "composite",
		re:   regexp.MustCompile(`^(\d+[A-Z]?\d*):([A-Z]+(?:-[A-Z]+)?):([A-Z0-9]+):(\S+)$`),
		build: func(m []string) SubjectMatch {
			return SubjectMatch{Code: m[2], Instructor: m[3], Location: m[4]}
		},
	},
	{
		// 7A12-1:STQA(ASD):203-A
		Name: "split",
		re:   regexp.MustCompile(`^(\d+[A-Z]?\d*-\d+):([A-Z]+(?:-[A-Z]+)?)(?:\(([A-Z0-9]+)\))?:(\S+)$`),
		build: func(m []string) SubjectMatch {
			return SubjectMatch{Code: m[2], Instructor: m[3], Location: m[4]}
		},
	},
	{
		// STQA(ASD), STQA (ASD) 203-A, INS(MAI) 172(C8)
		Name: "parenthesized",
		re:   regexp.MustCompile(`^([A-Za-z][A-Za-z0-9&.\-]*)\s*\(([^()]+)\)\s*(\S*)$`),
		build: func(m []string) SubjectMatch {
			return SubjectMatch{Code: m[1], Instructor: strings.TrimSpace(m[2]), Location: m[3]}
		},
	},
	{
		// Software Testing and Quality Assurance (STQA)
		Name: "named",
		re:   regexp.MustCompile(`^(.+?)\s+\(([A-Z][A-Z0-9-]{1,9})\)$`),
		build: func(m []string) SubjectMatch {
			return SubjectMatch{Code: m[2], Name: strings.TrimSpace(m[1])}
		},
	},
	{
		// STQA 203-A
		Name: "code-room",
		re:   regexp.MustCompile(`^([A-Z]{2,6}(?:-[A-Z])?)\s+(\d+[A-Z]?[-\w()]*)$`),
		build: func(m []string) SubjectMatch {
			return SubjectMatch{Code: m[1], Location: m[2]}
		},
	},
	{
		// BDA, CS-L, Library / Self Study
		Name: "plain",
		re:   regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9&/.,'\- ]*$`),
		build: func(m []string) SubjectMatch {
			return SubjectMatch{Code: m[0]}
		},
	},
}

// SubjectRules returns the ordered rule set, for auditing and tests.
func SubjectRules() []SubjectRule {
	out := make([]SubjectRule, len(subjectRules))
	copy(out, subjectRules)
	return out
}

// MatchSubject runs the rules in priority order.
func MatchSubject(subject string) (SubjectMatch, bool) {
	s := strings.Join(strings.Fields(subject), " ")
	if s == "" {
		return SubjectMatch{}, false
	}
	for _, r := range subjectRules {
		if sm, ok := r.Match(s); ok {
			return sm, true
		}
	}
	return SubjectMatch{}, false
}
