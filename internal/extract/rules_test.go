package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		in   string
		want SubjectMatch
	}{
		{"7A12:CS:TDPIT4:172(C8)", SubjectMatch{Rule: "composite", Code: "CS", Instructor: "TDPIT4", Location: "172(C8)"}},
		{"7A12-1:STQA(ASD):203-A", SubjectMatch{Rule: "split", Code: "STQA", Instructor: "ASD", Location: "203-A"}},
		{"7A12-2:CS-L:LAB-3", SubjectMatch{Rule: "split", Code: "CS-L", Location: "LAB-3"}},
		{"STQA(ASD)", SubjectMatch{Rule: "parenthesized", Code: "STQA", Instructor: "ASD"}},
		{"BDA (SSV) 203-A", SubjectMatch{Rule: "parenthesized", Code: "BDA", Instructor: "SSV", Location: "203-A"}},
		{"Big Data Analytics (BDA)", SubjectMatch{Rule: "named", Code: "BDA", Name: "Big Data Analytics"}},
		{"CPS 203-A", SubjectMatch{Rule: "code-room", Code: "CPS", Location: "203-A"}},
		{"Library / Self Study", SubjectMatch{Rule: "plain", Code: "Library / Self Study"}},
		{"  BDA  ", SubjectMatch{Rule: "plain", Code: "BDA"}},
	}
	for _, tc := range cases {
		got, ok := MatchSubject(tc.in)
		if assert.True(t, ok, tc.in) {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}

	for _, bad := range []string{"", "   ", "???", "(ASD)"} {
		_, ok := MatchSubject(bad)
		assert.False(t, ok, bad)
	}
}

func TestSubjectRulesOrder(t *testing.T) {
	var names []string
	for _, r := range SubjectRules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"composite", "split", "parenthesized", "named", "code-room", "plain"}, names)
}

func TestSplitTimeRange(t *testing.T) {
	cases := map[string][2]string{
		"09:30-10:25":         {"09:30", "10:25"},
		"12:20-01:15":         {"12:20", "13:15"},
		"2:30 PM - 3:25 PM":   {"14:30", "15:25"},
		"10:25 – 11:20":       {"10:25", "11:20"},
		"03:25 to 04:20":      {"15:25", "16:20"},
		"Mon 09:30-10:25 (A)": {"09:30", "10:25"},
	}
	for in, want := range cases {
		start, end, ok := SplitTimeRange(in)
		if assert.True(t, ok, in) {
			assert.Equal(t, want[0], start, in)
			assert.Equal(t, want[1], end, in)
		}
	}

	_, _, ok := SplitTimeRange("9.30-10.25")
	assert.False(t, ok)
}
