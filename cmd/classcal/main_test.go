package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upload = `{"courses":[
  {"courseCode":"STQA","instructor":"ASD","schedule":[
    {"day":"Mon","startTime":"09:30","endTime":"10:25","location":"203-A"}
  ]},
  {"courseCode":"BDA","schedule":[
    {"day":"Tue","startTime":"02:30","endTime":"03:25","type":"Lab"}
  ]}
]}`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "classcal.yaml")
	cfg := "timezone: UTC\n" +
		"store:\n  driver: sqlite\n  path: " + filepath.Join(dir, "docs.db") + "\n" +
		"log:\n  level: error\n  format: json\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestProcessThenExport(t *testing.T) {
	cfgPath := writeConfig(t)
	input := filepath.Join(t.TempDir(), "upload.json")
	require.NoError(t, os.WriteFile(input, []byte(upload), 0o600))

	out, err := run(t, "--config", cfgPath, "process", input, "--owner", "alice")
	require.NoError(t, err)

	var res struct {
		Timetable struct {
			Courses []struct {
				Code string `json:"courseCode"`
			} `json:"courses"`
		} `json:"timetable"`
		Pending []json.RawMessage `json:"pending"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	require.Len(t, res.Timetable.Courses, 2)
	assert.Equal(t, "BDA", res.Timetable.Courses[0].Code)
	assert.Equal(t, "STQA", res.Timetable.Courses[1].Code)

	out, err = run(t, "--config", cfgPath, "export", "--owner", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Contains(t, out, "SUMMARY:Big Data Analytics (BDA)")

	target := filepath.Join(t.TempDir(), "out.ics")
	_, err = run(t, "--config", cfgPath, "export", "--owner", "alice", "-o", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "END:VCALENDAR")
}

func TestExport_NoTimetable(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t), "export", "--owner", "nobody")
	assert.Error(t, err)
}
