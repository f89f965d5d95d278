package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classcal/internal/aggregate"
	"classcal/internal/extract"
	appLog "classcal/internal/log"
	"classcal/internal/model"
)

func TestMain(m *testing.M) {
	appLog.SetLogger(zap.NewNop())
	m.Run()
}

var ist = time.FixedZone("IST", 5*3600+1800)

func timetable() *model.Timetable {
	return &model.Timetable{Courses: []model.Course{
		{
			Code: "BDA", Name: "Big Data Analytics", Instructor: model.TBD,
			Schedule: []model.Session{
				{Day: model.Tuesday, StartTime: "14:30", EndTime: "15:25", Type: model.KindLab},
			},
		},
		{
			Code: "STQA", Name: "Software Testing and Quality Assurance", Instructor: "ASD",
			Schedule: []model.Session{
				{Day: model.Monday, StartTime: "09:30", EndTime: "10:25", Location: "203-A", Type: model.KindLecture},
			},
		},
	}}
}

func TestExport_ImportRoundTrip(t *testing.T) {
	now := time.Date(2024, time.September, 2, 8, 0, 0, 0, ist)
	body := Export(timetable(), ist, now)

	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "RRULE:FREQ=WEEKLY;BYDAY=MO")
	assert.Contains(t, body, "stqa-mon-0930-1025@classcal")

	res, err := ParseICS([]byte(body), ist)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Zero(t, res.Skipped)

	parsed := extract.NewParser().Parse(res.Entries)
	assert.Zero(t, parsed.Discarded)
	assert.Equal(t, timetable().Courses, aggregate.Aggregate(parsed.Entries))
}

func TestExport_KeepsWallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	tt := &model.Timetable{Courses: []model.Course{{
		Code:       "CPS",
		Name:       "Cyber Physical Systems",
		Instructor: "VAT",
		Schedule:   []model.Session{{Day: model.Monday, StartTime: "21:00", EndTime: "21:55", Type: model.KindLecture}},
	}}}

	// The Monday before daylight saving time ends.
	now := time.Date(2024, time.October, 28, 8, 0, 0, 0, ny)
	body := Export(tt, ny, now)
	assert.Contains(t, body, "DTSTART;TZID=America/New_York:20241028T210000")
	assert.Contains(t, body, "DTEND;TZID=America/New_York:20241028T215500")
	// 21:00 in New York is already Tuesday in UTC.
	assert.Contains(t, body, "RRULE:FREQ=WEEKLY;BYDAY=MO")

	res, err := ParseICS([]byte(body), ny)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "Monday", res.Entries[0].Day.String())
	assert.Equal(t, "9:00 PM - 9:55 PM", res.Entries[0].Time.String())

	// Fixed offsets have no IANA name and fall back to UTC.
	assert.NotContains(t, Export(tt, ist, now), "TZID=")
}

func TestParseICS_TZID(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:a@test",
		"DTSTAMP:20240901T000000Z",
		"DTSTART;TZID=Asia/Shanghai:20250224T081000",
		"DTEND;TZID=Asia/Shanghai:20250224T100500",
		"RRULE:FREQ=WEEKLY;BYDAY=MO",
		"SUMMARY:INS",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b@test",
		"DTSTAMP:20240901T000000Z",
		"DTSTART;TZID=Mars/Olympus:20250225T140000",
		"DTEND;TZID=Mars/Olympus:20250225T150000",
		"SUMMARY:BDA",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	res, err := ParseICS([]byte(body), ist)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)

	// 08:10 in Shanghai is 05:40 in IST, still Monday.
	assert.Equal(t, "Monday", res.Entries[0].Day.String())
	assert.Equal(t, "5:40 AM - 7:35 AM", res.Entries[0].Time.String())

	// An unknown TZID is read as local time in the import zone.
	assert.Equal(t, "Tuesday", res.Entries[1].Day.String())
	assert.Equal(t, "2:00 PM - 3:00 PM", res.Entries[1].Time.String())
}

func TestParseICS_WeeklyRulesAndSkips(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:a@test",
		"DTSTAMP:20240901T000000Z",
		"DTSTART:20240902T093000Z",
		"DTEND:20240902T102500Z",
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE",
		"SUMMARY:STQA(ASD)",
		"LOCATION:203-A",
		"DESCRIPTION:Type: Lab",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:c@test",
		"DTSTAMP:20240901T000000Z",
		"DTSTART:20240903T143000Z",
		"DTEND:20240903T152500Z",
		"RRULE:FREQ=DAILY",
		"SUMMARY:BDA",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:d@test",
		"DTSTAMP:20240901T000000Z",
		"DTSTART:20240904T083000Z",
		"DTEND:20240904T092500Z",
		"SUMMARY:CPS",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	res, err := ParseICS([]byte(body), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Entries, 3)

	assert.Equal(t, "Monday", res.Entries[0].Day.String())
	assert.Equal(t, "Wednesday", res.Entries[1].Day.String())
	assert.Equal(t, "9:30 AM - 10:25 AM", res.Entries[0].Time.String())
	assert.Equal(t, "Lab", res.Entries[0].Type.String())
	assert.Equal(t, "203-A", res.Entries[1].Location.String())

	// An 08:30 class keeps its morning hour through the normalizer.
	parsed := extract.NewParser().Parse(res.Entries)
	require.Len(t, parsed.Entries, 3)
	cps := parsed.Entries[2]
	assert.Equal(t, "CPS", cps.Code)
	assert.Equal(t, "08:30", cps.Session.StartTime)
	assert.Equal(t, "09:25", cps.Session.EndTime)
}

func TestParseICS_Errors(t *testing.T) {
	_, err := ParseICS(nil, time.UTC)
	assert.Error(t, err)
}

func TestEventWeekdays_ShiftsAcrossZones(t *testing.T) {
	// Sunday 20:00 UTC is Monday 01:30 in IST.
	ev := ParsedEvent{
		Start:    time.Date(2024, time.September, 1, 20, 0, 0, 0, time.UTC),
		End:      time.Date(2024, time.September, 1, 21, 0, 0, 0, time.UTC),
		RawRRule: "FREQ=WEEKLY;BYDAY=SU,WE",
	}
	days, ok := eventWeekdays(ev, ist)
	require.True(t, ok)
	assert.Equal(t, []model.Weekday{model.Monday, model.Thursday}, days)

	ev.RawRRule = "FREQ=WEEKLY;INTERVAL=2"
	_, ok = eventWeekdays(ev, ist)
	assert.False(t, ok)
}

func TestExpandWeekly(t *testing.T) {
	from := time.Date(2024, time.September, 2, 10, 0, 0, 0, ist)
	to := time.Date(2024, time.September, 16, 10, 0, 0, 0, ist)

	occ, err := ExpandWeekly(timetable(), ExpandConfig{Location: ist, RangeStart: from, RangeEnd: to})
	require.NoError(t, err)
	require.Len(t, occ, 4)

	want := []struct {
		code  string
		start time.Time
	}{
		{"BDA", time.Date(2024, time.September, 3, 14, 30, 0, 0, ist)},
		{"STQA", time.Date(2024, time.September, 9, 9, 30, 0, 0, ist)},
		{"BDA", time.Date(2024, time.September, 10, 14, 30, 0, 0, ist)},
		{"STQA", time.Date(2024, time.September, 16, 9, 30, 0, 0, ist)},
	}
	for i, w := range want {
		assert.Equal(t, w.code, occ[i].CourseCode)
		assert.True(t, occ[i].Start.Equal(w.start), "occurrence %d starts %s", i, occ[i].Start)
		assert.Equal(t, 55*time.Minute, occ[i].End.Sub(occ[i].Start))
	}
	assert.Equal(t, "TBD", occ[0].Location)
	assert.Equal(t, "STQA@2024-09-09T09:30:00+05:30", occ[1].InstanceKey)

	_, err = ExpandWeekly(timetable(), ExpandConfig{RangeStart: to, RangeEnd: from})
	assert.Error(t, err)
}

func TestFetcher_CacheAndFallback(t *testing.T) {
	const ics = "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"
	var (
		hits atomic.Int32
		down atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(ics))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), WithPrivateNetworks())
	ctx := context.Background()

	body, err := f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	require.NoError(t, err)
	assert.Equal(t, ics, string(body))

	body, err = f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	require.NoError(t, err)
	assert.Equal(t, ics, string(body))

	down.Store(true)
	body, err = f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	require.NoError(t, err)
	assert.Equal(t, ics, string(body))
	assert.Equal(t, int32(3), hits.Load())

	_, err = NewFetcher("", WithPrivateNetworks()).Fetch(ctx, srv.URL+"/cal.ics")
	assert.Error(t, err)
	_, err = f.Fetch(ctx, "  ")
	assert.Error(t, err)
}

func TestFetcher_RefusesNonPublicTargets(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	ctx := context.Background()
	f := NewFetcher(t.TempDir())

	for _, target := range []string{
		srv.URL + "/cal.ics",
		strings.Replace(srv.URL, "http://", "webcal://", 1) + "/cal.ics",
		"http://169.254.169.254/latest/meta-data/",
	} {
		_, err := f.Fetch(ctx, target)
		assert.ErrorIs(t, err, ErrBlockedAddress, target)
	}
	assert.Equal(t, int32(0), hits.Load())

	for _, target := range []string{"file:///etc/passwd", "ftp://example.com/cal.ics", "https:///cal.ics"} {
		_, err := f.Fetch(ctx, target)
		assert.ErrorIs(t, err, ErrUnsupportedURL, target)
	}

	redirect := httptest.NewServer(http.RedirectHandler("file:///etc/passwd", http.StatusFound))
	defer redirect.Close()
	_, err := NewFetcher("", WithPrivateNetworks()).Fetch(ctx, redirect.URL)
	assert.ErrorIs(t, err, ErrUnsupportedURL)
}

func TestIsPublic(t *testing.T) {
	cases := map[string]bool{
		"8.8.8.8":              true,
		"2001:4860:4860::8888": true,
		"127.0.0.1":            false,
		"10.1.2.3":             false,
		"192.168.0.10":         false,
		"172.16.5.4":           false,
		"169.254.169.254":      false,
		"100.64.0.1":           false,
		"0.0.0.0":              false,
		"::1":                  false,
		"fe80::1":              false,
		"fd00::1":              false,
		"::ffff:127.0.0.1":     false,
	}
	for in, want := range cases {
		assert.Equal(t, want, isPublic(netip.MustParseAddr(in)), in)
	}
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", redactURL("https://calendar.example.com/u/42/private.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
