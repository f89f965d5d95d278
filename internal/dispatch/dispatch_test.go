package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appLog "classcal/internal/log"
	"classcal/internal/model"
	"classcal/internal/reminder"
)

func TestMain(m *testing.M) {
	appLog.SetLogger(zap.NewNop())
	m.Run()
}

func payload(scope, title string) reminder.Payload {
	return reminder.Payload{
		Title: title,
		Body:  "Big Data Analytics starts in 15 minutes at 203-A",
		Data:  map[string]string{reminder.ScopeKey: scope, "courseCode": "BDA"},
	}
}

var base = time.Date(2024, time.September, 2, 9, 15, 0, 0, time.UTC) // Monday

func TestMemory_ScheduleCancel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id1, err := m.Schedule(ctx, base.Add(time.Hour), payload("alice", "b"))
	require.NoError(t, err)
	id2, err := m.Schedule(ctx, base, payload("alice", "a"))
	require.NoError(t, err)
	_, err = m.Schedule(ctx, base, payload("bob", "c"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	pending := m.Pending("alice")
	require.Len(t, pending, 2)
	assert.Equal(t, id2, pending[0].ID)
	assert.Equal(t, id1, pending[1].ID)

	require.NoError(t, m.CancelAll(ctx, "alice"))
	assert.Empty(t, m.Pending("alice"))
	assert.Len(t, m.Pending("bob"), 1)
}

func TestMemory_WithScheduler(t *testing.T) {
	m := NewMemory()
	s := reminder.NewScheduler(m, []int{15})

	tt := timetableFixture()
	now := time.Date(2024, time.September, 2, 8, 0, 0, 0, time.UTC)

	res, err := s.ScheduleAll(context.Background(), "alice", tt, now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scheduled)

	// A second run replaces, never accumulates.
	_, err = s.ScheduleAll(context.Background(), "alice", tt, now)
	require.NoError(t, err)
	assert.Len(t, m.Pending("alice"), 2)
}

func TestSpec(t *testing.T) {
	assert.Equal(t, "15 9 * * 1", Spec(base, time.UTC))

	ist := time.FixedZone("IST", 5*3600+1800)
	assert.Equal(t, "45 14 * * 1", Spec(base, ist))
	// Crossing midnight moves the weekday too.
	assert.Equal(t, "45 0 * * 2", Spec(base.Add(10*time.Hour), ist))
}

func TestCron_ScheduleCancel(t *testing.T) {
	ctx := context.Background()
	d := NewCron(time.UTC, LogSender{})
	d.Start()
	defer d.Stop()

	fireAt := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Minute)
	id, err := d.Schedule(ctx, fireAt, payload("alice", "Class Reminder - BDA"))
	require.NoError(t, err)
	_, err = d.Schedule(ctx, fireAt, payload("bob", "Class Reminder - CPS"))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len("alice"))

	next, ok := d.Next(id)
	require.True(t, ok)
	assert.True(t, next.Equal(fireAt), "next %s, want %s", next, fireAt)

	require.NoError(t, d.CancelAll(ctx, "alice"))
	assert.Zero(t, d.Len("alice"))
	assert.Equal(t, 1, d.Len("bob"))
	_, ok = d.Next(id)
	assert.False(t, ok)
}

func TestCron_StoppedIsUnavailable(t *testing.T) {
	d := NewCron(time.UTC, LogSender{})
	d.Start()
	d.Stop()

	_, err := d.Schedule(context.Background(), base, payload("alice", "x"))
	assert.ErrorIs(t, err, reminder.ErrUnavailable)
	assert.ErrorIs(t, d.CancelAll(context.Background(), "alice"), reminder.ErrUnavailable)
}

func TestWebhookSender_Send(t *testing.T) {
	var (
		mu  sync.Mutex
		got []WebhookBody
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		var b WebhookBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, s.Send(context.Background(), "r-1", payload("alice", "Class Reminder - BDA")))

	require.Len(t, got, 1)
	assert.Equal(t, "r-1", got[0].ID)
	assert.Equal(t, "alice", got[0].Scope)
	assert.Equal(t, "Class Reminder - BDA", got[0].Title)
	assert.Equal(t, "BDA", got[0].Data["courseCode"])
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{URL: srv.URL})
	err := s.Send(context.Background(), "r-1", payload("alice", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "gateway down")
}

func TestWebhookSender_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{URL: srv.URL, RatePerSecond: 0.001, Burst: 1})
	require.NoError(t, s.Send(context.Background(), "r-1", payload("alice", "x")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, "r-2", payload("alice", "x"))
	assert.Error(t, err)
}

func timetableFixture() *model.Timetable {
	return &model.Timetable{Courses: []model.Course{{
		Code: "BDA",
		Name: "Big Data Analytics",
		Schedule: []model.Session{
			{Day: model.Monday, StartTime: "09:30", EndTime: "10:25", Location: "203-A"},
			{Day: model.Tuesday, StartTime: "10:25", EndTime: "11:20"},
		},
	}}}
}
