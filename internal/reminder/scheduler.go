package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// DefaultLeads are the lead times, in minutes, used when none are configured.
var DefaultLeads = []int{15, 60}

// ErrUnavailable marks a dispatcher that cannot take any work. Dispatchers
// wrap it to abort a batch; every other Schedule error only skips one
// reminder.
var ErrUnavailable = errors.New("reminder: dispatcher unavailable")

// ScopeKey is the Payload.Data key carrying the scope a reminder was issued
// for, so dispatchers can cancel by scope.
const ScopeKey = "scope"

// Payload is the notification content handed to a dispatcher.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// Dispatcher delivers notifications at a later instant.
type Dispatcher interface {
	// Schedule registers a notification and returns its id. An empty id
	// means the notification was not accepted.
	Schedule(ctx context.Context, fireAt time.Time, p Payload) (string, error)
	// CancelAll drops every pending notification of scope.
	CancelAll(ctx context.Context, scope string) error
}

// Status is the lifecycle state of an issued reminder.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Issued is one reminder handed (or attempted) to the dispatcher.
type Issued struct {
	ID     string             `json:"id,omitempty"`
	Spec   model.ReminderSpec `json:"spec"`
	Status Status             `json:"status"`
}

// ScheduleResult is the outcome of one cancel-all-then-schedule batch. The
// caller owns it; nothing is kept in the scheduler.
type ScheduleResult struct {
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issuedAt"`
	Reminders []Issued  `json:"reminders"`
	Scheduled int       `json:"scheduled"`
	Skipped   int       `json:"skipped"`
	// Cancelled counts reminders of the previous batch this one replaced.
	Cancelled int `json:"cancelled"`
}

// MarkCancelled moves every scheduled reminder to cancelled, after the
// dispatcher cancelled the scope, and returns how many moved.
func (r *ScheduleResult) MarkCancelled() int {
	n := 0
	for i := range r.Reminders {
		if r.Reminders[i].Status == StatusScheduled {
			r.Reminders[i].Status = StatusCancelled
			n++
		}
	}
	r.Scheduled = 0
	return n
}

// Scheduler issues the reminders of a timetable through a Dispatcher.
type Scheduler struct {
	dispatcher Dispatcher
	leads      []int
}

// NewScheduler returns a scheduler using leads, or DefaultLeads when empty.
func NewScheduler(d Dispatcher, leads []int) *Scheduler {
	l := Leads(leads)
	if len(l) == 0 {
		l = Leads(DefaultLeads)
	}
	return &Scheduler{dispatcher: d, leads: l}
}

// Leads returns the lead times in use.
func (s *Scheduler) Leads() []int {
	return append([]int(nil), s.leads...)
}

// ScheduleAll cancels every reminder previously issued for scope and issues
// the reminders of tt as of now.
//
// ctx only gates the start of the batch. Once the batch began it runs to
// the end; only a dispatcher reporting ErrUnavailable stops it early, in
// which case the scope is in an unknown state and the whole call must be
// repeated.
func (s *Scheduler) ScheduleAll(ctx context.Context, scope string, tt *model.Timetable, now time.Time) (*ScheduleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bctx := context.WithoutCancel(ctx)

	if err := s.dispatcher.CancelAll(bctx, scope); err != nil {
		return nil, fmt.Errorf("cancel reminders of %s: %w", scope, err)
	}

	res := &ScheduleResult{Scope: scope, IssuedAt: now}
	if tt == nil {
		return res, nil
	}

	for _, course := range tt.Courses {
		for _, session := range course.Schedule {
			for _, spec := range Project(course, session, s.leads, now) {
				issued := Issued{Spec: spec, Status: StatusPending}

				payload := NewPayload(spec)
				payload.Data[ScopeKey] = scope

				id, err := s.dispatcher.Schedule(bctx, spec.FireAt, payload)
				switch {
				case err != nil && errors.Is(err, ErrUnavailable):
					return res, fmt.Errorf("schedule %s at %s: %w", spec.CourseCode, spec.FireAt.Format(time.RFC3339), err)
				case err != nil || id == "":
					issued.Status = StatusSkipped
					res.Skipped++
					appLog.Warn("reminder skipped",
						"scope", scope,
						"course", spec.CourseCode,
						"fire_at", spec.FireAt,
						"reason", skipReason(err),
					)
				default:
					issued.ID = id
					issued.Status = StatusScheduled
					res.Scheduled++
				}
				res.Reminders = append(res.Reminders, issued)
			}
		}
	}

	appLog.Info("reminders scheduled",
		"scope", scope,
		"scheduled", res.Scheduled,
		"skipped", res.Skipped,
		"leads", s.leads,
	)
	return res, nil
}

func skipReason(err error) string {
	if err == nil {
		return "dispatcher returned no id"
	}
	return err.Error()
}

// NewPayload builds the notification shown for spec.
func NewPayload(spec model.ReminderSpec) Payload {
	name := spec.CourseName
	if name == "" {
		name = spec.CourseCode
	}
	location := spec.Session.LocationOrTBD()

	return Payload{
		Title: "Class Reminder - " + spec.CourseCode,
		Body:  fmt.Sprintf("%s starts in %d minutes at %s", name, spec.LeadMinutes, location),
		Data: map[string]string{
			"type":          "class_reminder",
			"courseCode":    spec.CourseCode,
			"courseName":    name,
			"startTime":     spec.Session.StartTime,
			"location":      location,
			"minutesBefore": strconv.Itoa(spec.LeadMinutes),
			"classStart":    spec.ClassStart.Format(time.RFC3339),
		},
	}
}
