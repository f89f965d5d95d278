package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	appLog "classcal/internal/log"
	"classcal/internal/reminder"
)

const sendTimeout = 30 * time.Second

type cronJob struct {
	entry cron.EntryID
	scope string
}

// Cron registers every reminder as a weekly cron entry ("M H * * DOW") in
// the configured location, so a reminder keeps firing every week until its
// scope is cancelled by the next reschedule.
type Cron struct {
	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	sender  Sender
	jobs    map[string]cronJob
	stopped bool
}

func NewCron(loc *time.Location, sender Sender) *Cron {
	if loc == nil {
		loc = time.Local
	}
	return &Cron{
		c:      cron.New(cron.WithLocation(loc)),
		loc:    loc,
		sender: sender,
		jobs:   make(map[string]cronJob),
	}
}

// Start runs the cron scheduler in its own goroutine.
func (d *Cron) Start() {
	d.c.Start()
	appLog.Info("cron dispatcher started", "location", d.loc.String(), "sender", d.sender.Name())
}

// Stop halts the scheduler and waits for running sends. Further Schedule
// calls report reminder.ErrUnavailable.
func (d *Cron) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	<-d.c.Stop().Done()
	appLog.Info("cron dispatcher stopped")
}

// Spec returns the weekly cron expression firing at fireAt's wall time in
// loc.
func Spec(fireAt time.Time, loc *time.Location) string {
	t := fireAt.In(loc)
	return fmt.Sprintf("%d %d * * %d", t.Minute(), t.Hour(), int(t.Weekday()))
}

func (d *Cron) Schedule(_ context.Context, fireAt time.Time, p reminder.Payload) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return "", reminder.ErrUnavailable
	}

	id := uuid.NewString()
	spec := Spec(fireAt, d.loc)
	entry, err := d.c.AddFunc(spec, func() { d.fire(id, p) })
	if err != nil {
		return "", fmt.Errorf("add cron entry %q: %w", spec, err)
	}
	d.jobs[id] = cronJob{entry: entry, scope: p.Data[reminder.ScopeKey]}

	appLog.Debug("reminder registered", "id", id, "spec", spec, "title", p.Title)
	return id, nil
}

func (d *Cron) CancelAll(_ context.Context, scope string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return reminder.ErrUnavailable
	}

	n := 0
	for id, job := range d.jobs {
		if job.scope == scope {
			d.c.Remove(job.entry)
			delete(d.jobs, id)
			n++
		}
	}
	appLog.Debug("reminders cancelled", "scope", scope, "count", n)
	return nil
}

// Len returns the number of registered reminders of scope.
func (d *Cron) Len(scope string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, job := range d.jobs {
		if job.scope == scope {
			n++
		}
	}
	return n
}

// Next returns the next activation of reminder id.
func (d *Cron) Next(id string) (time.Time, bool) {
	d.mu.Lock()
	job, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := d.c.Entry(job.entry)
	if !e.Valid() {
		return time.Time{}, false
	}
	return e.Next, true
}

func (d *Cron) fire(id string, p reminder.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := d.sender.Send(ctx, id, p); err != nil {
		appLog.Error("reminder send failed", err, "id", id, "sender", d.sender.Name())
	}
}
