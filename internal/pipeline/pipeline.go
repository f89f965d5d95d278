// Package pipeline ties parsing, aggregation, storage and reminder
// scheduling together per timetable owner. Every change to an owner's
// timetable ends in a cancel-all-then-schedule of their reminders.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"classcal/internal/aggregate"
	"classcal/internal/clock"
	"classcal/internal/extract"
	"classcal/internal/ics"
	appLog "classcal/internal/log"
	"classcal/internal/model"
	"classcal/internal/reminder"
	"classcal/internal/store"
)

var (
	// ErrNoData means there is no usable timetable: nothing recognizable was
	// parsed, or the owner never stored one.
	ErrNoData = errors.New("pipeline: no timetable data")

	// ErrBadPayload wraps model output that could not be decoded at all.
	ErrBadPayload = errors.New("pipeline: unreadable model output")

	ErrNoOwner          = errors.New("pipeline: owner is required")
	ErrInvalidSession   = errors.New("pipeline: invalid session")
	ErrSessionNotFound  = errors.New("pipeline: session not found")
	ErrInvalidCalendar  = errors.New("pipeline: invalid calendar")
	ErrFetchUnavailable = errors.New("pipeline: calendar fetch is not configured")
	ErrFetchFailed      = errors.New("pipeline: calendar fetch failed")
	ErrURLRefused       = errors.New("pipeline: calendar URL refused")
)

// Sources recorded in timetable metadata.
const (
	SourceUpload = "upload"
	SourceICS    = "ics"
	SourceEdit   = "edit"
)

const defaultUpcomingDays = 7

// Options wires a Pipeline. Parser, Store and Scheduler are required.
type Options struct {
	Parser    *extract.Parser
	Store     *store.Store
	Scheduler *reminder.Scheduler
	// Location is the zone class times are read in. Nil means time.Local.
	Location *time.Location
	// Fetcher enables ImportICSURL.
	Fetcher *ics.Fetcher
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline serializes the work of each owner; different owners proceed
// concurrently.
type Pipeline struct {
	parser    *extract.Parser
	store     *store.Store
	scheduler *reminder.Scheduler
	loc       *time.Location
	fetcher   *ics.Fetcher
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		parser:    opts.Parser,
		store:     opts.Store,
		scheduler: opts.Scheduler,
		loc:       opts.Location,
		fetcher:   opts.Fetcher,
		now:       opts.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	if p.parser == nil {
		p.parser = extract.NewParser()
	}
	if p.loc == nil {
		p.loc = time.Local
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Location returns the zone class times are read in.
func (p *Pipeline) Location() *time.Location {
	return p.loc
}

// Outcome is the result of a timetable change.
type Outcome struct {
	Timetable *model.Timetable         `json:"timetable"`
	Discarded int                      `json:"discarded"`
	Excluded  int                      `json:"excluded"`
	Reminders *reminder.ScheduleResult `json:"reminders,omitempty"`
}

// Process parses raw model output and replaces the owner's timetable with
// it.
func (p *Pipeline) Process(ctx context.Context, owner, raw string) (*Outcome, error) {
	unlock, err := p.lock(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := p.parser.ParseText(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	return p.commit(ctx, owner, res, extract.ExtractMetadata(raw), SourceUpload)
}

// ImportICS replaces the owner's timetable with the weekly class events of
// an iCalendar body.
func (p *Pipeline) ImportICS(ctx context.Context, owner string, body []byte) (*Outcome, error) {
	unlock, err := p.lock(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	imported, err := ics.ParseICS(body, p.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalendar, err)
	}
	res := p.parser.Parse(imported.Entries)
	res.Discarded += imported.Skipped
	return p.commit(ctx, owner, res, extract.TextMetadata{}, SourceICS)
}

// ImportICSURL fetches a calendar subscription and imports it.
func (p *Pipeline) ImportICSURL(ctx context.Context, owner, rawURL string) (*Outcome, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	if p.fetcher == nil {
		return nil, ErrFetchUnavailable
	}
	body, err := p.fetcher.Fetch(ctx, rawURL)
	if errors.Is(err, ics.ErrBlockedAddress) || errors.Is(err, ics.ErrUnsupportedURL) {
		return nil, fmt.Errorf("%w: %w", ErrURLRefused, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return p.ImportICS(ctx, owner, body)
}

func (p *Pipeline) commit(ctx context.Context, owner string, res extract.Result, md extract.TextMetadata, source string) (*Outcome, error) {
	courses := aggregate.Aggregate(res.Entries)
	if len(courses) == 0 {
		appLog.Warn("no courses recognized", "owner", owner, "discarded", res.Discarded, "excluded", res.Excluded)
		return nil, ErrNoData
	}

	now := p.now().In(p.loc)
	meta := model.DefaultMetadata(now, source)
	if md.Semester != "" {
		meta.Semester = md.Semester
	}
	if md.AcademicYear != "" {
		meta.AcademicYear = md.AcademicYear
	}
	meta.Confidence = aggregate.Confidence(courses)

	tt := &model.Timetable{Courses: courses, Metadata: meta}
	if err := p.store.SaveTimetable(ctx, owner, tt); err != nil {
		return nil, err
	}
	appLog.Info("timetable saved",
		"owner", owner,
		"source", source,
		"courses", len(courses),
		"sessions", tt.SessionCount(),
		"confidence", meta.Confidence,
	)

	reminders, err := p.schedule(ctx, owner, tt, now)
	return &Outcome{
		Timetable: tt,
		Discarded: res.Discarded,
		Excluded:  res.Excluded,
		Reminders: reminders,
	}, err
}

// EditSession replaces one session of a course and reschedules the owner's
// reminders. The edited times must already be 24-hour HH:MM.
func (p *Pipeline) EditSession(ctx context.Context, owner, code string, old model.SessionKey, next model.Session) (*Outcome, error) {
	if err := validateSession(&next); err != nil {
		return nil, err
	}

	unlock, err := p.lock(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tt, err := p.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	course, ok := tt.FindCourse(code)
	if !ok {
		return nil, fmt.Errorf("%w: course %q", ErrSessionNotFound, code)
	}

	idx := -1
	for i, s := range course.Schedule {
		switch s.Key() {
		case old:
			idx = i
		case next.Key():
			return nil, fmt.Errorf("%w: %s already has a session %s %s-%s",
				ErrInvalidSession, course.Code, next.Day, next.StartTime, next.EndTime)
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s %s %s-%s", ErrSessionNotFound, course.Code, old.Day, old.StartTime, old.EndTime)
	}
	course.Schedule[idx] = next
	aggregate.SortSessions(course.Schedule)

	now := p.now().In(p.loc)
	tt.Metadata.LastUpdated = now
	tt.Metadata.Source = SourceEdit
	tt.Metadata.Confidence = aggregate.Confidence(tt.Courses)

	if err := p.store.SaveTimetable(ctx, owner, tt); err != nil {
		return nil, err
	}
	appLog.Info("session edited", "owner", owner, "course", course.Code, "day", next.Day.String(), "start", next.StartTime)

	out := &Outcome{Timetable: tt}
	out.Reminders, err = p.schedule(ctx, owner, tt, now)
	return out, err
}

func validateSession(s *model.Session) error {
	if !s.Day.Valid() {
		return fmt.Errorf("%w: day", ErrInvalidSession)
	}
	start, ok := clock.Minutes(s.StartTime)
	if !ok {
		return fmt.Errorf("%w: start time %q", ErrInvalidSession, s.StartTime)
	}
	end, ok := clock.Minutes(s.EndTime)
	if !ok {
		return fmt.Errorf("%w: end time %q", ErrInvalidSession, s.EndTime)
	}
	if start >= end {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidSession, s.StartTime, s.EndTime)
	}
	s.StartTime = clock.Format(start/60, start%60)
	s.EndTime = clock.Format(end/60, end%60)
	if s.Type == "" {
		s.Type = model.KindLecture
	}
	return nil
}

// Reschedule re-issues the owner's reminders from the stored timetable.
func (p *Pipeline) Reschedule(ctx context.Context, owner string) (*reminder.ScheduleResult, error) {
	unlock, err := p.lock(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tt, err := p.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	return p.schedule(ctx, owner, tt, p.now().In(p.loc))
}

// Owners returns every owner with a stored timetable, merged with extra.
func (p *Pipeline) Owners(ctx context.Context, extra []string) ([]string, error) {
	stored, err := p.store.Owners(ctx)
	if err != nil {
		return nil, err
	}
	owners := append(slices.Clone(stored), extra...)
	owners = slices.DeleteFunc(owners, func(o string) bool { return o == "" })
	slices.Sort(owners)
	return slices.Compact(owners), nil
}

// RescheduleAll reschedules every stored owner plus extra, in turn. Cron
// dispatchers forget their entries on restart, so this runs at start-up.
// Owners without a timetable are skipped; other failures are joined.
func (p *Pipeline) RescheduleAll(ctx context.Context, extra []string) error {
	owners, err := p.Owners(ctx, extra)
	if err != nil {
		return err
	}
	appLog.Info("rescheduling owners", "count", len(owners))

	var errs []error
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := p.Reschedule(ctx, owner)
		switch {
		case errors.Is(err, ErrNoData):
			appLog.Debug("reschedule skipped, no timetable", "owner", owner)
		case err != nil:
			appLog.Error("reschedule failed", err, "owner", owner)
			errs = append(errs, fmt.Errorf("%s: %w", owner, err))
		}
	}
	return errors.Join(errs...)
}

// schedule runs the batch and caches its result for display. A failed batch
// still caches whatever was issued before it stopped. The previous snapshot's
// scheduled reminders are counted as cancelled by the new batch.
func (p *Pipeline) schedule(ctx context.Context, owner string, tt *model.Timetable, now time.Time) (*reminder.ScheduleResult, error) {
	prev, perr := p.store.LoadReminders(ctx, owner)
	if perr != nil {
		appLog.Warn("previous reminder snapshot unreadable", "owner", owner, "error", perr.Error())
	}

	res, err := p.scheduler.ScheduleAll(ctx, owner, tt, now)
	if res == nil {
		return nil, err
	}
	if prev != nil {
		res.Cancelled = prev.MarkCancelled()
		appLog.Debug("previous reminders cancelled", "owner", owner, "count", res.Cancelled)
	}
	if serr := p.store.SaveReminders(ctx, owner, res); serr != nil {
		appLog.Error("reminder snapshot not saved", serr, "owner", owner)
	}
	return res, err
}

// Timetable returns the owner's stored timetable.
func (p *Pipeline) Timetable(ctx context.Context, owner string) (*model.Timetable, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	return p.load(ctx, owner)
}

// Reminders returns the last cached schedule result of the owner.
func (p *Pipeline) Reminders(ctx context.Context, owner string) (*reminder.ScheduleResult, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	res, err := p.store.LoadReminders(ctx, owner)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrNoData
	}
	return res, nil
}

// Upcoming lists the owner's class occurrences from now over the next days.
func (p *Pipeline) Upcoming(ctx context.Context, owner string, days int) ([]model.Occurrence, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	if days <= 0 {
		days = defaultUpcomingDays
	}
	tt, err := p.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := p.now().In(p.loc)
	return ics.ExpandWeekly(tt, ics.ExpandConfig{
		Location:   p.loc,
		RangeStart: now,
		RangeEnd:   now.AddDate(0, 0, days),
	})
}

// ExportICS renders the owner's timetable as an iCalendar document.
func (p *Pipeline) ExportICS(ctx context.Context, owner string) (string, error) {
	if owner == "" {
		return "", ErrNoOwner
	}
	tt, err := p.load(ctx, owner)
	if err != nil {
		return "", err
	}
	return ics.Export(tt, p.loc, p.now()), nil
}

func (p *Pipeline) load(ctx context.Context, owner string) (*model.Timetable, error) {
	tt, err := p.store.LoadTimetable(ctx, owner)
	if err != nil {
		return nil, err
	}
	if tt == nil {
		return nil, ErrNoData
	}
	return tt, nil
}

func (p *Pipeline) lock(owner string) (func(), error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	p.mu.Lock()
	l, ok := p.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		p.locks[owner] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock, nil
}
