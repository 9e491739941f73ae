// Package reminders manages a user's dose schedule and the daily reminders
// derived from it.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"pillmate/dbtypes"
)

// DoseReminderTitle marks a reminder as a dose reminder; firing one triggers
// auto-dispense.
const DoseReminderTitle = "Time to take your dose"

const defaultDebounce = time.Second

var ErrInvalidTime = errors.New("time must be HH:MM")

var timePattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseTime parses a local time of day written "HH:MM".
func ParseTime(s string) (hour, minute int, err error) {
	m := timePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return hour, minute, nil
}

func FormatTime(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// Reminder is one daily notification.
type Reminder struct {
	Title  string
	Body   string
	Hour   int
	Minute int
}

// Derive returns the reminders for every enabled dose.  Doses with an
// unparseable time are skipped.
func Derive(doses []dbtypes.ScheduledDose) []Reminder {
	reminders := []Reminder{}
	for _, d := range doses {
		if !d.Enabled {
			continue
		}
		hour, minute, err := ParseTime(d.Time)
		if err != nil {
			slog.Warn("Skipping dose with bad time", slog.String("dose", d.ID), slog.Any("err", err))
			continue
		}
		body := d.MedName
		if d.Dose != "" {
			body += " • " + d.Dose
		}
		reminders = append(reminders, Reminder{
			Title:  DoseReminderTitle,
			Body:   body,
			Hour:   hour,
			Minute: minute,
		})
	}
	return reminders
}

// Scheduler registers daily reminders with whatever delivers them.
type Scheduler interface {
	ScheduleDaily(ctx context.Context, r Reminder) (string, error)
	CancelAll(ctx context.Context) error
}

// Planner re-registers reminders whenever the schedule changes, waiting for
// changes to settle first.
type Planner struct {
	scheduler Scheduler
	debounce  time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	// Held for the duration of an apply, so applies never interleave.
	applyMu sync.Mutex
	running sync.WaitGroup

	// Closed after each apply; tests wait on it.
	applied chan struct{}
}

type PlannerOpt func(*Planner)

func WithDebounce(d time.Duration) PlannerOpt {
	return func(p *Planner) {
		p.debounce = d
	}
}

func NewPlanner(scheduler Scheduler, opts ...PlannerOpt) *Planner {
	p := &Planner{
		scheduler: scheduler,
		debounce:  defaultDebounce,
		applied:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ScheduleChanged records the latest schedule.  Reminders are re-registered
// once no further change arrives for the debounce interval.
func (p *Planner) ScheduleChanged(ctx context.Context, doses []dbtypes.ScheduledDose) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	snapshot := append([]dbtypes.ScheduledDose(nil), doses...)
	p.timer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		p.running.Add(1)
		p.mu.Unlock()
		defer p.running.Done()

		p.apply(context.WithoutCancel(ctx), snapshot)
	})
}

// Stop discards any pending re-registration and waits for one in progress to
// finish.  No reminder is registered after Stop returns.
func (p *Planner) Stop() {
	p.mu.Lock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.running.Wait()
}

func (p *Planner) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Planner) apply(ctx context.Context, doses []dbtypes.ScheduledDose) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	defer func() {
		p.mu.Lock()
		close(p.applied)
		p.applied = make(chan struct{})
		p.mu.Unlock()
	}()

	if err := p.scheduler.CancelAll(ctx); err != nil {
		slog.ErrorContext(ctx, "Error canceling reminders; continuing", slog.Any("err", err))
	}
	for _, r := range Derive(doses) {
		if p.isStopped() {
			return
		}
		if _, err := p.scheduler.ScheduleDaily(ctx, r); err != nil {
			slog.ErrorContext(ctx, "Error scheduling reminder", slog.String("body", r.Body), slog.Any("err", err))
		}
	}
}

// appliedC returns a channel closed after the next apply finishes.
func (p *Planner) appliedC() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}
