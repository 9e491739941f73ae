package reminders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FireFunc is called each time a reminder comes due.
type FireFunc func(ctx context.Context, r Reminder)

// TimerScheduler delivers daily reminders from in-process timers.
type TimerScheduler struct {
	fire FireFunc
	loc  *time.Location
	now  func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

type TimerSchedulerOpt func(*TimerScheduler)

// WithLocation sets the time zone reminder times are in.
func WithLocation(loc *time.Location) TimerSchedulerOpt {
	return func(s *TimerScheduler) {
		s.loc = loc
	}
}

func WithTimerClock(now func() time.Time) TimerSchedulerOpt {
	return func(s *TimerScheduler) {
		s.now = now
	}
}

func NewTimerScheduler(fire FireFunc, opts ...TimerSchedulerOpt) *TimerScheduler {
	s := &TimerScheduler{
		fire:   fire,
		loc:    time.Local,
		now:    time.Now,
		timers: map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextOccurrence returns the first time at or after now with the given hour
// and minute, in now's location.
func NextOccurrence(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if next.Before(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *TimerScheduler) ScheduleDaily(ctx context.Context, r Reminder) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(context.WithoutCancel(ctx), id, r, s.now())
	return id, nil
}

// armLocked sets the timer for the first occurrence of r at or after from.
func (s *TimerScheduler) armLocked(ctx context.Context, id string, r Reminder, from time.Time) {
	due := NextOccurrence(from.In(s.loc), r.Hour, r.Minute)
	s.timers[id] = time.AfterFunc(due.Sub(s.now()), func() {
		s.mu.Lock()
		_, ok := s.timers[id]
		s.mu.Unlock()
		if !ok {
			return
		}

		slog.InfoContext(ctx, "Reminder due", slog.String("id", id), slog.String("body", r.Body))
		s.fire(ctx, r)

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.timers[id]; ok {
			s.armLocked(ctx, id, r, due.Add(time.Minute))
		}
	})
}

func (s *TimerScheduler) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}

// Pending returns how many reminders are registered.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
