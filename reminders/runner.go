package reminders

import (
	"context"
	"log/slog"
	"sync"

	"pillmate/dbtypes"
	"pillmate/session"
)

// ScheduleWatcher calls fn with the user's schedule every time it changes,
// until ctx is done.
type ScheduleWatcher interface {
	WatchSchedule(ctx context.Context, uid string, fn func([]dbtypes.ScheduledDose)) error
}

type AutoDispenser interface {
	AutoDispense(ctx context.Context, sess *session.Session, doses []dbtypes.ScheduledDose) error
}

// Runner keeps one user's daily reminders registered and auto-dispenses when
// a dose reminder fires.
type Runner struct {
	watcher   ScheduleWatcher
	dispenser AutoDispenser
	opts      []TimerSchedulerOpt

	mu    sync.Mutex
	doses []dbtypes.ScheduledDose
}

func NewRunner(watcher ScheduleWatcher, dispenser AutoDispenser, opts ...TimerSchedulerOpt) *Runner {
	return &Runner{
		watcher:   watcher,
		dispenser: dispenser,
		opts:      opts,
	}
}

// Run blocks until ctx is done or the schedule watch fails.  All of the
// user's reminders are cancelled on return.
func (r *Runner) Run(ctx context.Context, sess *session.Session) error {
	scheduler := NewTimerScheduler(func(ctx context.Context, rem Reminder) {
		if rem.Title != DoseReminderTitle {
			return
		}
		r.mu.Lock()
		doses := r.doses
		r.mu.Unlock()
		// AutoDispense logs its own outcome.
		r.dispenser.AutoDispense(ctx, sess, doses)
	}, r.opts...)
	defer scheduler.CancelAll(ctx)

	planner := NewPlanner(scheduler)
	defer planner.Stop()

	slog.InfoContext(ctx, "Watching schedule", slog.String("uid", sess.UID()))
	return r.watcher.WatchSchedule(ctx, sess.UID(), func(doses []dbtypes.ScheduledDose) {
		r.mu.Lock()
		r.doses = doses
		r.mu.Unlock()
		planner.ScheduleChanged(ctx, doses)
	})
}
