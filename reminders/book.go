package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"pillmate/dbtypes"
	"pillmate/safety"
	"pillmate/session"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultMaxParallelChecks = 4

var (
	ErrMissingName    = errors.New("medication name is required")
	ErrInvalidDose    = errors.New("dose must be a positive number")
	ErrAllergyBlocked = errors.New("medication conflicts with a recorded allergy")
	ErrNotSignedIn    = errors.New("not signed in")
)

// ConfirmationRequiredError is returned when a dose can be added only after
// the user acknowledges the warnings.  Resubmit with Confirmed set.
type ConfirmationRequiredError struct {
	Warnings []string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("confirmation required: %s", strings.Join(e.Warnings, "; "))
}

// InteractionError is returned when a new medication must not be taken with
// one already on the schedule.
type InteractionError struct {
	Medication string
	Existing   string
	Message    string
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("%s: cannot take %q with %q", e.Message, e.Medication, e.Existing)
}

// Schedule is the stored dose schedule, ordered by time.
type Schedule interface {
	ListDoses(ctx context.Context, uid string) ([]dbtypes.ScheduledDose, error)
	AddDose(ctx context.Context, uid string, dose dbtypes.ScheduledDose) (string, error)
	UpdateDose(ctx context.Context, uid, id, medName, dose, time string) error
	SetDoseEnabled(ctx context.Context, uid, id string, enabled bool) error
	DeleteDose(ctx context.Context, uid, id string) error
}

type AllergySource interface {
	Allergies(ctx context.Context, uid string) ([]string, error)
}

type SafetyChecker interface {
	CheckAllergy(ctx context.Context, sess *session.Session, medication string, allergies []string) safety.AllergyResult
	CheckInteraction(ctx context.Context, sess *session.Session, q safety.InteractionQuery) safety.InteractionResult
}

// DoseRequest is a dose as entered by the user.
type DoseRequest struct {
	MedName string
	Dose    string
	Time    string

	// Set when the user has acknowledged the warnings of a previous attempt.
	Confirmed bool
}

// validate returns the request with whitespace trimmed and the time
// normalized.
func (req DoseRequest) validate() (DoseRequest, error) {
	req.MedName = strings.TrimSpace(req.MedName)
	req.Dose = strings.TrimSpace(req.Dose)
	if req.MedName == "" {
		return req, ErrMissingName
	}
	n, err := strconv.ParseFloat(req.Dose, 64)
	if err != nil || n <= 0 {
		return req, fmt.Errorf("%w: %q", ErrInvalidDose, req.Dose)
	}
	hour, minute, err := ParseTime(strings.TrimSpace(req.Time))
	if err != nil {
		return req, err
	}
	req.Time = FormatTime(hour, minute)
	return req, nil
}

// Book edits a user's dose schedule, checking new doses against the user's
// allergies and existing medications.
type Book struct {
	schedule  Schedule
	allergies AllergySource
	checker   SafetyChecker

	maxParallel int64
}

type BookOpt func(*Book)

// WithMaxParallelChecks bounds concurrent interaction checks.
func WithMaxParallelChecks(n int64) BookOpt {
	return func(b *Book) {
		b.maxParallel = n
	}
}

func NewBook(schedule Schedule, allergies AllergySource, checker SafetyChecker, opts ...BookOpt) *Book {
	b := &Book{
		schedule:    schedule,
		allergies:   allergies,
		checker:     checker,
		maxParallel: defaultMaxParallelChecks,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func uidOf(sess *session.Session) (string, error) {
	uid := sess.UID()
	if uid == "" {
		return "", ErrNotSignedIn
	}
	return uid, nil
}

func (b *Book) List(ctx context.Context, sess *session.Session) ([]dbtypes.ScheduledDose, error) {
	uid, err := uidOf(sess)
	if err != nil {
		return nil, err
	}
	doses, err := b.schedule.ListDoses(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("while listing schedule: %w", err)
	}
	return doses, nil
}

// Add checks a new dose and, if it passes, adds it to the schedule enabled.
//
// A blocking allergy sets the session's dispense block and fails with
// ErrAllergyBlocked.  A dangerous interaction fails with *InteractionError.
// Milder findings fail with *ConfirmationRequiredError unless req.Confirmed.
func (b *Book) Add(ctx context.Context, sess *session.Session, req DoseRequest) (dbtypes.ScheduledDose, error) {
	uid, err := uidOf(sess)
	if err != nil {
		return dbtypes.ScheduledDose{}, err
	}
	req, err = req.validate()
	if err != nil {
		return dbtypes.ScheduledDose{}, err
	}

	var warnings []string

	allergies, err := b.allergies.Allergies(ctx, uid)
	if err != nil {
		slog.ErrorContext(ctx, "Could not read allergies; skipping allergy check", slog.String("uid", uid), slog.Any("err", err))
	}
	if len(allergies) > 0 {
		allergy := b.checker.CheckAllergy(ctx, sess, req.MedName, allergies)
		if allergy.Blocks() {
			sess.Block(allergy.Message)
			return dbtypes.ScheduledDose{}, fmt.Errorf("%w: %s", ErrAllergyBlocked, allergy.Message)
		}
		if allergy.HasAllergy {
			warnings = append(warnings, fmt.Sprintf("%s\n\nSeverity: %s", allergy.Message, strings.ToUpper(string(allergy.Severity))))
		}
	}

	existing, err := b.schedule.ListDoses(ctx, uid)
	if err != nil {
		return dbtypes.ScheduledDose{}, fmt.Errorf("while listing schedule: %w", err)
	}
	interactionWarnings, err := b.checkInteractions(ctx, sess, req, existing)
	if err != nil {
		return dbtypes.ScheduledDose{}, err
	}
	warnings = append(warnings, interactionWarnings...)

	if len(warnings) > 0 && !req.Confirmed {
		return dbtypes.ScheduledDose{}, &ConfirmationRequiredError{Warnings: warnings}
	}

	dose := dbtypes.ScheduledDose{
		MedName: req.MedName,
		Dose:    req.Dose,
		Time:    req.Time,
		Enabled: true,
	}
	dose.ID, err = b.schedule.AddDose(ctx, uid, dose)
	if err != nil {
		return dbtypes.ScheduledDose{}, fmt.Errorf("while adding dose: %w", err)
	}
	sess.ClearBlock()
	slog.InfoContext(ctx, "Added dose", slog.String("uid", uid), slog.String("dose", dose.ID), slog.String("time", dose.Time))
	return dose, nil
}

// checkInteractions checks req against every enabled dose, returning the
// warnings in schedule order, or the first (in schedule order) interaction
// that rules req out.
func (b *Book) checkInteractions(ctx context.Context, sess *session.Session, req DoseRequest, existing []dbtypes.ScheduledDose) ([]string, error) {
	results := make([]*safety.InteractionResult, len(existing))
	sem := semaphore.NewWeighted(b.maxParallel)
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range existing {
		if !d.Enabled {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		i, d := i, d
		g.Go(func() error {
			defer sem.Release(1)
			r := b.checker.CheckInteraction(gctx, sess, safety.InteractionQuery{
				Medication1: req.MedName,
				Medication2: d.MedName,
				Time1:       req.Time,
				Time2:       d.Time,
			})
			results[i] = &r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var warnings []string
	for i, r := range results {
		if r == nil {
			continue
		}
		d := existing[i]
		if !r.CanTakeTogether || r.Recommendation == safety.Avoid {
			return nil, &InteractionError{Medication: req.MedName, Existing: d.MedName, Message: r.Message}
		}
		if r.Recommendation == safety.SpaceHours && r.TimeGapRequired > 0 {
			warnings = append(warnings, fmt.Sprintf("%s\n\nYou need at least %g hours between %q and %q.", r.Message, r.TimeGapRequired, req.MedName, d.MedName))
		}
	}
	return warnings, nil
}

// Update edits the name, dose and time of a dose.  Edits are not re-checked.
func (b *Book) Update(ctx context.Context, sess *session.Session, id string, req DoseRequest) error {
	uid, err := uidOf(sess)
	if err != nil {
		return err
	}
	req, err = req.validate()
	if err != nil {
		return err
	}
	if err := b.schedule.UpdateDose(ctx, uid, id, req.MedName, req.Dose, req.Time); err != nil {
		return fmt.Errorf("while updating dose %s: %w", id, err)
	}
	return nil
}

func (b *Book) SetEnabled(ctx context.Context, sess *session.Session, id string, enabled bool) error {
	uid, err := uidOf(sess)
	if err != nil {
		return err
	}
	if err := b.schedule.SetDoseEnabled(ctx, uid, id, enabled); err != nil {
		return fmt.Errorf("while toggling dose %s: %w", id, err)
	}
	return nil
}

func (b *Book) Delete(ctx context.Context, sess *session.Session, id string) error {
	uid, err := uidOf(sess)
	if err != nil {
		return err
	}
	if err := b.schedule.DeleteDose(ctx, uid, id); err != nil {
		return fmt.Errorf("while deleting dose %s: %w", id, err)
	}
	return nil
}
