// Package dispense issues dispense and motor commands to a user's device,
// gated by the allergy check.
package dispense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pillmate/dbtypes"
	"pillmate/pairing"
	"pillmate/rtdb"
	"pillmate/safety"
	"pillmate/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Angle the motor is turned when a dose reminder fires.
const ReminderRotateAngle = 45

const defaultBlockReason = "This medication may cause an allergic reaction. Dispense blocked for your safety."

var (
	ErrNoDeviceLinked = pairing.ErrNoDeviceLinked
	ErrDeviceOffline  = errors.New("could not trigger dispense, make sure device is online")
)

// BlockedError is returned when a safety check stops a dispense.  Nothing is
// written to the device.
type BlockedError struct {
	Medication string
	Reason     string
}

func (e *BlockedError) Error() string {
	if e.Medication == "" {
		return "dispense blocked: " + e.Reason
	}
	return fmt.Sprintf("dispense of %s blocked: %s", e.Medication, e.Reason)
}

// DeviceLocator finds the device a user's commands go to.
type DeviceLocator interface {
	PrimaryDevice(ctx context.Context, sess *session.Session) (string, error)
}

// AllergySource reads a user's recorded allergies.
type AllergySource interface {
	Allergies(ctx context.Context, uid string) ([]string, error)
}

type AllergyChecker interface {
	CheckAllergy(ctx context.Context, sess *session.Session, medication string, allergies []string) safety.AllergyResult
}

type Coordinator struct {
	rt        rtdb.Store
	devices   DeviceLocator
	allergies AllergySource
	checker   AllergyChecker
	now       func() time.Time
}

type CoordinatorOpt func(*Coordinator)

func WithClock(now func() time.Time) CoordinatorOpt {
	return func(c *Coordinator) {
		c.now = now
	}
}

func New(rt rtdb.Store, devices DeviceLocator, allergies AllergySource, checker AllergyChecker, opts ...CoordinatorOpt) *Coordinator {
	c := &Coordinator{
		rt:        rt,
		devices:   devices,
		allergies: allergies,
		checker:   checker,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dispensePath(pin string) string {
	return rtdb.Join("devices", pin, "dispense")
}

func motorPath(pin string) string {
	return rtdb.Join("devices", pin, "motorRotate")
}

// NextDose returns the first enabled dose, which is the one a dispense is for.
func NextDose(doses []dbtypes.ScheduledDose) (dbtypes.ScheduledDose, bool) {
	for _, d := range doses {
		if d.Enabled {
			return d, true
		}
	}
	return dbtypes.ScheduledDose{}, false
}

// ManualDispense asks the user's device to dispense the next dose now.
func (c *Coordinator) ManualDispense(ctx context.Context, sess *session.Session, doses []dbtypes.ScheduledDose) error {
	tracer := otel.Tracer("pillmate/dispense")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Coordinator.ManualDispense")
	defer span.End()

	pin, err := c.devices.PrimaryDevice(ctx, sess)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("pin", pin))

	if err := c.gate(ctx, sess, doses); err != nil {
		return err
	}
	return c.issue(ctx, pin)
}

// AutoDispense runs when a dose reminder fires.  It turns the motor, then
// dispenses through the same safety gate as ManualDispense.  Gate outcomes are
// logged, not surfaced to the user.
func (c *Coordinator) AutoDispense(ctx context.Context, sess *session.Session, doses []dbtypes.ScheduledDose) error {
	tracer := otel.Tracer("pillmate/dispense")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Coordinator.AutoDispense")
	defer span.End()

	pin, err := c.devices.PrimaryDevice(ctx, sess)
	if err != nil {
		slog.InfoContext(ctx, "No device for auto-dispense", slog.String("uid", sess.UID()), slog.Any("err", err))
		return err
	}
	span.SetAttributes(attribute.String("pin", pin))

	if err := c.rotate(ctx, pin, ReminderRotateAngle); err != nil {
		slog.ErrorContext(ctx, "Motor rotation failed; continuing with dispense", slog.String("pin", pin), slog.Any("err", err))
	}

	if err := c.gate(ctx, sess, doses); err != nil {
		slog.WarnContext(ctx, "Auto-dispense blocked", slog.String("pin", pin), slog.Any("err", err))
		return err
	}
	if err := c.issue(ctx, pin); err != nil {
		slog.ErrorContext(ctx, "Auto-dispense failed", slog.String("pin", pin), slog.Any("err", err))
		return err
	}
	slog.InfoContext(ctx, "Auto-dispense triggered", slog.String("pin", pin))
	return nil
}

// Rotate asks the user's device to turn its motor by angle degrees.
func (c *Coordinator) Rotate(ctx context.Context, sess *session.Session, angle int) error {
	pin, err := c.devices.PrimaryDevice(ctx, sess)
	if err != nil {
		return err
	}
	return c.rotate(ctx, pin, angle)
}

func (c *Coordinator) rotate(ctx context.Context, pin string, angle int) error {
	cmd := dbtypes.MotorCommand{
		Angle:     angle,
		Timestamp: c.now().UnixMilli(),
		Executed:  false,
	}
	if err := c.rt.Set(ctx, motorPath(pin), cmd); err != nil {
		return fmt.Errorf("while sending rotation to device %s: %w", pin, err)
	}
	slog.InfoContext(ctx, "Sent motor rotation", slog.String("pin", pin), slog.Int("angle", angle))
	return nil
}

// Acknowledge clears a consumed dispense command.  Device firmware (or the
// simulator) calls it once the dose is out.
func (c *Coordinator) Acknowledge(ctx context.Context, pin string) error {
	if err := c.rt.Set(ctx, dispensePath(pin), false); err != nil {
		return fmt.Errorf("while clearing dispense on device %s: %w", pin, err)
	}
	return nil
}

// gate returns a *BlockedError if the dispense must not happen.
func (c *Coordinator) gate(ctx context.Context, sess *session.Session, doses []dbtypes.ScheduledDose) error {
	if reason, blocked := sess.Blocked(); blocked {
		if reason == "" {
			reason = defaultBlockReason
		}
		return &BlockedError{Reason: reason}
	}

	dose, ok := NextDose(doses)
	if !ok {
		return nil
	}

	allergies, err := c.allergies.Allergies(ctx, sess.UID())
	if err != nil {
		slog.ErrorContext(ctx, "Could not read allergies; dispensing without allergy check", slog.String("uid", sess.UID()), slog.Any("err", err))
		return nil
	}
	if len(allergies) == 0 {
		return nil
	}

	result := c.checker.CheckAllergy(ctx, sess, dose.MedName, allergies)
	if result.Blocks() {
		return &BlockedError{Medication: dose.MedName, Reason: result.Message}
	}
	return nil
}

func (c *Coordinator) issue(ctx context.Context, pin string) error {
	if err := c.rt.Set(ctx, dispensePath(pin), true); err != nil {
		return fmt.Errorf("%w: device %s: %w", ErrDeviceOffline, pin, err)
	}
	return nil
}
