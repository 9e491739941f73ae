// Package pairing brokers the claim of a dispensing device, identified by the
// PIN on its screen, by a signed-in user.
//
// The claim itself is one transaction on devices/{pin}.  The writes derived
// from it (the user's link record and the slot inventory) follow, and are
// idempotent: linking a device you already own re-runs them, so a retry after
// a partial failure converges.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"pillmate/dbtypes"
	"pillmate/rtdb"
	"pillmate/session"
	"pillmate/slots"

	"github.com/google/uuid"
)

var (
	ErrInvalidPIN           = slots.ErrInvalidPIN
	ErrNotSignedIn          = errors.New("not signed in")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrAlreadyLinkedToOther = errors.New("device is already linked to another account")
	ErrNotReady             = errors.New("device is not ready to pair")
	ErrNoDeviceLinked       = errors.New("no device linked")
	ErrNotOwner             = errors.New("device is not linked to this account")
)

// Returned from the claim transaction to abort it when the caller already
// owns the device.
var errAlreadyOwned = errors.New("already owned by caller")

// SlotInit chooses what a fresh link does to a device's existing inventory.
type SlotInit int

const (
	// Only write slots that are missing.
	SlotInitPreserve SlotInit = iota
	// Overwrite all seven slots with empty defaults.
	SlotInitReset
)

// Links is the document-store side of pairing.
type Links interface {
	RecordDeviceLink(ctx context.Context, uid, pin string, linkedAt time.Time) error
	PrimaryDevicePIN(ctx context.Context, uid string) (string, error)
}

type Registry struct {
	rt    rtdb.Store
	slots *slots.Store
	links Links

	slotInit   SlotInit
	now        func() time.Time
	newClaimID func() string
}

type RegistryOpt func(*Registry)

func WithSlotInit(policy SlotInit) RegistryOpt {
	return func(r *Registry) {
		r.slotInit = policy
	}
}

func WithClock(now func() time.Time) RegistryOpt {
	return func(r *Registry) {
		r.now = now
	}
}

func New(rt rtdb.Store, slotStore *slots.Store, links Links, opts ...RegistryOpt) *Registry {
	r := &Registry{
		rt:         rt,
		slots:      slotStore,
		links:      links,
		slotInit:   SlotInitPreserve,
		now:        time.Now,
		newClaimID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindWaitingDevices streams the sorted PINs of every device currently in
// pairing mode.
func (r *Registry) FindWaitingDevices(ctx context.Context) (*rtdb.Stream[[]string], error) {
	sub, err := r.rt.Watch(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("while watching devices: %w", err)
	}
	return rtdb.NewStream(sub, waitingPINs), nil
}

func waitingPINs(snap rtdb.Snapshot) ([]string, error) {
	pins := []string{}
	if !snap.Exists {
		return pins, nil
	}
	devices := map[string]struct {
		Status dbtypes.DeviceStatus `json:"status"`
	}{}
	if err := snap.Decode(&devices); err != nil {
		return nil, err
	}
	for pin, d := range devices {
		if slots.ValidPIN(pin) && d.Status == dbtypes.StatusWaitingForPair {
			pins = append(pins, pin)
		}
	}
	sort.Strings(pins)
	return pins, nil
}

// LinkDevice claims the device showing pin for the session's user.
func (r *Registry) LinkDevice(ctx context.Context, sess *session.Session, pin string) error {
	if !slots.ValidPIN(pin) {
		return ErrInvalidPIN
	}
	uid, email := sess.UID(), sess.Email()
	if uid == "" {
		return ErrNotSignedIn
	}

	var linkedAt time.Time
	err := r.rt.Transact(ctx, slots.DevicePath(pin), func(cur rtdb.Snapshot) (interface{}, error) {
		if !cur.Exists {
			return nil, ErrDeviceNotFound
		}

		device := map[string]interface{}{}
		if err := cur.Decode(&device); err != nil {
			return nil, fmt.Errorf("while decoding device record: %w", err)
		}
		status, _ := device["status"].(string)
		owner, _ := device["ownerUid"].(string)

		switch dbtypes.DeviceStatus(status) {
		case dbtypes.StatusLinked:
			if owner != uid {
				return nil, ErrAlreadyLinkedToOther
			}
			linkedAt = r.now()
			if s, ok := device["linkedAt"].(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					linkedAt = t
				}
			}
			return nil, errAlreadyOwned
		case dbtypes.StatusWaitingForPair:
		default:
			return nil, fmt.Errorf("%w: status is %q", ErrNotReady, status)
		}

		linkedAt = r.now().UTC()
		device["status"] = string(dbtypes.StatusLinked)
		device["ownerUid"] = uid
		device["ownerEmail"] = email
		device["linkedAt"] = linkedAt.Format(time.RFC3339)
		device["claimId"] = r.newClaimID()
		return device, nil
	})

	fresh := true
	switch {
	case errors.Is(err, errAlreadyOwned):
		fresh = false
		slog.InfoContext(ctx, "Device already linked to caller; converging derived records", slog.String("pin", pin), slog.String("uid", uid))
	case err != nil:
		return fmt.Errorf("while claiming device %s: %w", pin, err)
	default:
		slog.InfoContext(ctx, "Claimed device", slog.String("pin", pin), slog.String("uid", uid))
	}

	if err := r.links.RecordDeviceLink(ctx, uid, pin, linkedAt); err != nil {
		return fmt.Errorf("while recording link of device %s: %w", pin, err)
	}

	reset := fresh && r.slotInit == SlotInitReset
	if err := r.slots.EnsureSlots(ctx, pin, reset); err != nil {
		return fmt.Errorf("while initializing slots of device %s: %w", pin, err)
	}

	return nil
}

// Device reads the record of the device showing pin.
func (r *Registry) Device(ctx context.Context, pin string) (dbtypes.Device, error) {
	if !slots.ValidPIN(pin) {
		return dbtypes.Device{}, ErrInvalidPIN
	}
	snap, err := r.rt.Get(ctx, slots.DevicePath(pin))
	if err != nil {
		return dbtypes.Device{}, fmt.Errorf("while reading device %s: %w", pin, err)
	}
	if !snap.Exists {
		return dbtypes.Device{}, ErrDeviceNotFound
	}
	device := dbtypes.Device{}
	if err := snap.Decode(&device); err != nil {
		return dbtypes.Device{}, fmt.Errorf("while decoding device %s: %w", pin, err)
	}
	return device, nil
}

// CheckOwner returns nil if uid owns the device.
func (r *Registry) CheckOwner(ctx context.Context, uid, pin string) error {
	device, err := r.Device(ctx, pin)
	if err != nil {
		return err
	}
	if device.Status != dbtypes.StatusLinked || device.OwnerUID != uid {
		return ErrNotOwner
	}
	return nil
}

// PrimaryDevice returns the PIN that dispense and motor commands for the
// session's user go to.
func (r *Registry) PrimaryDevice(ctx context.Context, sess *session.Session) (string, error) {
	uid := sess.UID()
	if uid == "" {
		return "", ErrNotSignedIn
	}
	pin, err := r.links.PrimaryDevicePIN(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("while looking up primary device: %w", err)
	}
	if pin == "" {
		return "", ErrNoDeviceLinked
	}
	return pin, nil
}
