// Package devicesim stands in for dispenser firmware: it puts a device into
// pairing mode and acts on the dispense and motor commands written to it.
package devicesim

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"pillmate/dbtypes"
	"pillmate/rtdb"
	"pillmate/slots"
)

// RandomPIN returns a random zero-padded six digit PIN.
func RandomPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("while generating PIN: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Register puts the device into pairing mode, as firmware does on boot when
// it has no owner.  A linked device is left alone.
func Register(ctx context.Context, rt rtdb.Store, pin string) error {
	if !slots.ValidPIN(pin) {
		return slots.ErrInvalidPIN
	}
	err := rt.Transact(ctx, slots.DevicePath(pin), func(cur rtdb.Snapshot) (interface{}, error) {
		device := map[string]interface{}{}
		if cur.Exists {
			if err := cur.Decode(&device); err != nil {
				return nil, fmt.Errorf("while decoding device record: %w", err)
			}
		}
		if device["status"] == string(dbtypes.StatusLinked) {
			return device, nil
		}
		device["status"] = string(dbtypes.StatusWaitingForPair)
		return device, nil
	})
	if err != nil {
		return fmt.Errorf("while registering device %s: %w", pin, err)
	}
	return nil
}

// Aborts the dispense transaction when another reader got there first.
var errNoCommand = errors.New("no pending dispense")

// Device simulates one dispenser.
type Device struct {
	rt  rtdb.Store
	pin string

	// Called after each dispense with the slot a pill was taken from, or 0
	// if every slot was empty.
	OnDispense func(slot int)
}

func New(rt rtdb.Store, pin string) *Device {
	return &Device{
		rt:  rt,
		pin: pin,
	}
}

func decodeDevice(snap rtdb.Snapshot) (dbtypes.Device, error) {
	d := dbtypes.Device{}
	if !snap.Exists {
		return d, nil
	}
	err := snap.Decode(&d)
	return d, err
}

// Run acts on commands until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	sub, err := d.rt.Watch(ctx, slots.DevicePath(d.pin))
	if err != nil {
		return fmt.Errorf("while watching device %s: %w", d.pin, err)
	}
	stream := rtdb.NewStream(sub, decodeDevice)
	defer stream.Stop()

	slog.InfoContext(ctx, "Simulated device running", slog.String("pin", d.pin))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case device, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("device %s stream ended: %w", d.pin, err)
				}
				return ctx.Err()
			}
			if err := d.handle(ctx, device); err != nil {
				slog.ErrorContext(ctx, "Simulated device failed to act on command", slog.String("pin", d.pin), slog.Any("err", err))
			}
		}
	}
}

func (d *Device) handle(ctx context.Context, device dbtypes.Device) error {
	if device.MotorRotate != nil && !device.MotorRotate.Executed {
		slog.InfoContext(ctx, "Rotating motor", slog.String("pin", d.pin), slog.Int("angle", device.MotorRotate.Angle))
		if err := d.rt.Set(ctx, rtdb.Join("devices", d.pin, "motorRotate", "executed"), true); err != nil {
			return fmt.Errorf("while marking rotation executed: %w", err)
		}
	}
	if device.Dispense {
		return d.dispense(ctx)
	}
	return nil
}

// dispense takes one pill from the first stocked slot and clears the command
// in a single transaction.  The record is edited as a generic map so fields
// this package does not model are written back untouched.
func (d *Device) dispense(ctx context.Context) error {
	taken := 0
	err := d.rt.Transact(ctx, slots.DevicePath(d.pin), func(cur rtdb.Snapshot) (interface{}, error) {
		taken = 0
		if !cur.Exists {
			return nil, errNoCommand
		}
		raw := map[string]interface{}{}
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("while decoding device record: %w", err)
		}
		if pending, _ := raw["dispense"].(bool); !pending {
			return nil, errNoCommand
		}
		device, err := decodeDevice(cur)
		if err != nil {
			return nil, err
		}

		inv := slots.FromMap(device.Slots)
		for _, s := range inv {
			if s.MedicationName == "" || s.PillCount <= 0 {
				continue
			}
			if entry := slotEntry(raw["slots"], s.SlotNumber); entry != nil {
				entry["pillCount"] = s.PillCount - 1
				taken = s.SlotNumber
			}
			break
		}
		raw["dispense"] = false
		return raw, nil
	})
	if errors.Is(err, errNoCommand) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("while dispensing: %w", err)
	}

	if taken == 0 {
		slog.WarnContext(ctx, "Dispense requested but no slot is stocked", slog.String("pin", d.pin))
	} else {
		slog.InfoContext(ctx, "Dispensed", slog.String("pin", d.pin), slog.Int("slot", taken))
	}
	if d.OnDispense != nil {
		d.OnDispense(taken)
	}
	return nil
}

// slotEntry finds slot n in a decoded slots subtree, which the database may
// hand back as an object keyed by slot number or as an array.
func slotEntry(tree interface{}, n int) map[string]interface{} {
	switch t := tree.(type) {
	case map[string]interface{}:
		entry, _ := t[strconv.Itoa(n)].(map[string]interface{})
		return entry
	case []interface{}:
		if n < len(t) {
			entry, _ := t[n].(map[string]interface{})
			return entry
		}
	}
	return nil
}
