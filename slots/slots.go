// Package slots reads and edits the seven-slot inventory of a device.
package slots

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pillmate/dbtypes"
	"pillmate/rtdb"
)

var (
	ErrInvalidPIN        = errors.New("PIN must be exactly 6 digits")
	ErrInvalidCount      = errors.New("pill count must not be negative")
	ErrInvalidSlotNumber = errors.New("slot number must be between 1 and 7")
)

var pinPattern = regexp.MustCompile(`^\d{6}$`)

// ValidPIN reports whether pin is a well-formed device PIN.
func ValidPIN(pin string) bool {
	return pinPattern.MatchString(pin)
}

// DevicePath is the realtime tree path of a device record.
func DevicePath(pin string) string {
	return rtdb.Join("devices", pin)
}

func slotsPath(pin string) string {
	return rtdb.Join("devices", pin, "slots")
}

func slotPath(pin string, n int) string {
	return rtdb.Join("devices", pin, "slots", strconv.Itoa(n))
}

// Inventory is a device's slots ordered by slot number; Inventory[0] is slot 1.
type Inventory [dbtypes.SlotCount]dbtypes.Slot

// DefaultInventory is seven empty slots.
func DefaultInventory() Inventory {
	var inv Inventory
	for i := range inv {
		inv[i] = dbtypes.DefaultSlot(i + 1)
	}
	return inv
}

// FromMap orders m into an Inventory, using defaults for missing slots.
// Entries outside 1..7 are ignored.
func FromMap(m dbtypes.SlotMap) Inventory {
	inv := DefaultInventory()
	for n, s := range m {
		if n < 1 || n > dbtypes.SlotCount {
			continue
		}
		inv[n-1] = s
	}
	return inv
}

// Map converts the inventory to its stored form.
func (inv Inventory) Map() dbtypes.SlotMap {
	m := make(dbtypes.SlotMap, len(inv))
	for _, s := range inv {
		m[s.SlotNumber] = s
	}
	return m
}

type Status string

const (
	StatusOK    Status = "ok"
	StatusLow   Status = "low"
	StatusEmpty Status = "empty"
)

// StatusOf derives a slot's stock status.  Empty wins over Low when the
// threshold is zero.
func StatusOf(s dbtypes.Slot) Status {
	switch {
	case s.PillCount <= 0:
		return StatusEmpty
	case s.PillCount <= s.LowThreshold:
		return StatusLow
	default:
		return StatusOK
	}
}

// SlotEdit is the user-editable part of a slot.
type SlotEdit struct {
	MedicationName string
	PillCount      int
}

type Store struct {
	rt  rtdb.Store
	now func() time.Time
}

type StoreOpt func(*Store)

// WithClock overrides the time source used for lastRefilled.
func WithClock(now func() time.Time) StoreOpt {
	return func(s *Store) {
		s.now = now
	}
}

func New(rt rtdb.Store, opts ...StoreOpt) *Store {
	s := &Store{
		rt:  rt,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var errUnchanged = errors.New("unchanged")

// LoadSlots returns all seven slots of a device.  If the device has no slots
// at all, the defaults are persisted first.  Individually missing slots are
// filled in the returned value only.
func (s *Store) LoadSlots(ctx context.Context, pin string) (Inventory, error) {
	if !ValidPIN(pin) {
		return Inventory{}, ErrInvalidPIN
	}

	snap, err := s.rt.Get(ctx, slotsPath(pin))
	if err != nil {
		return Inventory{}, fmt.Errorf("while reading slots of %s: %w", pin, err)
	}

	if !snap.Exists {
		var persisted dbtypes.SlotMap
		err := s.rt.Transact(ctx, slotsPath(pin), func(cur rtdb.Snapshot) (interface{}, error) {
			if cur.Exists {
				// Someone else initialized the slots first; keep theirs.
				persisted = dbtypes.SlotMap{}
				if err := cur.Decode(&persisted); err != nil {
					return nil, err
				}
				return nil, errUnchanged
			}
			persisted = nil
			return DefaultInventory().Map(), nil
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			return Inventory{}, fmt.Errorf("while initializing slots of %s: %w", pin, err)
		}
		return FromMap(persisted), nil
	}

	m := dbtypes.SlotMap{}
	if err := snap.Decode(&m); err != nil {
		return Inventory{}, err
	}
	return FromMap(m), nil
}

// WatchSlots streams the full inventory every time any slot changes.
func (s *Store) WatchSlots(ctx context.Context, pin string) (*rtdb.Stream[Inventory], error) {
	if !ValidPIN(pin) {
		return nil, ErrInvalidPIN
	}

	sub, err := s.rt.Watch(ctx, slotsPath(pin))
	if err != nil {
		return nil, fmt.Errorf("while watching slots of %s: %w", pin, err)
	}
	return rtdb.NewStream(sub, func(snap rtdb.Snapshot) (Inventory, error) {
		if !snap.Exists {
			return DefaultInventory(), nil
		}
		m := dbtypes.SlotMap{}
		if err := snap.Decode(&m); err != nil {
			return Inventory{}, err
		}
		return FromMap(m), nil
	}), nil
}

// UpdateSlot saves the user-editable fields of one slot.  Capacity and
// threshold are left as they are.
func (s *Store) UpdateSlot(ctx context.Context, pin string, n int, edit SlotEdit) error {
	if !ValidPIN(pin) {
		return ErrInvalidPIN
	}
	if n < 1 || n > dbtypes.SlotCount {
		return ErrInvalidSlotNumber
	}
	if edit.PillCount < 0 {
		return ErrInvalidCount
	}

	update := map[string]interface{}{
		"pillCount":      edit.PillCount,
		"medicationName": nil,
		"lastRefilled":   nil,
	}
	if name := strings.TrimSpace(edit.MedicationName); name != "" {
		update["medicationName"] = name
		update["lastRefilled"] = s.now().UTC().Format(time.RFC3339)
	}

	if err := s.rt.Update(ctx, slotPath(pin, n), update); err != nil {
		return fmt.Errorf("while saving slot %d of %s: %w", n, pin, err)
	}
	return nil
}

// EnsureSlots makes sure all seven slots exist.  With reset, every slot is
// overwritten with its default; otherwise only missing slots are written.
func (s *Store) EnsureSlots(ctx context.Context, pin string, reset bool) error {
	if !ValidPIN(pin) {
		return ErrInvalidPIN
	}

	if reset {
		if err := s.rt.Set(ctx, slotsPath(pin), DefaultInventory().Map()); err != nil {
			return fmt.Errorf("while resetting slots of %s: %w", pin, err)
		}
		return nil
	}

	err := s.rt.Transact(ctx, slotsPath(pin), func(cur rtdb.Snapshot) (interface{}, error) {
		existing, err := children(cur)
		if err != nil {
			return nil, err
		}

		missing := false
		for n := 1; n <= dbtypes.SlotCount; n++ {
			if _, ok := existing[strconv.Itoa(n)]; !ok {
				existing[strconv.Itoa(n)] = dbtypes.DefaultSlot(n)
				missing = true
			}
		}
		if !missing {
			return nil, errUnchanged
		}
		return existing, nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return fmt.Errorf("while initializing slots of %s: %w", pin, err)
	}
	return nil
}

// children decodes a snapshot into its child nodes, keeping unknown fields
// written by firmware.  Arrays are keyed by index.
func children(snap rtdb.Snapshot) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if !snap.Exists {
		return out, nil
	}
	var v interface{}
	if err := snap.Decode(&v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return t, nil
	case []interface{}:
		for i, child := range t {
			if child != nil {
				out[strconv.Itoa(i)] = child
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s holds a %T, not an object", snap.Path, v)
	}
}
