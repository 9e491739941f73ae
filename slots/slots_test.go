package slots

import (
	"context"
	"errors"
	"testing"
	"time"

	"pillmate/dbtypes"
	"pillmate/rtdb/memstore"

	"github.com/google/go-cmp/cmp"
)

const pin = "123456"

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*memstore.Store, *Store) {
	t.Helper()
	rt := memstore.New()
	return rt, New(rt, WithClock(func() time.Time { return fixedNow }))
}

func checkSlotNumbers(t *testing.T, inv Inventory) {
	t.Helper()
	for i, s := range inv {
		if s.SlotNumber != i+1 {
			t.Errorf("Slot at index %d has number %d", i, s.SlotNumber)
		}
	}
}

func TestLoadSlotsAlwaysSeven(t *testing.T) {
	ctx := context.Background()

	t.Run("absent record is persisted", func(t *testing.T) {
		rt, s := newTestStore(t)
		inv, err := s.LoadSlots(ctx, pin)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if diff := cmp.Diff(inv, DefaultInventory()); diff != "" {
			t.Errorf("Bad inventory; diff (-got +want)\n%s", diff)
		}

		snap, err := rt.Get(ctx, "devices/123456/slots")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		stored := dbtypes.SlotMap{}
		if err := snap.Decode(&stored); err != nil {
			t.Fatalf("Defaults were not persisted: %v", err)
		}
		if len(stored) != dbtypes.SlotCount {
			t.Errorf("Persisted %d slots, want %d", len(stored), dbtypes.SlotCount)
		}
	})

	t.Run("partial record is gap-filled in memory only", func(t *testing.T) {
		rt, s := newTestStore(t)
		if err := rt.Set(ctx, "devices/123456/slots/3", map[string]interface{}{
			"slotNumber": 3, "medicationName": "Aspirin", "pillCount": 12, "maxCapacity": 60, "lowThreshold": 5,
		}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		inv, err := s.LoadSlots(ctx, pin)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		checkSlotNumbers(t, inv)
		want := dbtypes.Slot{SlotNumber: 3, MedicationName: "Aspirin", PillCount: 12, MaxCapacity: 60, LowThreshold: 5}
		if diff := cmp.Diff(inv[2], want); diff != "" {
			t.Errorf("Bad slot 3; diff (-got +want)\n%s", diff)
		}

		snap, err := rt.Get(ctx, "devices/123456/slots/1")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if snap.Exists {
			t.Errorf("Gap-fill was persisted")
		}
	})

	t.Run("full record", func(t *testing.T) {
		rt, s := newTestStore(t)
		full := DefaultInventory()
		full[6].PillCount = 40
		if err := rt.Set(ctx, "devices/123456/slots", full.Map()); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		inv, err := s.LoadSlots(ctx, pin)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if diff := cmp.Diff(inv, full); diff != "" {
			t.Errorf("Bad inventory; diff (-got +want)\n%s", diff)
		}
	})
}

func TestUpdateSlot(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestStore(t)

	if err := s.EnsureSlots(ctx, pin, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := rt.Update(ctx, "devices/123456/slots/2", map[string]interface{}{"maxCapacity": 30, "lowThreshold": 3}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := s.UpdateSlot(ctx, pin, 2, SlotEdit{MedicationName: "  Metformin ", PillCount: 20}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	inv, err := s.LoadSlots(ctx, pin)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	refilled := fixedNow
	want := dbtypes.Slot{SlotNumber: 2, MedicationName: "Metformin", PillCount: 20, MaxCapacity: 30, LowThreshold: 3, LastRefilled: &refilled}
	if diff := cmp.Diff(inv[1], want); diff != "" {
		t.Errorf("Bad slot after save; diff (-got +want)\n%s", diff)
	}

	// A whitespace name unassigns the slot and clears lastRefilled.
	if err := s.UpdateSlot(ctx, pin, 2, SlotEdit{MedicationName: "   ", PillCount: 0}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	inv, err = s.LoadSlots(ctx, pin)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want = dbtypes.Slot{SlotNumber: 2, MaxCapacity: 30, LowThreshold: 3}
	if diff := cmp.Diff(inv[1], want); diff != "" {
		t.Errorf("Bad slot after clear; diff (-got +want)\n%s", diff)
	}
}

func TestUpdateSlotRejectsNegativeCount(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestStore(t)
	if err := s.UpdateSlot(ctx, pin, 3, SlotEdit{MedicationName: "Aspirin", PillCount: 5}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	before, err := rt.Get(ctx, "devices/123456/slots/3")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	err = s.UpdateSlot(ctx, pin, 3, SlotEdit{MedicationName: "Aspirin", PillCount: -1})
	if !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("Got %v, want ErrInvalidCount", err)
	}

	after, err := rt.Get(ctx, "devices/123456/slots/3")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(string(after.Raw), string(before.Raw)); diff != "" {
		t.Errorf("Stored slot changed; diff (-got +want)\n%s", diff)
	}
}

func TestUpdateSlotValidation(t *testing.T) {
	ctx := context.Background()
	_, s := newTestStore(t)

	if err := s.UpdateSlot(ctx, pin, 0, SlotEdit{}); !errors.Is(err, ErrInvalidSlotNumber) {
		t.Errorf("Slot 0: got %v, want ErrInvalidSlotNumber", err)
	}
	if err := s.UpdateSlot(ctx, pin, 8, SlotEdit{}); !errors.Is(err, ErrInvalidSlotNumber) {
		t.Errorf("Slot 8: got %v, want ErrInvalidSlotNumber", err)
	}
	if err := s.UpdateSlot(ctx, "12345", 1, SlotEdit{}); !errors.Is(err, ErrInvalidPIN) {
		t.Errorf("Short PIN: got %v, want ErrInvalidPIN", err)
	}
}

func TestStatusOf(t *testing.T) {
	testCases := []struct {
		count, threshold int
		want             Status
	}{
		{0, 10, StatusEmpty},
		{1, 10, StatusLow},
		{10, 10, StatusLow},
		{11, 10, StatusOK},
		{0, 0, StatusEmpty},
		{1, 0, StatusOK},
	}
	for _, tc := range testCases {
		got := StatusOf(dbtypes.Slot{PillCount: tc.count, LowThreshold: tc.threshold})
		if got != tc.want {
			t.Errorf("StatusOf(count=%d, threshold=%d) = %v, want %v", tc.count, tc.threshold, got, tc.want)
		}
	}
}

func TestEnsureSlots(t *testing.T) {
	ctx := context.Background()

	t.Run("preserve keeps existing inventory and firmware fields", func(t *testing.T) {
		rt, s := newTestStore(t)
		if err := rt.Set(ctx, "devices/123456/slots/5", map[string]interface{}{
			"slotNumber": 5, "medicationName": "Aspirin", "pillCount": 33, "maxCapacity": 100, "lowThreshold": 10, "sensor": "ok",
		}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if err := s.EnsureSlots(ctx, pin, false); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		snap, err := rt.Get(ctx, "devices/123456/slots/5/sensor")
		if err != nil || !snap.Exists {
			t.Errorf("Firmware field lost: %v", err)
		}
		inv, err := s.LoadSlots(ctx, pin)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if inv[4].PillCount != 33 {
			t.Errorf("Slot 5 pill count = %d, want 33", inv[4].PillCount)
		}
		snap, err = rt.Get(ctx, "devices/123456/slots/1")
		if err != nil || !snap.Exists {
			t.Errorf("Missing slot 1 was not written: %v", err)
		}
	})

	t.Run("reset overwrites", func(t *testing.T) {
		rt, s := newTestStore(t)
		if err := rt.Set(ctx, "devices/123456/slots/5/pillCount", 33); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := s.EnsureSlots(ctx, pin, true); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		inv, err := s.LoadSlots(ctx, pin)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if diff := cmp.Diff(inv, DefaultInventory()); diff != "" {
			t.Errorf("Bad inventory after reset; diff (-got +want)\n%s", diff)
		}
	})
}

func TestWatchSlots(t *testing.T) {
	ctx := context.Background()
	_, s := newTestStore(t)

	st, err := s.WatchSlots(ctx, pin)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer st.Stop()

	next := func() Inventory {
		t.Helper()
		select {
		case inv := <-st.C:
			return inv
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for inventory")
		}
		return Inventory{}
	}

	if diff := cmp.Diff(next(), DefaultInventory()); diff != "" {
		t.Errorf("Bad initial inventory; diff (-got +want)\n%s", diff)
	}

	if err := s.UpdateSlot(ctx, pin, 7, SlotEdit{MedicationName: "Aspirin", PillCount: 2}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	inv := next()
	checkSlotNumbers(t, inv)
	if inv[6].MedicationName != "Aspirin" || inv[6].PillCount != 2 {
		t.Errorf("Bad slot 7: %+v", inv[6])
	}

	st.Stop()
	if _, ok := <-st.C; ok {
		t.Errorf("Stream delivered after Stop")
	}
}
