package dblayer

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pillmate/dbtypes"

	"cloud.google.com/go/firestore"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

// newEmulatorDB connects to the Firestore emulator, skipping the test when
// none is running.  Each test gets its own user ID, so tests can share a
// project.
func newEmulatorDB(t *testing.T) (*DB, string) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "pillmate-test")
	if err != nil {
		t.Fatalf("Unexpected error creating client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return New(client, ""), "user-" + uuid.NewString()
}

func TestPrimaryDevicePIN(t *testing.T) {
	ctx := context.Background()
	db, uid := newEmulatorDB(t)

	pin, err := db.PrimaryDevicePIN(ctx, uid)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pin != "" {
		t.Errorf("Got %q for a user without devices, want empty", pin)
	}

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := db.RecordDeviceLink(ctx, uid, "222222", base.Add(time.Hour)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := db.RecordDeviceLink(ctx, uid, "111111", base); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if pin, err = db.PrimaryDevicePIN(ctx, uid); err != nil || pin != "111111" {
		t.Errorf("Got (%q, %v), want earliest linked 111111", pin, err)
	}

	if err := db.SetPrimaryDevice(ctx, uid, "222222"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pin, err = db.PrimaryDevicePIN(ctx, uid); err != nil || pin != "222222" {
		t.Errorf("Got (%q, %v), want explicit primary 222222", pin, err)
	}

	if err := db.SetPrimaryDevice(ctx, uid, "999999"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pin, err = db.PrimaryDevicePIN(ctx, uid); err != nil || pin != "111111" {
		t.Errorf("Got (%q, %v), want fallback to 111111 for an unlinked primary", pin, err)
	}
}

func TestAllergies(t *testing.T) {
	ctx := context.Background()
	db, uid := newEmulatorDB(t)

	got, err := db.Allergies(ctx, uid)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Got %v for a new user, want none", got)
	}

	if err := db.SetAllergies(ctx, uid, []string{"penicillin", "sulfa"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got, err = db.Allergies(ctx, uid)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, []string{"penicillin", "sulfa"}); diff != "" {
		t.Errorf("Bad allergies; diff (-got +want)\n%s", diff)
	}
}

func TestScheduleCRUD(t *testing.T) {
	ctx := context.Background()
	db, uid := newEmulatorDB(t)

	late, err := db.AddDose(ctx, uid, dbtypes.ScheduledDose{MedName: "Iron", Dose: "1", Time: "21:00", Enabled: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	early, err := db.AddDose(ctx, uid, dbtypes.ScheduledDose{MedName: "Aspirin", Dose: "1", Time: "07:30", Enabled: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := db.UpdateDose(ctx, uid, early, "Aspirin", "2", "07:45"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := db.SetDoseEnabled(ctx, uid, late, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := db.SetDoseEnabled(ctx, uid, "missing", false); !errors.Is(err, ErrDoseNotFound) {
		t.Errorf("Got %v, want ErrDoseNotFound", err)
	}

	doses, err := db.ListDoses(ctx, uid)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []dbtypes.ScheduledDose{
		{ID: early, MedName: "Aspirin", Dose: "2", Time: "07:45", Enabled: true},
		{ID: late, MedName: "Iron", Dose: "1", Time: "21:00", Enabled: false},
	}
	if diff := cmp.Diff(doses, want, cmpopts.IgnoreFields(dbtypes.ScheduledDose{}, "CreatedAt")); diff != "" {
		t.Errorf("Bad schedule; diff (-got +want)\n%s", diff)
	}
	for _, d := range doses {
		if d.CreatedAt.IsZero() {
			t.Errorf("Dose %s has no server timestamp", d.ID)
		}
	}

	if err := db.DeleteDose(ctx, uid, late); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if doses, err = db.ListDoses(ctx, uid); err != nil || len(doses) != 1 {
		t.Errorf("Got (%d doses, %v) after delete, want 1", len(doses), err)
	}
}

func TestLinkedDevices(t *testing.T) {
	ctx := context.Background()
	db, uid := newEmulatorDB(t)

	if err := db.RecordDeviceLink(ctx, uid, "123456", time.Now()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	devices, err := db.LinkedDevices(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	found := false
	for _, d := range devices {
		if d.UID == uid && d.PIN == "123456" && d.Link.Model == dbtypes.DeviceModel {
			found = true
		}
	}
	if !found {
		t.Errorf("Linked device of %s not listed in %+v", uid, devices)
	}
}
