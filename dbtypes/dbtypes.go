// Package dbtypes holds the records persisted in the realtime tree (JSON) and
// the document store (Firestore).
package dbtypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type DeviceStatus string

const (
	// Written by firmware when the device is showing its PIN and waiting to be
	// claimed.
	StatusWaitingForPair DeviceStatus = "WAITING_FOR_PAIR"
	StatusLinked         DeviceStatus = "LINKED"
)

const (
	SlotCount = 7

	DefaultMaxCapacity  = 100
	DefaultLowThreshold = 10

	// Written into every user-device link record.
	DeviceModel = "M5Stack"
)

// Device is the record at devices/{pin} in the realtime tree.
type Device struct {
	Status     DeviceStatus `json:"status"`
	OwnerUID   string       `json:"ownerUid,omitempty"`
	OwnerEmail string       `json:"ownerEmail,omitempty"`
	LinkedAt   *time.Time   `json:"linkedAt,omitempty"`

	// Stamped by each successful claim so that a racing claimant can tell its
	// own write from someone else's.
	ClaimID string `json:"claimId,omitempty"`

	Slots SlotMap `json:"slots,omitempty"`

	// One-shot command channel.  Set by the backend, cleared by the device
	// once it has acted.
	Dispense bool `json:"dispense,omitempty"`

	MotorRotate *MotorCommand `json:"motorRotate,omitempty"`
}

// Slot is one of the seven compartments of a device.
type Slot struct {
	SlotNumber int `json:"slotNumber"`

	// Empty means no medication is assigned.  Stored as null.
	MedicationName string `json:"medicationName,omitempty"`

	PillCount    int `json:"pillCount"`
	MaxCapacity  int `json:"maxCapacity"`
	LowThreshold int `json:"lowThreshold"`

	LastRefilled *time.Time `json:"lastRefilled,omitempty"`
}

// DefaultSlot is the empty slot written when a device's inventory is
// initialized.
func DefaultSlot(n int) Slot {
	return Slot{
		SlotNumber:   n,
		MaxCapacity:  DefaultMaxCapacity,
		LowThreshold: DefaultLowThreshold,
	}
}

// SlotMap is the slots subtree, keyed by slot number.
//
// The realtime database returns objects with small integer keys as JSON
// arrays, so SlotMap accepts either form.  Fields missing from a stored slot
// take their default values.
type SlotMap map[int]Slot

func (m SlotMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]Slot, len(m))
	for n, s := range m {
		out[strconv.Itoa(n)] = s
	}
	return json.Marshal(out)
}

func (m *SlotMap) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if len(data) > 0 && data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("while unmarshaling slot list: %w", err)
		}
		for i, r := range list {
			raw[strconv.Itoa(i)] = r
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("while unmarshaling slot map: %w", err)
	}

	out := SlotMap{}
	for k, r := range raw {
		if string(r) == "null" {
			continue
		}
		n, err := strconv.Atoi(k)
		if err != nil {
			// Not a slot.
			continue
		}
		s := DefaultSlot(n)
		if err := json.Unmarshal(r, &s); err != nil {
			return fmt.Errorf("while unmarshaling slot %d: %w", n, err)
		}
		s.SlotNumber = n
		out[n] = s
	}
	*m = out
	return nil
}

// MotorCommand is the one-shot record at devices/{pin}/motorRotate.
type MotorCommand struct {
	Angle int `json:"angle"`

	// Milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`

	Executed bool `json:"executed"`
}

// UserProfile is the document at users/{uid}.
type UserProfile struct {
	FirstName          string    `firestore:"firstName"`
	LastName           string    `firestore:"lastName"`
	FullName           string    `firestore:"fullName"`
	Phone              string    `firestore:"phone"`
	Email              string    `firestore:"email"`
	CreatedAt          time.Time `firestore:"createdAt"`
	Allergies          []string  `firestore:"allergies"`
	AllergiesCompleted bool      `firestore:"allergiesCompleted"`
	AllergiesUpdatedAt time.Time `firestore:"allergiesUpdatedAt"`

	// The device that dispense and motor commands go to.  Empty means the
	// earliest-linked device.
	PrimaryDevicePIN string `firestore:"primaryDevicePIN"`
}

// DeviceLink is the document at users/{uid}/devices/{pin}.  It mirrors the
// ownership recorded in the realtime tree, which stays authoritative.
type DeviceLink struct {
	DevicePIN string    `firestore:"devicePIN"`
	Status    string    `firestore:"status"`
	LinkedAt  time.Time `firestore:"linkedAt,serverTimestamp"`
	Model     string    `firestore:"model"`
}

// ScheduledDose is a document in users/{uid}/schedule.
type ScheduledDose struct {
	ID string `firestore:"-" json:"id"`

	MedName string `firestore:"medName" json:"medName"`

	// Number of pills, as entered.
	Dose string `firestore:"dose" json:"dose"`

	// Local time of day, "HH:MM".
	Time string `firestore:"time" json:"time"`

	Enabled   bool      `firestore:"enabled" json:"enabled"`
	CreatedAt time.Time `firestore:"createdAt,serverTimestamp" json:"createdAt"`
}

// LinkedDevice is a device link together with its owner, as found by a scan
// over every user's links.
type LinkedDevice struct {
	UID  string
	PIN  string
	Link DeviceLink
}
