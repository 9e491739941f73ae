// Package dblayer packages up the firestore accesses: user profiles, device
// link records and the dose schedule.
package dblayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pillmate/dbtypes"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type DB struct {
	firestoreClient     *firestore.Client
	googleOAuthClientID string
}

func New(firestoreClient *firestore.Client, googleOAuthClientID string) *DB {
	return &DB{
		firestoreClient:     firestoreClient,
		googleOAuthClientID: googleOAuthClientID,
	}
}

var (
	ErrInvalidIDToken = errors.New("invalid ID token")
	ErrDoseNotFound   = errors.New("no dose with that ID")
)

func (db *DB) user(uid string) *firestore.DocumentRef {
	return db.firestoreClient.Collection("users").Doc(uid)
}

// Identity is the user an ID token was issued to.
type Identity struct {
	UID   string
	Email string
}

// IdentityFromIDToken validates a Google-issued ID token.
func (db *DB) IdentityFromIDToken(ctx context.Context, token string) (Identity, error) {
	payload, err := idtoken.Validate(ctx, token, db.googleOAuthClientID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	email, _ := payload.Claims["email"].(string)
	return Identity{UID: payload.Subject, Email: email}, nil
}

// Profile returns the user's profile, or an empty one if they have none yet.
func (db *DB) Profile(ctx context.Context, uid string) (*dbtypes.UserProfile, error) {
	snap, err := db.user(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &dbtypes.UserProfile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving user %s: %w", uid, err)
	}
	profile := &dbtypes.UserProfile{}
	if err := snap.DataTo(profile); err != nil {
		return nil, fmt.Errorf("while unmarshaling user %s: %w", uid, err)
	}
	return profile, nil
}

// Allergies returns the user's recorded allergies.
func (db *DB) Allergies(ctx context.Context, uid string) ([]string, error) {
	profile, err := db.Profile(ctx, uid)
	if err != nil {
		return nil, err
	}
	return profile.Allergies, nil
}

// SetAllergies replaces the user's recorded allergies.
func (db *DB) SetAllergies(ctx context.Context, uid string, allergies []string) error {
	if allergies == nil {
		allergies = []string{}
	}
	_, err := db.user(uid).Set(ctx, map[string]interface{}{
		"allergies":          allergies,
		"allergiesCompleted": true,
		"allergiesUpdatedAt": firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("while updating allergies of user %s: %w", uid, err)
	}
	return nil
}

// RecordDeviceLink writes users/{uid}/devices/{pin}.  Rewriting an existing
// record is harmless.
func (db *DB) RecordDeviceLink(ctx context.Context, uid, pin string, linkedAt time.Time) error {
	link := &dbtypes.DeviceLink{
		DevicePIN: pin,
		Status:    string(dbtypes.StatusLinked),
		LinkedAt:  linkedAt,
		Model:     dbtypes.DeviceModel,
	}
	if _, err := db.user(uid).Collection("devices").Doc(pin).Set(ctx, link); err != nil {
		return fmt.Errorf("while recording link of device %s to user %s: %w", pin, uid, err)
	}
	return nil
}

// PrimaryDevicePIN returns the device a user's commands go to: the one named
// in their profile if it is still linked, otherwise the earliest linked.  It
// returns "" if the user has no devices.
func (db *DB) PrimaryDevicePIN(ctx context.Context, uid string) (string, error) {
	profile, err := db.Profile(ctx, uid)
	if err != nil {
		return "", err
	}
	devices := db.user(uid).Collection("devices")

	if profile.PrimaryDevicePIN != "" {
		_, err := devices.Doc(profile.PrimaryDevicePIN).Get(ctx)
		switch {
		case err == nil:
			return profile.PrimaryDevicePIN, nil
		case status.Code(err) == codes.NotFound:
			slog.InfoContext(ctx, "Primary device is no longer linked; falling back", slog.String("uid", uid), slog.String("pin", profile.PrimaryDevicePIN))
		default:
			return "", fmt.Errorf("while retrieving primary device of user %s: %w", uid, err)
		}
	}

	iter := devices.OrderBy("linkedAt", firestore.Asc).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if err == iterator.Done {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("while listing devices of user %s: %w", uid, err)
	}
	link := &dbtypes.DeviceLink{}
	if err := snap.DataTo(link); err != nil {
		return "", fmt.Errorf("while unmarshaling device link: %w", err)
	}
	if link.DevicePIN == "" {
		return snap.Ref.ID, nil
	}
	return link.DevicePIN, nil
}

// SetPrimaryDevice records which device a user's commands go to.
func (db *DB) SetPrimaryDevice(ctx context.Context, uid, pin string) error {
	_, err := db.user(uid).Set(ctx, map[string]interface{}{
		"primaryDevicePIN": pin,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("while setting primary device of user %s: %w", uid, err)
	}
	return nil
}

// LinkedDevices lists every device link of every user.
func (db *DB) LinkedDevices(ctx context.Context) ([]dbtypes.LinkedDevice, error) {
	iter := db.firestoreClient.CollectionGroup("devices").Documents(ctx)
	defer iter.Stop()

	var out []dbtypes.LinkedDevice
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating device links: %w", err)
		}

		// Only users/{uid}/devices/{pin}.
		userRef := snap.Ref.Parent.Parent
		if userRef == nil || userRef.Parent.ID != "users" {
			continue
		}

		link := dbtypes.DeviceLink{}
		if err := snap.DataTo(&link); err != nil {
			return nil, fmt.Errorf("while unmarshaling device link %s: %w", snap.Ref.Path, err)
		}
		pin := link.DevicePIN
		if pin == "" {
			pin = snap.Ref.ID
		}
		out = append(out, dbtypes.LinkedDevice{UID: userRef.ID, PIN: pin, Link: link})
	}
	return out, nil
}

func (db *DB) schedule(uid string) *firestore.CollectionRef {
	return db.user(uid).Collection("schedule")
}

func dosesFrom(iter *firestore.DocumentIterator) ([]dbtypes.ScheduledDose, error) {
	doses := []dbtypes.ScheduledDose{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating schedule: %w", err)
		}
		dose := dbtypes.ScheduledDose{}
		if err := snap.DataTo(&dose); err != nil {
			return nil, fmt.Errorf("while unmarshaling dose %s: %w", snap.Ref.ID, err)
		}
		dose.ID = snap.Ref.ID
		doses = append(doses, dose)
	}
	return doses, nil
}

// ListDoses returns the user's schedule ordered by time of day.
func (db *DB) ListDoses(ctx context.Context, uid string) ([]dbtypes.ScheduledDose, error) {
	iter := db.schedule(uid).OrderBy("time", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	return dosesFrom(iter)
}

// WatchSchedule calls fn with the user's schedule, ordered by time of day,
// every time it changes.  It blocks until ctx is done or the watch fails.
func (db *DB) WatchSchedule(ctx context.Context, uid string, fn func([]dbtypes.ScheduledDose)) error {
	snapIter := db.schedule(uid).OrderBy("time", firestore.Asc).Snapshots(ctx)
	defer snapIter.Stop()
	for {
		qs, err := snapIter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("while watching schedule of user %s: %w", uid, err)
		}
		doses, err := dosesFrom(qs.Documents)
		if err != nil {
			return err
		}
		fn(doses)
	}
}

func (db *DB) AddDose(ctx context.Context, uid string, dose dbtypes.ScheduledDose) (string, error) {
	ref, _, err := db.schedule(uid).Add(ctx, &dose)
	if err != nil {
		return "", fmt.Errorf("while adding dose for user %s: %w", uid, err)
	}
	return ref.ID, nil
}

func (db *DB) updateDose(ctx context.Context, uid, id string, updates []firestore.Update) error {
	_, err := db.schedule(uid).Doc(id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return ErrDoseNotFound
	}
	if err != nil {
		return fmt.Errorf("while updating dose %s: %w", id, err)
	}
	return nil
}

func (db *DB) UpdateDose(ctx context.Context, uid, id, medName, dose, time string) error {
	return db.updateDose(ctx, uid, id, []firestore.Update{
		{Path: "medName", Value: medName},
		{Path: "dose", Value: dose},
		{Path: "time", Value: time},
	})
}

func (db *DB) SetDoseEnabled(ctx context.Context, uid, id string, enabled bool) error {
	return db.updateDose(ctx, uid, id, []firestore.Update{
		{Path: "enabled", Value: enabled},
	})
}

func (db *DB) DeleteDose(ctx context.Context, uid, id string) error {
	if _, err := db.schedule(uid).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("while deleting dose %s: %w", id, err)
	}
	return nil
}
