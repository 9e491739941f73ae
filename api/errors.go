package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"pillmate/dblayer"
	"pillmate/dispense"
	"pillmate/pairing"
	"pillmate/reminders"
	"pillmate/rtdb"
	"pillmate/safety"
	"pillmate/slots"
)

const permissionDeniedMessage = "Permission denied. You need to update the Realtime Database rules.\n\n" +
	"Quick fix:\n" +
	"1. Go to the Firebase Console\n" +
	"2. Realtime Database → Rules\n" +
	"3. Allow signed-in users to read and write devices/{pin}\n" +
	"4. Click Publish"

type errorBody struct {
	Error    string   `json:"error"`
	Warnings []string `json:"warnings,omitempty"`
}

// userMessage maps err to a status code and a message the user can act on.
func userMessage(err error) (int, errorBody) {
	var blocked *dispense.BlockedError
	var confirm *reminders.ConfirmationRequiredError
	var interaction *reminders.InteractionError

	switch {
	case errors.As(err, &blocked):
		return http.StatusForbidden, errorBody{Error: blocked.Reason}
	case errors.As(err, &confirm):
		return http.StatusConflict, errorBody{Error: "Please review these warnings and confirm.", Warnings: confirm.Warnings}
	case errors.As(err, &interaction):
		return http.StatusUnprocessableEntity, errorBody{Error: interaction.Error()}

	case errors.Is(err, pairing.ErrInvalidPIN):
		return http.StatusBadRequest, errorBody{Error: "Please enter a valid 6-digit PIN."}
	case errors.Is(err, slots.ErrInvalidCount),
		errors.Is(err, slots.ErrInvalidSlotNumber),
		errors.Is(err, reminders.ErrInvalidTime),
		errors.Is(err, reminders.ErrInvalidDose),
		errors.Is(err, reminders.ErrMissingName),
		errors.Is(err, safety.ErrEmptyChat),
		errors.Is(err, safety.ErrInvalidChatTurn),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errorBody{Error: capitalize(err.Error())}

	case errors.Is(err, pairing.ErrNotSignedIn),
		errors.Is(err, reminders.ErrNotSignedIn),
		errors.Is(err, dblayer.ErrInvalidIDToken),
		errors.Is(err, errNoCredentials):
		return http.StatusUnauthorized, errorBody{Error: "Please sign in again."}

	case errors.Is(err, pairing.ErrDeviceNotFound):
		return http.StatusNotFound, errorBody{Error: "Device not found. Please check the PIN on your device screen."}
	case errors.Is(err, dblayer.ErrDoseNotFound):
		return http.StatusNotFound, errorBody{Error: "That dose no longer exists."}
	case errors.Is(err, pairing.ErrNotReady):
		return http.StatusConflict, errorBody{Error: "Device is not ready to pair. Restart it so that it shows its PIN."}
	case errors.Is(err, pairing.ErrAlreadyLinkedToOther):
		return http.StatusConflict, errorBody{Error: "This device is already linked to another account."}
	case errors.Is(err, pairing.ErrNoDeviceLinked):
		return http.StatusConflict, errorBody{Error: "No device linked. Please link a device first."}
	case errors.Is(err, pairing.ErrNotOwner):
		return http.StatusForbidden, errorBody{Error: "This device is not linked to your account."}
	case errors.Is(err, reminders.ErrAllergyBlocked):
		return http.StatusForbidden, errorBody{Error: capitalize(err.Error())}

	case errors.Is(err, rtdb.ErrPermissionDenied):
		return http.StatusForbidden, errorBody{Error: permissionDeniedMessage}
	case errors.Is(err, dispense.ErrDeviceOffline):
		return http.StatusServiceUnavailable, errorBody{Error: "Could not trigger dispense. Make sure your device is online."}
	}

	return http.StatusInternalServerError, errorBody{Error: "Internal Error"}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := userMessage(err)
	if code >= 500 {
		slog.ErrorContext(r.Context(), "Error handling request", slog.String("path", r.URL.Path), slog.Any("err", err))
	} else {
		slog.InfoContext(r.Context(), "Rejected request", slog.String("path", r.URL.Path), slog.Int("code", code), slog.Any("err", err))
	}
	writeJSON(w, r, code, body)
}
