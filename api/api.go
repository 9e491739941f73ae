// Package api is the JSON HTTP surface over pairing, slot inventory, dispense
// and the dose schedule.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pillmate/dblayer"
	"pillmate/dbtypes"
	"pillmate/dispense"
	"pillmate/pairing"
	"pillmate/reminders"
	"pillmate/safety"
	"pillmate/session"
	"pillmate/slots"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	errNoCredentials = errors.New("missing bearer token")
	errBadRequest    = errors.New("malformed request")
)

// How long GET /v1/devices/waiting waits for the first snapshot.
const waitingTimeout = 10 * time.Second

type Authenticator interface {
	IdentityFromIDToken(ctx context.Context, token string) (dblayer.Identity, error)
}

// Profiles is the document-store side of the user's own settings.
type Profiles interface {
	Allergies(ctx context.Context, uid string) ([]string, error)
	SetAllergies(ctx context.Context, uid string, allergies []string) error
	SetPrimaryDevice(ctx context.Context, uid, pin string) error
}

type Suggester interface {
	Suggestions(ctx context.Context, sess *session.Session, query string, limit int) []string
}

type Assistant interface {
	Chat(ctx context.Context, sess *session.Session, messages []safety.ChatMessage, medications []string) (string, error)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Auth      Authenticator
	Sessions  *session.Registry
	Pairing   *pairing.Registry
	Slots     *slots.Store
	Dispense  *dispense.Coordinator
	Book      *reminders.Book
	Profiles  Profiles
	Suggester Suggester
	Assistant Assistant
}

type API struct {
	d Deps
}

func New(d Deps) *API {
	return &API{d: d}
}

// Handler returns the router with every endpoint mounted under /v1.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/devices/waiting", a.waitingDevices)
		r.Get("/devices/primary", a.getPrimaryDevice)
		r.Put("/devices/primary", a.putPrimaryDevice)
		r.Post("/devices/{pin}/link", a.linkDevice)
		r.Get("/devices/{pin}/slots", a.getSlots)
		r.Put("/devices/{pin}/slots/{slot}", a.putSlot)
		r.Post("/devices/{pin}/dispense/ack", a.ackDispense)

		r.Post("/dispense", a.dispenseNow)
		r.Post("/rotate", a.rotate)

		r.Get("/schedule", a.listDoses)
		r.Post("/schedule", a.addDose)
		r.Put("/schedule/{id}", a.updateDose)
		r.Put("/schedule/{id}/enabled", a.setDoseEnabled)
		r.Delete("/schedule/{id}", a.deleteDose)

		r.Get("/suggestions", a.suggestions)
		r.Post("/chat", a.chat)
		r.Get("/allergies", a.getAllergies)
		r.Put("/allergies", a.putAllergies)
	})
	return r
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionKey{}).(*session.Session)
	return sess
}

// authenticate resolves the bearer ID token into the caller's session.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, r, errNoCredentials)
			return
		}
		id, err := a.d.Auth.IdentityFromIDToken(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sess := a.d.Sessions.Get(id.UID, id.Email, token)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// It's too late to write an error to the HTTP response.
		slog.ErrorContext(r.Context(), "Error while writing output", slog.Any("err", err))
	}
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (a *API) waitingDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), waitingTimeout)
	defer cancel()

	stream, err := a.d.Pairing.FindWaitingDevices(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer stream.Stop()

	select {
	case pins, ok := <-stream.C:
		if !ok {
			writeError(w, r, fmt.Errorf("while waiting for devices: %w", stream.Err()))
			return
		}
		writeJSON(w, r, http.StatusOK, map[string][]string{"pins": pins})
	case <-ctx.Done():
		writeError(w, r, fmt.Errorf("while waiting for devices: %w", ctx.Err()))
	}
}

func (a *API) linkDevice(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	if err := a.d.Pairing.LinkDevice(r.Context(), sessionFrom(r.Context()), pin); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"pin": pin, "status": string(dbtypes.StatusLinked)})
}

func (a *API) getPrimaryDevice(w http.ResponseWriter, r *http.Request) {
	pin, err := a.d.Pairing.PrimaryDevice(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"pin": pin})
}

func (a *API) putPrimaryDevice(w http.ResponseWriter, r *http.Request) {
	req := struct {
		PIN string `json:"pin"`
	}{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess := sessionFrom(r.Context())
	if err := a.d.Pairing.CheckOwner(r.Context(), sess.UID(), req.PIN); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.d.Profiles.SetPrimaryDevice(r.Context(), sess.UID(), req.PIN); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"pin": req.PIN})
}

type slotView struct {
	dbtypes.Slot
	Status slots.Status `json:"status"`
}

// ownedPIN returns the {pin} route parameter if the caller owns that device.
func (a *API) ownedPIN(r *http.Request) (string, error) {
	pin := chi.URLParam(r, "pin")
	if err := a.d.Pairing.CheckOwner(r.Context(), sessionFrom(r.Context()).UID(), pin); err != nil {
		return "", err
	}
	return pin, nil
}

func (a *API) getSlots(w http.ResponseWriter, r *http.Request) {
	pin, err := a.ownedPIN(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := a.d.Slots.LoadSlots(r.Context(), pin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]slotView, 0, len(inv))
	for _, s := range inv {
		views = append(views, slotView{Slot: s, Status: slots.StatusOf(s)})
	}
	writeJSON(w, r, http.StatusOK, map[string][]slotView{"slots": views})
}

func (a *API) putSlot(w http.ResponseWriter, r *http.Request) {
	pin, err := a.ownedPIN(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, r, slots.ErrInvalidSlotNumber)
		return
	}
	req := struct {
		MedicationName string `json:"medicationName"`
		PillCount      *int   `json:"pillCount"`
	}{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PillCount == nil {
		writeError(w, r, fmt.Errorf("%w: pillCount is required", errBadRequest))
		return
	}
	edit := slots.SlotEdit{MedicationName: req.MedicationName, PillCount: *req.PillCount}
	if err := a.d.Slots.UpdateSlot(r.Context(), pin, n, edit); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ackDispense(w http.ResponseWriter, r *http.Request) {
	pin, err := a.ownedPIN(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.d.Dispense.Acknowledge(r.Context(), pin); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) dispenseNow(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	doses, err := a.d.Book.List(r.Context(), sess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.d.Dispense.ManualDispense(r.Context(), sess, doses); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Pill dispensed!"})
}

func (a *API) rotate(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Angle int `json:"angle"`
	}{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.d.Dispense.Rotate(r.Context(), sessionFrom(r.Context()), req.Angle); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type doseRequest struct {
	MedName   string `json:"medName"`
	Dose      string `json:"dose"`
	Time      string `json:"time"`
	Confirmed bool   `json:"confirmed"`
}

func (d doseRequest) toBook() reminders.DoseRequest {
	return reminders.DoseRequest{MedName: d.MedName, Dose: d.Dose, Time: d.Time, Confirmed: d.Confirmed}
}

func (a *API) listDoses(w http.ResponseWriter, r *http.Request) {
	doses, err := a.d.Book.List(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string][]dbtypes.ScheduledDose{"doses": doses})
}

func (a *API) addDose(w http.ResponseWriter, r *http.Request) {
	req := doseRequest{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	dose, err := a.d.Book.Add(r.Context(), sessionFrom(r.Context()), req.toBook())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, dose)
}

func (a *API) updateDose(w http.ResponseWriter, r *http.Request) {
	req := doseRequest{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.d.Book.Update(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), req.toBook()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setDoseEnabled(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Enabled bool `json:"enabled"`
	}{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.d.Book.SetEnabled(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteDose(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Book.Delete(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) suggestions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: bad limit %q", errBadRequest, s))
			return
		}
		limit = n
	}
	found := a.d.Suggester.Suggestions(r.Context(), sessionFrom(r.Context()), r.URL.Query().Get("q"), limit)
	writeJSON(w, r, http.StatusOK, map[string][]string{"suggestions": found})
}

// chat forwards the conversation to the medication assistant along with the
// names of the user's enabled doses.
func (a *API) chat(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Messages []safety.ChatMessage `json:"messages"`
	}{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess := sessionFrom(r.Context())
	doses, err := a.d.Book.List(r.Context(), sess)
	if err != nil {
		writeError(w, r, err)
		return
	}

	meds := []string{}
	seen := map[string]bool{}
	for _, d := range doses {
		if d.Enabled && !seen[d.MedName] {
			seen[d.MedName] = true
			meds = append(meds, d.MedName)
		}
	}

	reply, err := a.d.Assistant.Chat(r.Context(), sess, req.Messages, meds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"response": reply})
}

func (a *API) getAllergies(w http.ResponseWriter, r *http.Request) {
	allergies, err := a.d.Profiles.Allergies(r.Context(), sessionFrom(r.Context()).UID())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if allergies == nil {
		allergies = []string{}
	}
	writeJSON(w, r, http.StatusOK, map[string][]string{"allergies": allergies})
}

func (a *API) putAllergies(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Allergies []string `json:"allergies"`
	}{}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	cleaned := []string{}
	for _, allergy := range req.Allergies {
		if allergy = strings.TrimSpace(allergy); allergy != "" {
			cleaned = append(cleaned, allergy)
		}
	}
	if err := a.d.Profiles.SetAllergies(r.Context(), sessionFrom(r.Context()).UID(), cleaned); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string][]string{"allergies": cleaned})
}
