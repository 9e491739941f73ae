package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pillmate/dblayer"
	"pillmate/dbtypes"
	"pillmate/dispense"
	"pillmate/pairing"
	"pillmate/reminders"
	"pillmate/rtdb"
	"pillmate/rtdb/memstore"
	"pillmate/safety"
	"pillmate/session"
	"pillmate/slots"

	"github.com/google/go-cmp/cmp"
)

const (
	alicePIN = "111111"
	otherPIN = "222222"
)

type fakeAuth map[string]dblayer.Identity

func (f fakeAuth) IdentityFromIDToken(ctx context.Context, token string) (dblayer.Identity, error) {
	id, ok := f[token]
	if !ok {
		return dblayer.Identity{}, dblayer.ErrInvalidIDToken
	}
	return id, nil
}

type fakeDocs struct {
	mu        sync.Mutex
	links     map[string][]string
	primary   map[string]string
	allergies map[string][]string
	doses     map[string][]dbtypes.ScheduledDose
	nextID    int
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		links:     map[string][]string{},
		primary:   map[string]string{},
		allergies: map[string][]string{},
		doses:     map[string][]dbtypes.ScheduledDose{},
	}
}

func (f *fakeDocs) RecordDeviceLink(ctx context.Context, uid, pin string, linkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.links[uid] {
		if p == pin {
			return nil
		}
	}
	f.links[uid] = append(f.links[uid], pin)
	return nil
}

func (f *fakeDocs) PrimaryDevicePIN(ctx context.Context, uid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pin := f.primary[uid]; pin != "" {
		return pin, nil
	}
	if len(f.links[uid]) == 0 {
		return "", nil
	}
	return f.links[uid][0], nil
}

func (f *fakeDocs) SetPrimaryDevice(ctx context.Context, uid, pin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primary[uid] = pin
	return nil
}

func (f *fakeDocs) Allergies(ctx context.Context, uid string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allergies[uid], nil
}

func (f *fakeDocs) SetAllergies(ctx context.Context, uid string, allergies []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allergies[uid] = allergies
	return nil
}

func (f *fakeDocs) ListDoses(ctx context.Context, uid string) ([]dbtypes.ScheduledDose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dbtypes.ScheduledDose{}, f.doses[uid]...), nil
}

func (f *fakeDocs) AddDose(ctx context.Context, uid string, dose dbtypes.ScheduledDose) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	dose.ID = fmt.Sprintf("dose-%d", f.nextID)
	f.doses[uid] = append(f.doses[uid], dose)
	return dose.ID, nil
}

func (f *fakeDocs) find(uid, id string) (int, error) {
	for i, d := range f.doses[uid] {
		if d.ID == id {
			return i, nil
		}
	}
	return 0, dblayer.ErrDoseNotFound
}

func (f *fakeDocs) UpdateDose(ctx context.Context, uid, id, medName, dose, time string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(uid, id)
	if err != nil {
		return err
	}
	f.doses[uid][i].MedName, f.doses[uid][i].Dose, f.doses[uid][i].Time = medName, dose, time
	return nil
}

func (f *fakeDocs) SetDoseEnabled(ctx context.Context, uid, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(uid, id)
	if err != nil {
		return err
	}
	f.doses[uid][i].Enabled = enabled
	return nil
}

func (f *fakeDocs) DeleteDose(ctx context.Context, uid, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(uid, id)
	if err != nil {
		return err
	}
	f.doses[uid] = append(f.doses[uid][:i], f.doses[uid][i+1:]...)
	return nil
}

// fakeSafety flags any medication named in blocked.
type fakeSafety struct {
	blocked map[string]string
}

func (f fakeSafety) CheckAllergy(ctx context.Context, sess *session.Session, medication string, allergies []string) safety.AllergyResult {
	if msg, ok := f.blocked[medication]; ok {
		return safety.AllergyResult{HasAllergy: true, Severity: safety.SeverityHigh, Message: msg, ShouldBlock: true}
	}
	return safety.AllergyResult{Severity: safety.SeverityNone}
}

func (f fakeSafety) CheckInteraction(ctx context.Context, sess *session.Session, q safety.InteractionQuery) safety.InteractionResult {
	return safety.InteractionResult{CanTakeTogether: true, InteractionLevel: string(safety.SeverityNone), Recommendation: safety.TakeTogether}
}

func (f fakeSafety) Suggestions(ctx context.Context, sess *session.Session, query string, limit int) []string {
	return []string{strings.ToUpper(query[:1]) + query[1:] + "ol"}
}

// Chat echoes the medications it was given.
func (f fakeSafety) Chat(ctx context.Context, sess *session.Session, messages []safety.ChatMessage, medications []string) (string, error) {
	if len(messages) == 0 {
		return "", safety.ErrEmptyChat
	}
	return fmt.Sprintf("%d message(s); taking %s", len(messages), strings.Join(medications, ", ")), nil
}

type fixture struct {
	rt   *memstore.Store
	docs *fakeDocs
	srv  *httptest.Server
}

func newFixture(t *testing.T, blocked map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()

	rt := memstore.New()
	for pin, status := range map[string]dbtypes.DeviceStatus{alicePIN: dbtypes.StatusWaitingForPair, otherPIN: dbtypes.StatusLinked, "333333": dbtypes.StatusWaitingForPair} {
		device := map[string]interface{}{"status": string(status)}
		if status == dbtypes.StatusLinked {
			device["ownerUid"] = "bob"
		}
		if err := rt.Set(ctx, slots.DevicePath(pin), device); err != nil {
			t.Fatalf("Unexpected error seeding device: %v", err)
		}
	}

	docs := newFakeDocs()
	checker := fakeSafety{blocked: blocked}
	slotStore := slots.New(rt)
	registry := pairing.New(rt, slotStore, docs)

	a := New(Deps{
		Auth: fakeAuth{
			"alice-token": {UID: "alice", Email: "alice@example.com"},
		},
		Sessions:  session.NewRegistry(),
		Pairing:   registry,
		Slots:     slotStore,
		Dispense:  dispense.New(rt, registry, docs, checker),
		Book:      reminders.NewBook(docs, docs, checker),
		Profiles:  docs,
		Suggester: checker,
		Assistant: checker,
	})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	return &fixture{rt: rt, docs: docs, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Error decoding response to %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) link(t *testing.T) {
	t.Helper()
	if code := f.do(t, "POST", "/v1/devices/"+alicePIN+"/link", nil, nil); code != http.StatusOK {
		t.Fatalf("Link returned %d", code)
	}
}

func TestRejectsMissingAndBadTokens(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/v1/schedule")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("No token: got %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", f.srv.URL+"/v1/schedule", nil)
	req.Header.Set("Authorization", "Bearer forged")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Bad token: got %d, want 401", resp.StatusCode)
	}
}

func TestWaitingDevices(t *testing.T) {
	f := newFixture(t, nil)

	got := map[string][]string{}
	if code := f.do(t, "GET", "/v1/devices/waiting", nil, &got); code != http.StatusOK {
		t.Fatalf("Got %d", code)
	}
	want := map[string][]string{"pins": {alicePIN, "333333"}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad waiting devices; diff (-got +want)\n%s", diff)
	}
}

func TestLinkAndEditSlots(t *testing.T) {
	f := newFixture(t, nil)
	f.link(t)

	code := f.do(t, "PUT", "/v1/devices/"+alicePIN+"/slots/3", map[string]interface{}{"medicationName": "Aspirin", "pillCount": 5}, nil)
	if code != http.StatusNoContent {
		t.Fatalf("PUT slot returned %d", code)
	}

	got := struct {
		Slots []struct {
			SlotNumber     int    `json:"slotNumber"`
			MedicationName string `json:"medicationName"`
			PillCount      int    `json:"pillCount"`
			Status         string `json:"status"`
		} `json:"slots"`
	}{}
	if code := f.do(t, "GET", "/v1/devices/"+alicePIN+"/slots", nil, &got); code != http.StatusOK {
		t.Fatalf("GET slots returned %d", code)
	}
	if len(got.Slots) != dbtypes.SlotCount {
		t.Fatalf("Got %d slots, want %d", len(got.Slots), dbtypes.SlotCount)
	}
	if s := got.Slots[2]; s.SlotNumber != 3 || s.MedicationName != "Aspirin" || s.PillCount != 5 || s.Status != "low" {
		t.Errorf("Bad slot 3: %+v", s)
	}
	if s := got.Slots[0]; s.Status != "empty" {
		t.Errorf("Bad slot 1 status %q, want empty", s.Status)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	f.link(t)

	testCases := []struct {
		desc     string
		method   string
		path     string
		body     interface{}
		wantCode int
		wantMsg  string
	}{
		{
			desc:     "malformed PIN",
			method:   "POST",
			path:     "/v1/devices/12ab/link",
			wantCode: http.StatusBadRequest,
			wantMsg:  "Please enter a valid 6-digit PIN.",
		},
		{
			desc:     "unknown device",
			method:   "POST",
			path:     "/v1/devices/999999/link",
			wantCode: http.StatusNotFound,
			wantMsg:  "Device not found. Please check the PIN on your device screen.",
		},
		{
			desc:     "someone else's device",
			method:   "POST",
			path:     "/v1/devices/" + otherPIN + "/link",
			wantCode: http.StatusConflict,
			wantMsg:  "This device is already linked to another account.",
		},
		{
			desc:     "slots of someone else's device",
			method:   "GET",
			path:     "/v1/devices/" + otherPIN + "/slots",
			wantCode: http.StatusForbidden,
			wantMsg:  "This device is not linked to your account.",
		},
		{
			desc:     "negative count",
			method:   "PUT",
			path:     "/v1/devices/" + alicePIN + "/slots/1",
			body:     map[string]interface{}{"pillCount": -1},
			wantCode: http.StatusBadRequest,
			wantMsg:  "Pill count must not be negative",
		},
		{
			desc:     "slot out of range",
			method:   "PUT",
			path:     "/v1/devices/" + alicePIN + "/slots/8",
			body:     map[string]interface{}{"pillCount": 1},
			wantCode: http.StatusBadRequest,
			wantMsg:  "Slot number must be between 1 and 7",
		},
		{
			desc:     "bad dose time",
			method:   "POST",
			path:     "/v1/schedule",
			body:     map[string]interface{}{"medName": "Aspirin", "dose": "1", "time": "25:00"},
			wantCode: http.StatusBadRequest,
		},
		{
			desc:     "unknown dose",
			method:   "DELETE",
			path:     "/v1/schedule/nope",
			wantCode: http.StatusNotFound,
			wantMsg:  "That dose no longer exists.",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := errorBody{}
			code := f.do(t, tc.method, tc.path, tc.body, &got)
			if code != tc.wantCode {
				t.Errorf("Got code %d, want %d (body %+v)", code, tc.wantCode, got)
			}
			if tc.wantMsg != "" && got.Error != tc.wantMsg {
				t.Errorf("Got message %q, want %q", got.Error, tc.wantMsg)
			}
		})
	}
}

func TestPermissionDeniedHint(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.FailWrites(slots.DevicePath(alicePIN), fmt.Errorf("while writing: %w", rtdb.ErrPermissionDenied))

	got := errorBody{}
	code := f.do(t, "POST", "/v1/devices/"+alicePIN+"/link", nil, &got)
	if code != http.StatusForbidden {
		t.Errorf("Got code %d, want 403", code)
	}
	if !strings.Contains(got.Error, "Realtime Database rules") {
		t.Errorf("Message %q does not mention the database rules", got.Error)
	}
}

func TestDispense(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	got := errorBody{}
	if code := f.do(t, "POST", "/v1/dispense", nil, &got); code != http.StatusConflict {
		t.Errorf("Dispense without device: got %d, want 409", code)
	}

	f.link(t)
	if code := f.do(t, "POST", "/v1/dispense", nil, nil); code != http.StatusOK {
		t.Fatalf("Dispense returned %d", code)
	}

	snap, err := f.rt.Get(ctx, "devices/"+alicePIN+"/dispense")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var flag bool
	if err := snap.Decode(&flag); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !flag {
		t.Errorf("Dispense flag not set")
	}

	if code := f.do(t, "POST", "/v1/devices/"+alicePIN+"/dispense/ack", nil, nil); code != http.StatusNoContent {
		t.Fatalf("Ack returned %d", code)
	}
	snap, err = f.rt.Get(ctx, "devices/"+alicePIN+"/dispense")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := snap.Decode(&flag); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if flag {
		t.Errorf("Dispense flag not cleared")
	}
}

func TestDispenseBlockedByAllergy(t *testing.T) {
	f := newFixture(t, map[string]string{"Penicillin": "Penicillin is a known allergen."})
	f.link(t)

	if code := f.do(t, "PUT", "/v1/allergies", map[string][]string{"allergies": {"penicillin", " "}}, nil); code != http.StatusOK {
		t.Fatalf("PUT allergies returned %d", code)
	}
	// Added straight to the store, as a dose recorded before the allergy was.
	f.docs.AddDose(context.Background(), "alice", dbtypes.ScheduledDose{MedName: "Penicillin", Dose: "1", Time: "08:00", Enabled: true})

	got := errorBody{}
	if code := f.do(t, "POST", "/v1/dispense", nil, &got); code != http.StatusForbidden {
		t.Errorf("Got code %d, want 403", code)
	}
	if got.Error != "Penicillin is a known allergen." {
		t.Errorf("Got message %q", got.Error)
	}

	snap, err := f.rt.Get(context.Background(), "devices/"+alicePIN+"/dispense")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if snap.Exists {
		t.Errorf("Blocked dispense still wrote the command")
	}
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	added := dbtypes.ScheduledDose{}
	code := f.do(t, "POST", "/v1/schedule", map[string]interface{}{"medName": " Aspirin ", "dose": "1", "time": "8:05"}, &added)
	if code != http.StatusCreated {
		t.Fatalf("POST schedule returned %d", code)
	}
	if added.MedName != "Aspirin" || added.Time != "08:05" || !added.Enabled {
		t.Errorf("Bad added dose %+v", added)
	}

	if code := f.do(t, "PUT", "/v1/schedule/"+added.ID+"/enabled", map[string]bool{"enabled": false}, nil); code != http.StatusNoContent {
		t.Fatalf("Toggle returned %d", code)
	}

	list := map[string][]dbtypes.ScheduledDose{}
	if code := f.do(t, "GET", "/v1/schedule", nil, &list); code != http.StatusOK {
		t.Fatalf("GET schedule returned %d", code)
	}
	if len(list["doses"]) != 1 || list["doses"][0].Enabled {
		t.Errorf("Bad schedule after toggle: %+v", list)
	}

	if code := f.do(t, "DELETE", "/v1/schedule/"+added.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("DELETE returned %d", code)
	}
}

func TestChatSendsEnabledMedications(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.docs.AddDose(ctx, "alice", dbtypes.ScheduledDose{MedName: "Aspirin", Dose: "1", Time: "08:00", Enabled: true})
	f.docs.AddDose(ctx, "alice", dbtypes.ScheduledDose{MedName: "Aspirin", Dose: "1", Time: "20:00", Enabled: true})
	f.docs.AddDose(ctx, "alice", dbtypes.ScheduledDose{MedName: "Metformin", Dose: "1", Time: "12:00", Enabled: false})
	f.docs.AddDose(ctx, "alice", dbtypes.ScheduledDose{MedName: "Lisinopril", Dose: "1", Time: "09:00", Enabled: true})

	body := map[string]interface{}{
		"messages": []map[string]string{
			{"role": "user", "content": "Can I take these with coffee?"},
		},
	}
	got := map[string]string{}
	if code := f.do(t, "POST", "/v1/chat", body, &got); code != http.StatusOK {
		t.Fatalf("Got %d", code)
	}
	want := map[string]string{"response": "1 message(s); taking Aspirin, Lisinopril"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad chat reply; diff (-got +want)\n%s", diff)
	}

	empty := map[string]interface{}{"messages": []map[string]string{}}
	if code := f.do(t, "POST", "/v1/chat", empty, nil); code != http.StatusBadRequest {
		t.Errorf("Empty conversation: got %d, want 400", code)
	}
}

func TestSuggestionsAndPrimaryDevice(t *testing.T) {
	f := newFixture(t, nil)
	f.link(t)

	got := map[string][]string{}
	if code := f.do(t, "GET", "/v1/suggestions?q=ibuprof&limit=3", nil, &got); code != http.StatusOK {
		t.Fatalf("Got %d", code)
	}
	if diff := cmp.Diff(got, map[string][]string{"suggestions": {"Ibuprofol"}}); diff != "" {
		t.Errorf("Bad suggestions; diff (-got +want)\n%s", diff)
	}

	if code := f.do(t, "PUT", "/v1/devices/primary", map[string]string{"pin": otherPIN}, nil); code != http.StatusForbidden {
		t.Errorf("Setting someone else's device as primary: got %d, want 403", code)
	}

	primary := map[string]string{}
	if code := f.do(t, "GET", "/v1/devices/primary", nil, &primary); code != http.StatusOK {
		t.Fatalf("Got %d", code)
	}
	if primary["pin"] != alicePIN {
		t.Errorf("Got primary %q, want %q", primary["pin"], alicePIN)
	}
}
