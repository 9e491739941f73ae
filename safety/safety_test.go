package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pillmate/session"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"
)

type fakeFunctions struct {
	mu       sync.Mutex
	calls    []string
	lastData map[string]interface{}
	lastAuth string

	// Raw JSON written for each function name.
	responses map[string]string
	status    int
}

func (f *fakeFunctions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[1:]
	raw, _ := io.ReadAll(r.Body)
	req := struct {
		Data map[string]interface{} `json:"data"`
	}{}
	json.Unmarshal(raw, &req)

	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.lastData = req.Data
	f.lastAuth = r.Header.Get("Authorization")
	resp, status := f.responses[name], f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	io.WriteString(w, resp)
}

func (f *fakeFunctions) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestClient(t *testing.T, f *fakeFunctions) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithAuthWait(50*time.Millisecond), WithTimeout(5*time.Second))
}

func TestCheckAllergy(t *testing.T) {
	testCases := []struct {
		desc     string
		response string
		status   int
		want     AllergyResult
	}{
		{
			desc:     "blocking",
			response: `{"result":{"hasAllergy":true,"severity":"high","message":"Penicillin class","shouldBlock":true}}`,
			want:     AllergyResult{HasAllergy: true, Severity: SeverityHigh, Message: "Penicillin class", ShouldBlock: true},
		},
		{
			desc:     "clear",
			response: `{"result":{"hasAllergy":false,"severity":"none","message":"","shouldBlock":false}}`,
			want:     AllergyResult{Severity: SeverityNone},
		},
		{
			desc:     "missing field",
			response: `{"result":{"hasAllergy":true,"severity":"high"}}`,
			want:     AllergyResult{Severity: SeverityNone, Message: FallbackMessage},
		},
		{
			desc:     "unknown field",
			response: `{"result":{"hasAllergy":true,"severity":"high","message":"","shouldBlock":true,"confidence":0.2}}`,
			want:     AllergyResult{Severity: SeverityNone, Message: FallbackMessage},
		},
		{
			desc:     "unknown severity",
			response: `{"result":{"hasAllergy":true,"severity":"extreme","shouldBlock":true}}`,
			want:     AllergyResult{Severity: SeverityNone, Message: FallbackMessage},
		},
		{
			desc:     "function error",
			response: `{"error":{"status":"INTERNAL","message":"boom"}}`,
			status:   http.StatusInternalServerError,
			want:     AllergyResult{Severity: SeverityNone, Message: FallbackMessage},
		},
		{
			desc:     "not json",
			response: `<html>`,
			want:     AllergyResult{Severity: SeverityNone, Message: FallbackMessage},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := &fakeFunctions{
				responses: map[string]string{functionCheckAllergy: tc.response},
				status:    tc.status,
			}
			c := newTestClient(t, f)
			sess := session.New("uid-1", "a@example.com", "token-1")

			got := c.CheckAllergy(context.Background(), sess, "Amoxicillin", []string{"penicillin"})
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Bad result; diff (-got +want)\n%s", diff)
			}
		})
	}
}

func TestCheckAllergySendsRequest(t *testing.T) {
	f := &fakeFunctions{
		responses: map[string]string{
			functionCheckAllergy: `{"result":{"hasAllergy":false,"severity":"none","message":"","shouldBlock":false}}`,
		},
	}
	c := newTestClient(t, f)
	sess := session.New("uid-1", "a@example.com", "token-1")

	c.CheckAllergy(context.Background(), sess, "Amoxicillin", []string{"penicillin"})

	if f.lastAuth != "Bearer token-1" {
		t.Errorf("Got Authorization %q, want bearer token", f.lastAuth)
	}
	want := map[string]interface{}{
		"medicationName": "Amoxicillin",
		"userAllergies":  []interface{}{"penicillin"},
	}
	if diff := cmp.Diff(f.lastData, want); diff != "" {
		t.Errorf("Bad request data; diff (-got +want)\n%s", diff)
	}
}

func TestBackgroundSessionUsesServiceToken(t *testing.T) {
	f := &fakeFunctions{
		responses: map[string]string{
			functionCheckAllergy: `{"result":{"hasAllergy":false,"severity":"none","message":"","shouldBlock":false}}`,
		},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := New(srv.URL, WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "service-token"})))

	c.CheckAllergy(context.Background(), session.New("uid-1", "", ""), "Aspirin", []string{"penicillin"})

	if f.lastAuth != "Bearer service-token" {
		t.Errorf("Got Authorization %q, want service token", f.lastAuth)
	}
}

func TestBackgroundViewUsesServiceTokenAfterUserRequest(t *testing.T) {
	f := &fakeFunctions{
		responses: map[string]string{
			functionCheckAllergy: `{"result":{"hasAllergy":false,"severity":"none","message":"","shouldBlock":false}}`,
		},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := New(srv.URL, WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "service-token"})))

	sessions := session.NewRegistry()
	user := sessions.Get("u1", "u1@x.com", "user-token-from-api")
	bg := sessions.Get("u1", "u1@x.com", "").Background()

	c.CheckAllergy(context.Background(), bg, "Aspirin", []string{"penicillin"})
	if f.lastAuth != "Bearer service-token" {
		t.Errorf("Background check sent Authorization %q, want service token", f.lastAuth)
	}

	c.CheckAllergy(context.Background(), user, "Aspirin", []string{"penicillin"})
	if f.lastAuth != "Bearer user-token-from-api" {
		t.Errorf("User check sent Authorization %q, want user token", f.lastAuth)
	}
}

func TestCheckAllergyWithoutAllergiesSkipsCall(t *testing.T) {
	f := &fakeFunctions{}
	c := newTestClient(t, f)

	got := c.CheckAllergy(context.Background(), session.New("uid-1", "", "t"), "Aspirin", nil)
	if got.HasAllergy || got.ShouldBlock {
		t.Errorf("Got %+v, want no allergy", got)
	}
	if n := f.callCount(); n != 0 {
		t.Errorf("Got %d remote calls, want 0", n)
	}
}

func TestPendingSessionFallsBackToSignIn(t *testing.T) {
	f := &fakeFunctions{}
	c := newTestClient(t, f)
	sess := session.NewPending()
	ctx := context.Background()

	allergy := c.CheckAllergy(ctx, sess, "Aspirin", []string{"nsaid"})
	if allergy.Message != SignInAllergyMessage || allergy.Blocks() {
		t.Errorf("Got %+v, want permissive sign-in result", allergy)
	}

	interaction := c.CheckInteraction(ctx, sess, InteractionQuery{Medication1: "A", Medication2: "B"})
	want := InteractionResult{
		CanTakeTogether:  true,
		InteractionLevel: "none",
		Message:          SignInInteractionMessage,
		Recommendation:   TakeTogether,
	}
	if diff := cmp.Diff(interaction, want); diff != "" {
		t.Errorf("Bad interaction result; diff (-got +want)\n%s", diff)
	}

	if n := f.callCount(); n != 0 {
		t.Errorf("Got %d remote calls, want 0", n)
	}
}

func TestCheckInteraction(t *testing.T) {
	testCases := []struct {
		desc     string
		response string
		want     InteractionResult
	}{
		{
			desc:     "space hours",
			response: `{"result":{"canTakeTogether":true,"interactionLevel":"moderate","timeGapRequired":2,"message":"Space them","recommendation":"space_hours"}}`,
			want: InteractionResult{
				CanTakeTogether:  true,
				InteractionLevel: "moderate",
				TimeGapRequired:  2,
				Message:          "Space them",
				Recommendation:   SpaceHours,
			},
		},
		{
			desc:     "avoid",
			response: `{"result":{"canTakeTogether":false,"interactionLevel":"severe","message":"Bleeding risk","recommendation":"avoid"}}`,
			want: InteractionResult{
				InteractionLevel: "severe",
				Message:          "Bleeding risk",
				Recommendation:   Avoid,
			},
		},
		{
			desc:     "bad recommendation",
			response: `{"result":{"canTakeTogether":false,"recommendation":"maybe"}}`,
			want: InteractionResult{
				CanTakeTogether:  true,
				InteractionLevel: "none",
				Message:          FallbackMessage,
				Recommendation:   TakeTogether,
			},
		},
		{
			desc:     "negative gap",
			response: `{"result":{"canTakeTogether":true,"timeGapRequired":-1,"recommendation":"space_hours"}}`,
			want: InteractionResult{
				CanTakeTogether:  true,
				InteractionLevel: "none",
				Message:          FallbackMessage,
				Recommendation:   TakeTogether,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := &fakeFunctions{responses: map[string]string{functionCheckInteraction: tc.response}}
			c := newTestClient(t, f)
			sess := session.New("uid-1", "", "t")

			got := c.CheckInteraction(context.Background(), sess, InteractionQuery{
				Medication1: "Warfarin",
				Medication2: "Aspirin",
				Time1:       "08:00",
			})
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Bad result; diff (-got +want)\n%s", diff)
			}

			wantData := map[string]interface{}{
				"medication1":     "Warfarin",
				"medication2":     "Aspirin",
				"medication1Time": "08:00",
			}
			if diff := cmp.Diff(f.lastData, wantData); diff != "" {
				t.Errorf("Bad request data; diff (-got +want)\n%s", diff)
			}
		})
	}
}

func TestSuggestions(t *testing.T) {
	f := &fakeFunctions{
		responses: map[string]string{
			functionMedicationSuggestion: `{"result":{"suggestions":["Ibuprofen","Ibandronate","Ibrutinib","Ibuprofen PM","Ibalizumab","Ibrexafungerp"]}}`,
		},
	}
	c := newTestClient(t, f)
	sess := session.New("uid-1", "", "t")
	ctx := context.Background()

	if got := c.Suggestions(ctx, sess, " i ", 0); len(got) != 0 {
		t.Errorf("Got %v for a one-character query, want nothing", got)
	}
	if n := f.callCount(); n != 0 {
		t.Errorf("Got %d remote calls for a short query, want 0", n)
	}

	got := c.Suggestions(ctx, sess, "ib", 0)
	want := []string{"Ibuprofen", "Ibandronate", "Ibrutinib", "Ibuprofen PM", "Ibalizumab"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad suggestions; diff (-got +want)\n%s", diff)
	}
	if diff := cmp.Diff(f.lastData, map[string]interface{}{"query": "ib", "limit": float64(5)}); diff != "" {
		t.Errorf("Bad request data; diff (-got +want)\n%s", diff)
	}
}

func chatTurns(n int) []ChatMessage {
	turns := []ChatMessage{}
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		turns = append(turns, ChatMessage{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	return turns
}

func TestChat(t *testing.T) {
	f := &fakeFunctions{
		responses: map[string]string{
			functionChat: `{"result":{"success":true,"response":"Take it with food."}}`,
		},
	}
	c := newTestClient(t, f)
	sess := session.New("uid-1", "", "token-1")

	got, err := c.Chat(context.Background(), sess, chatTurns(13), []string{"Aspirin"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != "Take it with food." {
		t.Errorf("Got reply %q", got)
	}

	wantMessages := []interface{}{}
	for _, m := range chatTurns(13)[3:] {
		wantMessages = append(wantMessages, map[string]interface{}{"role": string(m.Role), "content": m.Content})
	}
	want := map[string]interface{}{
		"messages":        wantMessages,
		"userMedications": []interface{}{"Aspirin"},
	}
	if diff := cmp.Diff(f.lastData, want); diff != "" {
		t.Errorf("Bad request data; diff (-got +want)\n%s", diff)
	}
}

func TestChatRejectsBadConversation(t *testing.T) {
	f := &fakeFunctions{}
	c := newTestClient(t, f)
	sess := session.New("uid-1", "", "token-1")
	ctx := context.Background()

	if _, err := c.Chat(ctx, sess, nil, nil); !errors.Is(err, ErrEmptyChat) {
		t.Errorf("Got %v, want ErrEmptyChat", err)
	}
	if _, err := c.Chat(ctx, sess, []ChatMessage{{Role: "system", Content: "x"}}, nil); !errors.Is(err, ErrInvalidChatTurn) {
		t.Errorf("Got %v, want ErrInvalidChatTurn", err)
	}
	if _, err := c.Chat(ctx, sess, []ChatMessage{{Role: RoleUser, Content: "  "}}, nil); !errors.Is(err, ErrInvalidChatTurn) {
		t.Errorf("Got %v, want ErrInvalidChatTurn", err)
	}
	if n := f.callCount(); n != 0 {
		t.Errorf("Got %d remote calls for bad conversations, want 0", n)
	}
}

func TestChatFailureReplies(t *testing.T) {
	testCases := []struct {
		desc     string
		response string
		status   int
		want     string
	}{
		{
			desc:     "unauthenticated",
			response: `{"error":{"status":"UNAUTHENTICATED","message":"User must be authenticated"}}`,
			status:   http.StatusUnauthorized,
			want:     ChatSignInMessage,
		},
		{
			desc:     "not deployed",
			response: `{}`,
			status:   http.StatusNotFound,
			want:     ChatNotDeployedMessage,
		},
		{
			desc:     "rate limited",
			response: `{"error":{"status":"RESOURCE_EXHAUSTED","message":"slow down"}}`,
			status:   http.StatusTooManyRequests,
			want:     ChatRateLimitedMessage,
		},
		{
			desc:     "no api key",
			response: `{"error":{"status":"FAILED_PRECONDITION","message":"OpenAI API key not configured"}}`,
			status:   http.StatusBadRequest,
			want:     ChatUnconfiguredMessage,
		},
		{
			desc:     "internal",
			response: `{"error":{"status":"INTERNAL","message":"boom"}}`,
			status:   http.StatusInternalServerError,
			want:     ChatFallbackMessage,
		},
		{
			desc:     "unsuccessful",
			response: `{"result":{"success":false,"response":"x"}}`,
			want:     ChatFallbackMessage,
		},
		{
			desc:     "unknown field",
			response: `{"result":{"success":true,"response":"x","model":"gpt"}}`,
			want:     ChatFallbackMessage,
		},
		{
			desc:     "empty reply",
			response: `{"result":{"success":true,"response":""}}`,
			want:     chatEmptyResponseMessage,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := &fakeFunctions{
				responses: map[string]string{functionChat: tc.response},
				status:    tc.status,
			}
			c := newTestClient(t, f)
			got, err := c.Chat(context.Background(), session.New("uid-1", "", "token-1"), chatTurns(1), nil)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Got reply %q, want %q", got, tc.want)
			}
		})
	}
}
