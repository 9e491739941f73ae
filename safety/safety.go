// Package safety calls the medication safety functions (allergy, interaction
// and name suggestion checks, and the medication assistant chat) over the
// callable-function protocol.
//
// None of these checks are authoritative.  Any transport failure or malformed
// response degrades to a permissive result that refers the user to their
// doctor.
package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pillmate/session"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	FallbackMessage              = "Unable to verify. Please consult your doctor."
	SignInAllergyMessage         = "Please sign in to verify allergies."
	SignInInteractionMessage     = "Please sign in to verify interactions."
	defaultAuthWait              = 3 * time.Second
	defaultSuggestionLimit       = 5
	minSuggestionQueryLength     = 2
	functionCheckAllergy         = "checkMedicationAllergy"
	functionCheckInteraction     = "checkDrugInteraction"
	functionMedicationSuggestion = "getMedicationSuggestions"
	functionChat                 = "chatWithMedicationAI"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
	SeverityNone   Severity = "none"
)

type Recommendation string

const (
	TakeTogether Recommendation = "take_together"
	SpaceHours   Recommendation = "space_hours"
	Avoid        Recommendation = "avoid"
)

type AllergyResult struct {
	HasAllergy  bool
	Severity    Severity
	Message     string
	ShouldBlock bool
}

// Blocks reports whether the result forbids dispensing the medication.
func (r AllergyResult) Blocks() bool {
	return r.HasAllergy && r.ShouldBlock
}

type InteractionQuery struct {
	Medication1, Medication2 string

	// Optional "HH:MM" times.
	Time1, Time2 string
}

type InteractionResult struct {
	CanTakeTogether  bool
	InteractionLevel string
	TimeGapRequired  float64
	Message          string
	Recommendation   Recommendation
}

func noAllergy(message string) AllergyResult {
	return AllergyResult{Severity: SeverityNone, Message: message}
}

func noInteraction(message string) InteractionResult {
	return InteractionResult{
		CanTakeTogether:  true,
		InteractionLevel: "none",
		Message:          message,
		Recommendation:   TakeTogether,
	}
}

var errMalformed = errors.New("malformed response")

// FunctionError is an error reported by a callable function, or an HTTP
// failure status when the function sent no error body.
type FunctionError struct {
	Function string

	// Canonical status, e.g. "UNAUTHENTICATED".  Empty for bare HTTP errors.
	Status     string
	Message    string
	HTTPStatus int
}

func (e *FunctionError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("%s returned status %d", e.Function, e.HTTPStatus)
	}
	return fmt.Sprintf("%s returned %s: %s", e.Function, e.Status, e.Message)
}

// decodeStrict decodes raw into v, rejecting fields v does not declare.
func decodeStrict(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

// Client calls the safety functions hosted under a base URL, e.g.
// https://us-central1-<project>.cloudfunctions.net.
type Client struct {
	http     *resty.Client
	authWait time.Duration

	// Used for sessions without an ID token of their own, such as those of
	// background reminder workers.
	serviceTokens oauth2.TokenSource
}

type ClientOpt func(*Client)

// WithAuthWait bounds how long a check waits for a pending session.
func WithAuthWait(d time.Duration) ClientOpt {
	return func(c *Client) {
		c.authWait = d
	}
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) ClientOpt {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithTokenSource supplies the bearer token for sessions that carry none.
// Outside tests this is an idtoken.NewTokenSource for the functions' audience.
func WithTokenSource(ts oauth2.TokenSource) ClientOpt {
	return func(c *Client) {
		c.serviceTokens = ts
	}
}

func New(baseURL string, opts ...ClientOpt) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(30*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		authWait: defaultAuthWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type callableRequest struct {
	Data interface{} `json:"data"`
}

type callableResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// call invokes a callable function and returns its raw result.
func (c *Client) call(ctx context.Context, sess *session.Session, name string, data interface{}) (json.RawMessage, error) {
	tracer := otel.Tracer("pillmate/safety")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Client."+name, trace.WithAttributes(attribute.String("function", name)))
	defer span.End()

	token := sess.IDToken()
	if (sess.IsBackground() || token == "") && c.serviceTokens != nil {
		t, err := c.serviceTokens.Token()
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("while getting service token for %s: %w", name, err)
		}
		token = t.AccessToken
	}

	var envelope callableResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(callableRequest{Data: data}).
		SetResult(&envelope).
		SetError(&envelope).
		Post("/" + name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("while calling %s: %w", name, err)
	}
	if envelope.Error != nil {
		err := &FunctionError{Function: name, Status: envelope.Error.Status, Message: envelope.Error.Message, HTTPStatus: resp.StatusCode()}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.IsError() {
		err := &FunctionError{Function: name, HTTPStatus: resp.StatusCode()}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(envelope.Result) == 0 {
		return nil, fmt.Errorf("%s: %w: no result", name, errMalformed)
	}
	return envelope.Result, nil
}

type allergyWire struct {
	HasAllergy  *bool    `json:"hasAllergy"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	ShouldBlock *bool    `json:"shouldBlock"`
}

func decodeAllergy(raw json.RawMessage) (AllergyResult, error) {
	w := allergyWire{}
	if err := decodeStrict(raw, &w); err != nil {
		return AllergyResult{}, err
	}
	if w.HasAllergy == nil || w.ShouldBlock == nil {
		return AllergyResult{}, fmt.Errorf("%w: missing hasAllergy or shouldBlock", errMalformed)
	}
	switch w.Severity {
	case SeverityHigh, SeverityMedium, SeverityLow, SeverityNone:
	default:
		return AllergyResult{}, fmt.Errorf("%w: unknown severity %q", errMalformed, w.Severity)
	}
	return AllergyResult{
		HasAllergy:  *w.HasAllergy,
		Severity:    w.Severity,
		Message:     w.Message,
		ShouldBlock: *w.ShouldBlock,
	}, nil
}

// CheckAllergy checks medication against the user's recorded allergies.  With
// no allergies on record there is nothing to check.
func (c *Client) CheckAllergy(ctx context.Context, sess *session.Session, medication string, allergies []string) AllergyResult {
	if len(allergies) == 0 {
		return noAllergy("")
	}
	if !sess.WaitReady(ctx, c.authWait) {
		return noAllergy(SignInAllergyMessage)
	}

	raw, err := c.call(ctx, sess, functionCheckAllergy, map[string]interface{}{
		"medicationName": medication,
		"userAllergies":  allergies,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Allergy check failed; allowing", slog.String("medication", medication), slog.Any("err", err))
		return noAllergy(FallbackMessage)
	}
	result, err := decodeAllergy(raw)
	if err != nil {
		slog.ErrorContext(ctx, "Allergy check returned bad result; allowing", slog.String("medication", medication), slog.Any("err", err))
		return noAllergy(FallbackMessage)
	}
	return result
}

type interactionWire struct {
	CanTakeTogether  *bool          `json:"canTakeTogether"`
	InteractionLevel string         `json:"interactionLevel"`
	TimeGapRequired  *float64       `json:"timeGapRequired"`
	Message          string         `json:"message"`
	Recommendation   Recommendation `json:"recommendation"`
}

func decodeInteraction(raw json.RawMessage) (InteractionResult, error) {
	w := interactionWire{}
	if err := decodeStrict(raw, &w); err != nil {
		return InteractionResult{}, err
	}
	if w.CanTakeTogether == nil {
		return InteractionResult{}, fmt.Errorf("%w: missing canTakeTogether", errMalformed)
	}
	switch w.Recommendation {
	case TakeTogether, SpaceHours, Avoid:
	default:
		return InteractionResult{}, fmt.Errorf("%w: unknown recommendation %q", errMalformed, w.Recommendation)
	}
	gap := 0.0
	if w.TimeGapRequired != nil {
		if *w.TimeGapRequired < 0 {
			return InteractionResult{}, fmt.Errorf("%w: negative time gap", errMalformed)
		}
		gap = *w.TimeGapRequired
	}
	return InteractionResult{
		CanTakeTogether:  *w.CanTakeTogether,
		InteractionLevel: w.InteractionLevel,
		TimeGapRequired:  gap,
		Message:          w.Message,
		Recommendation:   w.Recommendation,
	}, nil
}

// CheckInteraction checks whether two medications may be taken together.
func (c *Client) CheckInteraction(ctx context.Context, sess *session.Session, q InteractionQuery) InteractionResult {
	if !sess.WaitReady(ctx, c.authWait) {
		return noInteraction(SignInInteractionMessage)
	}

	data := map[string]interface{}{
		"medication1": q.Medication1,
		"medication2": q.Medication2,
	}
	if q.Time1 != "" {
		data["medication1Time"] = q.Time1
	}
	if q.Time2 != "" {
		data["medication2Time"] = q.Time2
	}

	raw, err := c.call(ctx, sess, functionCheckInteraction, data)
	if err != nil {
		slog.ErrorContext(ctx, "Interaction check failed; allowing", slog.String("medication1", q.Medication1), slog.String("medication2", q.Medication2), slog.Any("err", err))
		return noInteraction(FallbackMessage)
	}
	result, err := decodeInteraction(raw)
	if err != nil {
		slog.ErrorContext(ctx, "Interaction check returned bad result; allowing", slog.Any("err", err))
		return noInteraction(FallbackMessage)
	}
	return result
}

// Suggestions returns up to limit medication names matching query.  Queries
// shorter than two characters return nothing without a remote call.
func (c *Client) Suggestions(ctx context.Context, sess *session.Session, query string, limit int) []string {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < minSuggestionQueryLength {
		return []string{}
	}
	if limit <= 0 {
		limit = defaultSuggestionLimit
	}
	if !sess.WaitReady(ctx, c.authWait) {
		return []string{}
	}

	raw, err := c.call(ctx, sess, functionMedicationSuggestion, map[string]interface{}{
		"query": query,
		"limit": limit,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Suggestion lookup failed", slog.String("query", query), slog.Any("err", err))
		return []string{}
	}

	w := struct {
		Suggestions []string `json:"suggestions"`
	}{}
	if err := decodeStrict(raw, &w); err != nil || w.Suggestions == nil {
		slog.ErrorContext(ctx, "Suggestion lookup returned bad result", slog.String("query", query), slog.Any("err", err))
		return []string{}
	}
	if len(w.Suggestions) > limit {
		w.Suggestions = w.Suggestions[:limit]
	}
	return w.Suggestions
}

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of an assistant conversation.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Only this many of the latest turns are sent with each chat request.
const MaxChatContext = 10

const (
	ChatFallbackMessage      = "Sorry, I encountered an error. Please try again."
	ChatSignInMessage        = "Please sign in to use the chat feature."
	ChatNotDeployedMessage   = "Chat function is not deployed yet."
	ChatRateLimitedMessage   = "Too many requests. Please try again in a moment."
	ChatUnconfiguredMessage  = "Chat service is not configured. Please contact support."
	chatEmptyResponseMessage = "Sorry, I couldn't generate a response."
)

var (
	ErrEmptyChat       = errors.New("chat needs at least one message")
	ErrInvalidChatTurn = errors.New("chat messages need role user or assistant and non-empty content")
)

// chatFailureMessage is the reply shown in place of the assistant's when the
// chat function fails.
func chatFailureMessage(err error) string {
	fe := &FunctionError{}
	if !errors.As(err, &fe) {
		return ChatFallbackMessage
	}
	switch {
	case fe.Status == "UNAUTHENTICATED" || fe.HTTPStatus == 401:
		return ChatSignInMessage
	case fe.Status == "NOT_FOUND" || (fe.Status == "" && fe.HTTPStatus == 404):
		return ChatNotDeployedMessage
	case fe.Status == "RESOURCE_EXHAUSTED" || fe.HTTPStatus == 429:
		return ChatRateLimitedMessage
	case fe.Status == "FAILED_PRECONDITION":
		return ChatUnconfiguredMessage
	}
	return ChatFallbackMessage
}

// Chat asks the medication assistant for its next reply.  Only malformed
// conversations are errors; a failed call yields a reply explaining the
// failure.
func (c *Client) Chat(ctx context.Context, sess *session.Session, messages []ChatMessage, medications []string) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyChat
	}
	for _, m := range messages {
		if (m.Role != RoleUser && m.Role != RoleAssistant) || strings.TrimSpace(m.Content) == "" {
			return "", ErrInvalidChatTurn
		}
	}
	if len(messages) > MaxChatContext {
		messages = messages[len(messages)-MaxChatContext:]
	}
	if medications == nil {
		medications = []string{}
	}

	if !sess.WaitReady(ctx, c.authWait) {
		return ChatSignInMessage, nil
	}

	raw, err := c.call(ctx, sess, functionChat, map[string]interface{}{
		"messages":        messages,
		"userMedications": medications,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Chat call failed", slog.Any("err", err))
		return chatFailureMessage(err), nil
	}

	w := struct {
		Success  *bool   `json:"success"`
		Response *string `json:"response"`
	}{}
	if err := decodeStrict(raw, &w); err != nil || w.Success == nil || !*w.Success || w.Response == nil {
		slog.ErrorContext(ctx, "Chat returned bad result", slog.Any("err", err))
		return ChatFallbackMessage, nil
	}
	if strings.TrimSpace(*w.Response) == "" {
		return chatEmptyResponseMessage, nil
	}
	return *w.Response, nil
}
