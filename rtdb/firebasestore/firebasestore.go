// Package firebasestore is an rtdb.Store that talks to a Firebase Realtime
// Database over its REST API.
package firebasestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"pillmate/rtdb"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2/google"
)

// Scopes needed by a service account to read and write the database.
var Scopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/firebase.database",
}

const maxTxnAttempts = 25

var (
	errPreconditionFailed = errors.New("precondition failed")
	errStreamEnded        = errors.New("event stream ended")
)

// Client provides an rtdb.Store over the database at BaseURL.
type Client struct {
	Client  *http.Client
	BaseURL *url.URL
}

// New creates a new Client.  httpClient must attach credentials; see
// NewDefaultHTTPClient.
func New(httpClient *http.Client, baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("while parsing database URL %q: %w", baseURL, err)
	}
	return &Client{
		Client:  httpClient,
		BaseURL: u,
	}, nil
}

// NewDefaultHTTPClient returns an HTTP client authorized with Application
// Default Credentials.
func NewDefaultHTTPClient(ctx context.Context) (*http.Client, error) {
	client, err := google.DefaultClient(ctx, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("while creating default credentials client: %w", err)
	}
	return client, nil
}

func (c *Client) nodeURL(path string) string {
	u := *c.BaseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(path, "/") + ".json"
	return u.String()
}

func (c *Client) startSpan(ctx context.Context, name, path string) (context.Context, trace.Span) {
	tracer := otel.Tracer("pillmate/rtdb/firebasestore")
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("path", path)))
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return rtdb.ErrPermissionDenied
	case http.StatusPreconditionFailed:
		return errPreconditionFailed
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("bad status code %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// do issues a request and returns the response body and ETag.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, header http.Header) ([]byte, string, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("while marshaling body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.nodeURL(path), reader)
	if err != nil {
		return nil, "", fmt.Errorf("while making request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("while calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%s %s: %w", method, path, statusError(resp))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("while reading body: %w", err)
	}
	return respBody, resp.Header.Get("ETag"), nil
}

func snapshotFromBody(path string, body []byte) rtdb.Snapshot {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return rtdb.Snapshot{Path: path}
	}
	return rtdb.Snapshot{Path: path, Exists: true, Raw: body}
}

func (c *Client) Get(ctx context.Context, path string) (rtdb.Snapshot, error) {
	ctx, span := c.startSpan(ctx, "Client.Get", path)
	defer span.End()

	if _, err := rtdb.SplitPath(path); err != nil {
		return rtdb.Snapshot{}, err
	}
	body, _, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return rtdb.Snapshot{}, err
	}
	return snapshotFromBody(path, body), nil
}

func (c *Client) Set(ctx context.Context, path string, value interface{}) error {
	ctx, span := c.startSpan(ctx, "Client.Set", path)
	defer span.End()

	if _, err := rtdb.SplitPath(path); err != nil {
		return err
	}
	if value == nil {
		_, _, err := c.do(ctx, http.MethodDelete, path, nil, nil)
		return err
	}
	_, _, err := c.do(ctx, http.MethodPut, path, value, nil)
	return err
}

func (c *Client) Update(ctx context.Context, path string, children map[string]interface{}) error {
	ctx, span := c.startSpan(ctx, "Client.Update", path)
	defer span.End()

	if _, err := rtdb.SplitPath(path); err != nil {
		return err
	}
	for k := range children {
		if segs, err := rtdb.SplitPath(k); err != nil || len(segs) == 0 {
			return fmt.Errorf("%w: update key %q", rtdb.ErrInvalidPath, k)
		}
	}
	_, _, err := c.do(ctx, http.MethodPatch, path, children, nil)
	return err
}

// Transact uses the database's ETag-conditional writes, retrying when another
// writer got there first.
func (c *Client) Transact(ctx context.Context, path string, fn rtdb.TxnFunc) error {
	ctx, span := c.startSpan(ctx, "Client.Transact", path)
	defer span.End()

	if _, err := rtdb.SplitPath(path); err != nil {
		return err
	}

	for i := 0; i < maxTxnAttempts; i++ {
		body, etag, err := c.do(ctx, http.MethodGet, path, nil, http.Header{"X-Firebase-ETag": []string{"true"}})
		if err != nil {
			return fmt.Errorf("while reading %s for transaction: %w", path, err)
		}

		next, err := fn(snapshotFromBody(path, body))
		if err != nil {
			return err
		}

		// PUT of null deletes the node.
		var payload interface{} = next
		if next == nil {
			payload = json.RawMessage("null")
		}
		_, _, err = c.do(ctx, http.MethodPut, path, payload, http.Header{"if-match": []string{etag}})
		if errors.Is(err, errPreconditionFailed) {
			continue
		}
		return err
	}
	return fmt.Errorf("while writing %s: %w", path, rtdb.ErrTooManyRetries)
}

// Watch subscribes to the database's event stream for path.  Any put or patch
// event triggers a fresh read of the subtree.
func (c *Client) Watch(ctx context.Context, path string) (*rtdb.Subscription, error) {
	if _, err := rtdb.SplitPath(path); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	sub := rtdb.NewSubscription(ctx, func(ctx context.Context) (rtdb.Snapshot, error) {
		return c.Get(ctx, path)
	}, func() {
		cancel()
		<-done
	})

	go func() {
		defer close(done)
		err := c.stream(streamCtx, path, sub.Notify)
		if streamCtx.Err() != nil {
			return
		}
		slog.ErrorContext(ctx, "Event stream failed", slog.String("path", path), slog.Any("err", err))
		sub.Fail(err)
	}()

	return sub, nil
}

// stream reads server-sent events until the stream ends, calling changed for
// every data event.
func (c *Client) stream(ctx context.Context, path string, changed func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nodeURL(path), nil)
	if err != nil {
		return fmt.Errorf("while making request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("while opening event stream for %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("while opening event stream for %s: %w", path, statusError(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			switch event {
			case "put", "patch":
				changed()
			case "cancel", "auth_revoked":
				return fmt.Errorf("event stream %s: %s: %w", path, event, rtdb.ErrPermissionDenied)
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("while reading event stream for %s: %w", path, err)
	}
	return errStreamEnded
}
