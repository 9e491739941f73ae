// Package rtdb is a path-addressed JSON tree with change subscriptions.
//
// The model follows the Firebase Realtime Database: every node is addressed by
// a slash-separated path, writing null removes a node, empty objects vanish,
// and watchers receive the full value of the watched subtree whenever anything
// beneath it changes.
package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPath      = errors.New("invalid path")
	ErrShallowWrite     = errors.New("backend does not support writes above document depth")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotExist         = errors.New("node does not exist")
	ErrTooManyRetries   = errors.New("transaction did not converge")
)

// Snapshot is the value of a node at the time it was read.
type Snapshot struct {
	Path   string
	Exists bool
	Raw    json.RawMessage
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v interface{}) error {
	if !s.Exists {
		return fmt.Errorf("%s: %w", s.Path, ErrNotExist)
	}
	if err := json.Unmarshal(s.Raw, v); err != nil {
		return fmt.Errorf("while decoding %s: %w", s.Path, err)
	}
	return nil
}

// NewSnapshot marshals v as the value at path.  A nil v is a missing node.
func NewSnapshot(path string, v interface{}) (Snapshot, error) {
	if v == nil {
		return Snapshot{Path: path}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, fmt.Errorf("while marshaling %s: %w", path, err)
	}
	return Snapshot{Path: path, Exists: true, Raw: raw}, nil
}

// TxnFunc computes the new value of a node from its current value.  Returning
// a nil value deletes the node.  Returning an error aborts the transaction
// without writing, and the error is handed back to the caller of Transact.
//
// The function may run more than once.
type TxnFunc func(current Snapshot) (interface{}, error)

// Store is implemented by every tree backend.
type Store interface {
	// Get reads the node at path.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set replaces the node at path.  A nil value removes it.
	Set(ctx context.Context, path string, value interface{}) error

	// Update writes each child (keys may be relative multi-segment paths)
	// below path, leaving siblings untouched.  Nil values remove children.
	Update(ctx context.Context, path string, children map[string]interface{}) error

	// Transact atomically replaces the node at path with the result of fn.
	Transact(ctx context.Context, path string, fn TxnFunc) error

	// Watch subscribes to the subtree at path.  The current value is
	// delivered first.
	Watch(ctx context.Context, path string) (*Subscription, error)
}

// SplitPath cleans a path into its segments.  The root is the empty path.
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, seg := range segs {
		if seg == "" || strings.ContainsAny(seg, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// Join builds a path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

// Overlaps reports whether a change at one path can affect a watcher of the
// other, i.e. one is an ancestor of (or equal to) the other.
func Overlaps(a, b string) bool {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	if a == "" || b == "" || a == b {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasPrefix(b, a+"/")
}
