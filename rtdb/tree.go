package rtdb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Normalize converts v into the generic JSON form used by tree operations
// (map[string]interface{}, float64, string, bool) and strips nulls and empty
// objects the way the realtime database does.
func Normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("while marshaling value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("while unmarshaling value: %w", err)
	}
	return prune(out), nil
}

func prune(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if p := prune(child); p == nil {
				delete(t, k)
			} else {
				t[k] = p
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []interface{}:
		// Arrays are stored as objects keyed by index.
		m := map[string]interface{}{}
		for i, child := range t {
			if p := prune(child); p != nil {
				m[strconv.Itoa(i)] = p
			}
		}
		if len(m) == 0 {
			return nil
		}
		return m
	default:
		return v
	}
}

// Lookup returns the value beneath root at segs.
func Lookup(root interface{}, segs []string) (interface{}, bool) {
	cur := root
	for _, seg := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Place returns root with the node at segs replaced by value (already
// normalized).  A nil value removes the node and prunes emptied parents.
// root is modified in place where possible.
func Place(root interface{}, segs []string, value interface{}) interface{} {
	if len(segs) == 0 {
		return value
	}
	m, ok := root.(map[string]interface{})
	if !ok {
		if value == nil {
			return root
		}
		m = map[string]interface{}{}
	}
	child := Place(m[segs[0]], segs[1:], value)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Merge applies a multi-path update to the node at root.  Keys of children are
// relative paths.
func Merge(root interface{}, children map[string]interface{}) (interface{}, error) {
	// Apply in a stable order so that overlapping keys behave predictably.
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		segs, err := SplitPath(k)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			return nil, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		v, err := Normalize(children[k])
		if err != nil {
			return nil, err
		}
		root = Place(root, segs, v)
	}
	return root, nil
}

// Clone deep-copies a normalized tree.
func Clone(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	out := make(map[string]interface{}, len(m))
	for k, child := range m {
		out[k] = Clone(child)
	}
	return out
}
