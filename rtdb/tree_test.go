package rtdb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitPath(t *testing.T) {
	testCases := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "/", want: nil},
		{in: "devices/123456/slots", want: []string{"devices", "123456", "slots"}},
		{in: "/devices/123456/", want: []string{"devices", "123456"}},
		{in: "devices//slots", wantErr: true},
		{in: "devices/a.b", wantErr: true},
		{in: "devices/$x", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := SplitPath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("SplitPath(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitPath(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("SplitPath(%q) bad result; diff (-got +want)\n%s", tc.in, diff)
		}
	}
}

func TestOverlaps(t *testing.T) {
	testCases := []struct {
		a, b string
		want bool
	}{
		{"", "devices/1", true},
		{"devices", "devices/1/slots/3", true},
		{"devices/1/slots/3", "devices/1", true},
		{"devices/1", "devices/12", false},
		{"devices/1/slots", "devices/1/dispense", false},
	}
	for _, tc := range testCases {
		if got := Overlaps(tc.a, tc.b); got != tc.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNormalizeStripsNulls(t *testing.T) {
	got, err := Normalize(map[string]interface{}{
		"slotNumber":     1,
		"medicationName": nil,
		"empty":          map[string]interface{}{"x": nil},
		"list":           []interface{}{"a", nil, "c"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := map[string]interface{}{
		"slotNumber": float64(1),
		"list":       map[string]interface{}{"0": "a", "2": "c"},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad normalized value; diff (-got +want)\n%s", diff)
	}
}

func TestPlaceAndMerge(t *testing.T) {
	var root interface{}
	root = Place(root, []string{"devices", "1", "status"}, "WAITING_FOR_PAIR")
	root = Place(root, []string{"devices", "1", "dispense"}, true)

	root, err := Merge(root, map[string]interface{}{
		"devices/1/slots/3/pillCount": 5,
		"devices/1/dispense":          nil,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := map[string]interface{}{
		"devices": map[string]interface{}{
			"1": map[string]interface{}{
				"status": "WAITING_FOR_PAIR",
				"slots": map[string]interface{}{
					"3": map[string]interface{}{"pillCount": float64(5)},
				},
			},
		},
	}
	if diff := cmp.Diff(root, want); diff != "" {
		t.Errorf("Bad tree; diff (-got +want)\n%s", diff)
	}

	root = Place(root, []string{"devices", "1"}, nil)
	if root != nil {
		t.Errorf("Removing the only device should prune the tree, got %v", root)
	}
}

func TestLookup(t *testing.T) {
	root := map[string]interface{}{
		"a": map[string]interface{}{"b": "c"},
	}
	if v, ok := Lookup(root, []string{"a", "b"}); !ok || v != "c" {
		t.Errorf("Lookup(a/b) = %v, %v; want c, true", v, ok)
	}
	if _, ok := Lookup(root, []string{"a", "b", "c"}); ok {
		t.Errorf("Lookup below a leaf should not exist")
	}
	if _, ok := Lookup(root, []string{"x"}); ok {
		t.Errorf("Lookup of missing child should not exist")
	}
}
