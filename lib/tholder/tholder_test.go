// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tholder

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/keystate/lib/codec"
)

func TestSimpleSatisfied(t *testing.T) {
	threshold := Simple(2)
	tests := []struct {
		name    string
		indices []int
		want    bool
	}{
		{"none", nil, false},
		{"one", []int{0}, false},
		{"two", []int{0, 2}, true},
		{"duplicate does not count twice", []int{1, 1}, false},
		{"three", []int{0, 1, 2}, true},
		{"out of range does not count", []int{0, 3}, false},
		{"negative does not count", []int{-1, 2}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := threshold.Satisfied(test.indices, 3); got != test.want {
				t.Errorf("Satisfied(%v) = %v, want %v", test.indices, got, test.want)
			}
		})
	}
}

func TestWeightedSatisfied(t *testing.T) {
	// Two clauses: three keys at 1/2 each, then two keys at 1 and 1/2.
	threshold, err := Weighted([][]string{{"1/2", "1/2", "1/2"}, {"1", "1/2"}})
	if err != nil {
		t.Fatalf("Weighted: %v", err)
	}
	if err := threshold.Validate(5); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name    string
		indices []int
		want    bool
	}{
		{"first clause only", []int{0, 1}, false},
		{"both clauses", []int{0, 1, 3}, true},
		{"second clause by halves only", []int{0, 2, 4}, false},
		{"every key", []int{0, 1, 2, 3, 4}, true},
		{"one half in first clause", []int{0, 3}, false},
		{"past the last key", []int{0, 1, 3, 5}, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := threshold.Satisfied(test.indices, 5); got != test.want {
				t.Errorf("Satisfied(%v) = %v, want %v", test.indices, got, test.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		threshold func() (Tholder, error)
		keys      int
	}{
		{"simple zero", func() (Tholder, error) { return Simple(0), nil }, 1},
		{"simple above key count", func() (Tholder, error) { return Simple(3), nil }, 2},
		{"no keys", func() (Tholder, error) { return Simple(1), nil }, 0},
		{"weight count mismatch", func() (Tholder, error) { return Weighted([][]string{{"1/2", "1/2"}}) }, 3},
		{"unsatisfiable clause", func() (Tholder, error) { return Weighted([][]string{{"1/3", "1/3"}}) }, 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			threshold, err := test.threshold()
			if err != nil {
				t.Fatalf("construction: %v", err)
			}
			if err := threshold.Validate(test.keys); !errors.Is(err, ErrInvalidThresholdSpec) {
				t.Errorf("Validate(%d) error = %v, want ErrInvalidThresholdSpec", test.keys, err)
			}
		})
	}
}

func TestWeightedRejectsMalformedWeights(t *testing.T) {
	for _, clauses := range [][][]string{
		nil,
		{{}},
		{{"abc"}},
		{{"0"}},
		{{"3/2"}},
		{{"-1/2", "1"}},
		{{"0.5", "1/2"}},
		{{"1e-999999"}},
		{{"1/2e3"}},
		{{"1/" + strings.Repeat("9", 40)}},
	} {
		if _, err := Weighted(clauses); !errors.Is(err, ErrInvalidThresholdSpec) {
			t.Errorf("Weighted(%v) error = %v, want ErrInvalidThresholdSpec", clauses, err)
		}
	}
}

func TestCanonicalIsReproducible(t *testing.T) {
	// Equivalent spellings of the same weights produce one canonical
	// form, which is what the pre-rotation commitment compares.
	a, err := Weighted([][]string{{"2/4", "1/2"}, {"1"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Weighted([][]string{{"1/2", "3/6"}, {"1/1"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.Canonical() != "[1/2,1/2][1]" {
		t.Errorf("Canonical = %q, want %q", a.Canonical(), "[1/2,1/2][1]")
	}
	if !a.Equal(b) {
		t.Errorf("%q and %q should be equal", a.Canonical(), b.Canonical())
	}

	if Simple(10).Canonical() != "a" {
		t.Errorf("Simple(10).Canonical() = %q, want %q", Simple(10).Canonical(), "a")
	}
	if Simple(1).Equal(MustParse("[1]")) {
		t.Error("simple and weighted thresholds must not share a canonical form")
	}
}

func TestParseCanonical(t *testing.T) {
	for _, text := range []string{"1", "a", "[1/2,1/2][1]", "[1/3,1/3,1/3]"} {
		threshold, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q): %v", text, err)
		}
		if threshold.Canonical() != text {
			t.Errorf("Parse(%q).Canonical() = %q", text, threshold.Canonical())
		}
	}
	for _, text := range []string{"", "xyz", "[1/2", "[][1]"} {
		if _, err := Parse(text); !errors.Is(err, ErrInvalidThresholdSpec) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidThresholdSpec", text, err)
		}
	}
}

func TestCBOREncoding(t *testing.T) {
	type holder struct {
		Threshold *Tholder `cbor:"kt,omitempty"`
	}

	for _, text := range []string{"2", "[1/2,1/2][1]"} {
		threshold := MustParse(text)
		data, err := codec.Marshal(holder{Threshold: &threshold})
		if err != nil {
			t.Fatalf("Marshal %q: %v", text, err)
		}
		var decoded holder
		if err := codec.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal %q: %v", text, err)
		}
		if decoded.Threshold == nil || decoded.Threshold.Canonical() != text {
			t.Errorf("decoded threshold = %v, want %q", decoded.Threshold, text)
		}
	}

	// A flat weight array decodes as one clause.
	data, err := codec.Marshal(map[string]any{"kt": []string{"1/2", "1/2"}})
	if err != nil {
		t.Fatal(err)
	}
	var decoded holder
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal flat clause: %v", err)
	}
	if decoded.Threshold.Canonical() != "[1/2,1/2]" {
		t.Errorf("flat clause decoded as %q", decoded.Threshold.Canonical())
	}
}

func TestJSONUsesCanonicalText(t *testing.T) {
	weighted, err := Weighted([][]string{{"1/2", "2/4"}, {"1"}})
	if err != nil {
		t.Fatalf("Weighted: %v", err)
	}
	data, err := json.Marshal(struct {
		Threshold Tholder `json:"threshold"`
	}{weighted})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"threshold":"[1/2,1/2][1]"}` {
		t.Errorf("json = %s", data)
	}

	var decoded Tholder
	if err := json.Unmarshal([]byte(`"[1/2,1/2][1]"`), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.Equal(weighted) {
		t.Errorf("decoded %s, want %s", decoded, weighted)
	}
	if err := json.Unmarshal([]byte(`3`), &decoded); !errors.Is(err, ErrInvalidThresholdSpec) {
		t.Errorf("Unmarshal(3) error = %v", err)
	}
}
