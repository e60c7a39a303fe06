// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tholder evaluates signing thresholds over an ordered key list.
//
// A threshold is either simple (at least N distinct keys must sign) or
// weighted: a list of clauses, each a list of rational weights, laid
// over the key list in order. A weighted threshold is satisfied when
// every clause independently reaches a total weight of at least one
// (AND across clauses, weighted OR within a clause).
//
// Both forms have a canonical text rendering. The pre-rotation
// commitment compares canonical forms, so two thresholds that mean the
// same thing must render to the same text: weights are reduced
// fractions and simple counts are lowercase hex.
package tholder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/bureau-foundation/keystate/lib/codec"
)

// ErrInvalidThresholdSpec is wrapped by every validation failure.
var ErrInvalidThresholdSpec = errors.New("invalid threshold spec")

// Weights are written as "n/d" or a bare integer in decimal digits.
var weightPattern = regexp.MustCompile(`^[0-9]+(/[0-9]+)?$`)

const maxWeightLength = 32

// Tholder is a signing threshold. The zero value is the simple
// threshold 0, used only where no keys are committed.
type Tholder struct {
	count   int
	clauses [][]*big.Rat
}

// Simple returns a threshold requiring count distinct signatures.
func Simple(count int) Tholder {
	return Tholder{count: count}
}

// Weighted builds a weighted threshold from clauses of weight text
// ("1/2", "1/3", "1").
func Weighted(clauses [][]string) (Tholder, error) {
	if len(clauses) == 0 {
		return Tholder{}, fmt.Errorf("%w: weighted threshold has no clauses", ErrInvalidThresholdSpec)
	}
	parsed := make([][]*big.Rat, 0, len(clauses))
	for clauseIndex, clause := range clauses {
		if len(clause) == 0 {
			return Tholder{}, fmt.Errorf("%w: clause %d is empty", ErrInvalidThresholdSpec, clauseIndex)
		}
		weights := make([]*big.Rat, 0, len(clause))
		for _, text := range clause {
			text = strings.TrimSpace(text)
			// big.Rat also reads decimals and exponents; "1e-999999"
			// would allocate a million-digit denominator.
			if len(text) > maxWeightLength || !weightPattern.MatchString(text) {
				return Tholder{}, fmt.Errorf("%w: weight %q is not a fraction n/d or an integer", ErrInvalidThresholdSpec, text)
			}
			weight, ok := new(big.Rat).SetString(text)
			if !ok {
				return Tholder{}, fmt.Errorf("%w: weight %q is not a rational number", ErrInvalidThresholdSpec, text)
			}
			if weight.Sign() <= 0 || weight.Cmp(big.NewRat(1, 1)) > 0 {
				return Tholder{}, fmt.Errorf("%w: weight %q outside (0, 1]", ErrInvalidThresholdSpec, text)
			}
			weights = append(weights, weight)
		}
		parsed = append(parsed, weights)
	}
	return Tholder{clauses: parsed}, nil
}

// Parse reads the canonical text form.
func Parse(text string) (Tholder, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "[") {
		if !strings.HasSuffix(text, "]") {
			return Tholder{}, fmt.Errorf("%w: unterminated clause in %q", ErrInvalidThresholdSpec, text)
		}
		var clauses [][]string
		for _, clause := range strings.Split(text[1:len(text)-1], "][") {
			clauses = append(clauses, strings.Split(clause, ","))
		}
		return Weighted(clauses)
	}
	count, err := strconv.ParseUint(text, 16, 31)
	if err != nil {
		return Tholder{}, fmt.Errorf("%w: %q is neither a hex count nor a clause list", ErrInvalidThresholdSpec, text)
	}
	return Simple(int(count)), nil
}

// MustParse is Parse for constant thresholds in tests and builders.
func MustParse(text string) Tholder {
	threshold, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return threshold
}

// IsWeighted reports whether the threshold uses weighted clauses.
func (t Tholder) IsWeighted() bool { return t.clauses != nil }

// IsZero reports whether this is the empty simple threshold.
func (t Tholder) IsZero() bool { return t.clauses == nil && t.count == 0 }

// Count returns the simple signature count. Zero for weighted
// thresholds.
func (t Tholder) Count() int { return t.count }

// Size returns how many keys the threshold spans: the number of
// weights for a weighted threshold, the count for a simple one.
func (t Tholder) Size() int {
	if !t.IsWeighted() {
		return t.count
	}
	size := 0
	for _, clause := range t.clauses {
		size += len(clause)
	}
	return size
}

// Validate checks that the threshold is well formed for a list of
// keyCount keys and can be satisfied.
func (t Tholder) Validate(keyCount int) error {
	if keyCount <= 0 {
		return fmt.Errorf("%w: no keys", ErrInvalidThresholdSpec)
	}
	if !t.IsWeighted() {
		if t.count < 1 || t.count > keyCount {
			return fmt.Errorf("%w: count %d outside 1..%d", ErrInvalidThresholdSpec, t.count, keyCount)
		}
		return nil
	}
	if size := t.Size(); size != keyCount {
		return fmt.Errorf("%w: %d weights for %d keys", ErrInvalidThresholdSpec, size, keyCount)
	}
	one := big.NewRat(1, 1)
	for clauseIndex, clause := range t.clauses {
		sum := new(big.Rat)
		for _, weight := range clause {
			sum.Add(sum, weight)
		}
		if sum.Cmp(one) < 0 {
			return fmt.Errorf("%w: clause %d sums to %s and can never be satisfied",
				ErrInvalidThresholdSpec, clauseIndex, sum.RatString())
		}
	}
	return nil
}

// Satisfied reports whether signatures at indices into a list of
// keyCount keys meet the threshold. Duplicate indices count once and
// indices outside 0..keyCount-1 are ignored, so a simple threshold
// cannot be met by padding the list with indices no key answers to.
func (t Tholder) Satisfied(indices []int, keyCount int) bool {
	present := make(map[int]bool, len(indices))
	for _, index := range indices {
		if index >= 0 && index < keyCount {
			present[index] = true
		}
	}

	if !t.IsWeighted() {
		return t.count > 0 && len(present) >= t.count
	}

	one := big.NewRat(1, 1)
	offset := 0
	for _, clause := range t.clauses {
		sum := new(big.Rat)
		for position, weight := range clause {
			if present[offset+position] {
				sum.Add(sum, weight)
			}
		}
		if sum.Cmp(one) < 0 {
			return false
		}
		offset += len(clause)
	}
	return true
}

// Canonical returns the canonical text form: lowercase hex for simple
// thresholds, bracketed comma-separated reduced fractions per clause
// for weighted ones ("[1/2,1/2][1]").
func (t Tholder) Canonical() string {
	if !t.IsWeighted() {
		return strconv.FormatInt(int64(t.count), 16)
	}
	var builder strings.Builder
	for _, clause := range t.clauses {
		builder.WriteByte('[')
		for position, weight := range clause {
			if position > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(weight.RatString())
		}
		builder.WriteByte(']')
	}
	return builder.String()
}

// String returns the canonical form.
func (t Tholder) String() string { return t.Canonical() }

// Equal compares canonical forms.
func (t Tholder) Equal(other Tholder) bool {
	return t.Canonical() == other.Canonical()
}

// clauseText renders weighted clauses as text for encoding.
func (t Tholder) clauseText() [][]string {
	clauses := make([][]string, 0, len(t.clauses))
	for _, clause := range t.clauses {
		weights := make([]string, 0, len(clause))
		for _, weight := range clause {
			weights = append(weights, weight.RatString())
		}
		clauses = append(clauses, weights)
	}
	return clauses
}

// MarshalCBOR encodes a simple threshold as a hex text string and a
// weighted one as an array of arrays of weight strings.
func (t Tholder) MarshalCBOR() ([]byte, error) {
	if !t.IsWeighted() {
		return codec.Marshal(t.Canonical())
	}
	return codec.Marshal(t.clauseText())
}

// UnmarshalCBOR accepts a hex text string, an array of weight arrays,
// or a single flat array of weights (one clause).
func (t *Tholder) UnmarshalCBOR(data []byte) error {
	var text string
	if err := codec.Unmarshal(data, &text); err == nil {
		if strings.HasPrefix(text, "[") {
			return fmt.Errorf("%w: clause text %q must be encoded as an array", ErrInvalidThresholdSpec, text)
		}
		parsed, err := Parse(text)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}

	var clauses [][]string
	if err := codec.Unmarshal(data, &clauses); err == nil {
		parsed, err := Weighted(clauses)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}

	var single []string
	if err := codec.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("%w: unrecognized encoding", ErrInvalidThresholdSpec)
	}
	parsed, err := Weighted([][]string{single})
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON renders the canonical text, for CLI output.
func (t Tholder) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Canonical())
}

// UnmarshalJSON parses canonical text.
func (t *Tholder) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThresholdSpec, err)
	}
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
