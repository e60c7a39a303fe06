// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kever

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/keystate/lib/event"
)

// rotateWitnesses applies a rotation's cuts and adds to the current
// witness set. Cuts must name current witnesses and adds must be new;
// no prefix may appear in both. The surviving witnesses keep their
// order and adds follow.
func rotateWitnesses(current, cuts, adds []event.Prefix) ([]event.Prefix, error) {
	for _, cut := range cuts {
		if !slices.Contains(current, cut) {
			return nil, fmt.Errorf("cut witness %s is not in the current set", cut)
		}
	}
	for _, add := range adds {
		if slices.Contains(cuts, add) {
			return nil, fmt.Errorf("witness %s is both cut and added", add)
		}
		if slices.Contains(current, add) {
			return nil, fmt.Errorf("added witness %s is already in the current set", add)
		}
	}

	rotated := make([]event.Prefix, 0, len(current)-len(cuts)+len(adds))
	for _, witness := range current {
		if !slices.Contains(cuts, witness) {
			rotated = append(rotated, witness)
		}
	}
	return append(rotated, adds...), nil
}
