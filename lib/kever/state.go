// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kever

import (
	"slices"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

// Flag marks an identifier that has stopped advancing until an
// operator resolves it.
type Flag string

const (
	// FlagNone: the identifier advances normally.
	FlagNone Flag = ""

	// FlagDuplicity: two valid events were seen at one sequence number.
	FlagDuplicity Flag = "duplicity"

	// FlagUnderReview: a properly signed rotation revealed keys that
	// do not match the published commitment.
	FlagUnderReview Flag = "under-review"
)

// State is a read-only snapshot of an identifier's key state.
type State struct {
	Prefix   event.Prefix  `cbor:"prefix"`
	Sequence uint64        `cbor:"sequence"`
	LastSAID digest.Digest `cbor:"last_said"`
	LastIlk  event.Ilk     `cbor:"last_ilk"`

	// LastEstablishment is the sequence number of the most recent
	// inception or rotation.
	LastEstablishment uint64 `cbor:"last_establishment"`

	Keys      []string        `cbor:"keys"`
	Threshold tholder.Tholder `cbor:"threshold"`

	NextDigests    []digest.Digest `cbor:"next_digests,omitempty"`
	NextThreshold  tholder.Tholder `cbor:"next_threshold"`
	NextCommitment digest.Digest   `cbor:"next_commitment,omitempty"`

	Witnesses        []event.Prefix `cbor:"witnesses,omitempty"`
	WitnessThreshold uint64         `cbor:"witness_threshold"`

	Delegator event.Prefix `cbor:"delegator,omitempty"`
	Config    []string     `cbor:"config,omitempty"`

	Flag Flag `cbor:"flag,omitempty"`
}

// Transferable reports whether the identifier can still rotate: its
// prefix is transferable and the last establishment event committed
// to next keys.
func (s State) Transferable() bool {
	return s.Prefix.Transferable() && len(s.NextDigests) > 0
}

// Delegated reports whether establishment events need delegator
// approval.
func (s State) Delegated() bool { return s.Delegator != "" }

// HasTrait reports whether the inception configured trait.
func (s State) HasTrait(trait string) bool {
	return slices.Contains(s.Config, trait)
}

// IsWitness reports whether prefix is in the current witness set.
func (s State) IsWitness(prefix event.Prefix) bool {
	return slices.Contains(s.Witnesses, prefix)
}

func (s State) clone() State {
	s.Keys = slices.Clone(s.Keys)
	s.NextDigests = slices.Clone(s.NextDigests)
	s.Witnesses = slices.Clone(s.Witnesses)
	s.Config = slices.Clone(s.Config)
	return s
}

// authority records the keys in force from an establishment event
// until the next one. Conflict classification needs the authority
// that was current at an arbitrary earlier sequence number.
type authority struct {
	sequence  uint64
	keys      []string
	threshold tholder.Tholder
}

func zeroOr(threshold *tholder.Tholder) tholder.Tholder {
	if threshold == nil {
		return tholder.Tholder{}
	}
	return *threshold
}
