// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

// InceptOptions describes a new identifier.
type InceptOptions struct {
	Keys          []string
	KeyThreshold  tholder.Tholder
	NextDigests   []digest.Digest
	NextThreshold tholder.Tholder

	Witnesses        []Prefix
	WitnessThreshold uint64

	Config  []string
	Anchors []Seal

	// Delegator makes this a delegated inception.
	Delegator Prefix

	// Basic uses the single inception key as the prefix instead of
	// the SAID.
	Basic bool
}

// Incept builds an inception (or delegated inception) event and its
// raw bytes.
func Incept(options InceptOptions) (*Event, []byte, error) {
	incepted := &Event{
		Ilk:              Inception,
		Keys:             options.Keys,
		KeyThreshold:     thresholdPointer(options.KeyThreshold),
		NextDigests:      options.NextDigests,
		WitnessThreshold: options.WitnessThreshold,
		Witnesses:        options.Witnesses,
		Config:           options.Config,
		Anchors:          options.Anchors,
	}
	if len(options.NextDigests) > 0 {
		incepted.NextThreshold = thresholdPointer(options.NextThreshold)
	}
	if options.Delegator != "" {
		incepted.Ilk = DelegatedInception
		incepted.Delegator = options.Delegator
	}
	if options.Basic {
		if len(options.Keys) != 1 {
			return nil, nil, fmt.Errorf("basic inception needs exactly one key, got %d", len(options.Keys))
		}
		incepted.Prefix = Prefix(options.Keys[0])
	}
	raw, err := finalize(incepted, !options.Basic)
	if err != nil {
		return nil, nil, err
	}
	if err := incepted.Validate(); err != nil {
		return nil, nil, err
	}
	return incepted, raw, nil
}

// RotateOptions describes a rotation of an existing identifier.
type RotateOptions struct {
	Prefix   Prefix
	Sequence uint64
	Prior    digest.Digest

	Keys          []string
	KeyThreshold  tholder.Tholder
	NextDigests   []digest.Digest
	NextThreshold tholder.Tholder

	WitnessThreshold uint64
	WitnessCuts      []Prefix
	WitnessAdds      []Prefix

	Anchors []Seal

	// Delegated produces a delegated rotation.
	Delegated bool
}

// Rotate builds a rotation (or delegated rotation) event.
func Rotate(options RotateOptions) (*Event, []byte, error) {
	rotated := &Event{
		Ilk:              Rotation,
		Prefix:           options.Prefix,
		Sequence:         options.Sequence,
		Prior:            options.Prior,
		Keys:             options.Keys,
		KeyThreshold:     thresholdPointer(options.KeyThreshold),
		NextDigests:      options.NextDigests,
		WitnessThreshold: options.WitnessThreshold,
		WitnessCuts:      options.WitnessCuts,
		WitnessAdds:      options.WitnessAdds,
		Anchors:          options.Anchors,
	}
	if len(options.NextDigests) > 0 {
		rotated.NextThreshold = thresholdPointer(options.NextThreshold)
	}
	if options.Delegated {
		rotated.Ilk = DelegatedRotation
	}
	raw, err := finalize(rotated, false)
	if err != nil {
		return nil, nil, err
	}
	if err := rotated.Validate(); err != nil {
		return nil, nil, err
	}
	return rotated, raw, nil
}

// Interact builds an interaction event anchoring seals.
func Interact(prefix Prefix, sequence uint64, prior digest.Digest, anchors []Seal) (*Event, []byte, error) {
	interaction := &Event{
		Ilk:      Interaction,
		Prefix:   prefix,
		Sequence: sequence,
		Prior:    prior,
		Anchors:  anchors,
	}
	raw, err := finalize(interaction, false)
	if err != nil {
		return nil, nil, err
	}
	if err := interaction.Validate(); err != nil {
		return nil, nil, err
	}
	return interaction, raw, nil
}

// InceptRegistry builds a registry inception controlled by issuer.
// The nonce distinguishes several registries of one issuer.
func InceptRegistry(issuer Prefix, nonce string) (*Event, []byte, error) {
	registry := &Event{
		Ilk:    RegistryInception,
		Issuer: issuer,
		Nonce:  nonce,
		Config: []string{TraitNoBackers},
	}
	raw, err := finalize(registry, true)
	if err != nil {
		return nil, nil, err
	}
	if err := registry.Validate(); err != nil {
		return nil, nil, err
	}
	return registry, raw, nil
}

// Issue builds the issuance event for credential in registry.
// Timestamp is RFC 3339 text.
func Issue(registry, credential Prefix, timestamp string) (*Event, []byte, error) {
	issuance := &Event{
		Ilk:       Issuance,
		Prefix:    credential,
		Registry:  registry,
		Timestamp: timestamp,
	}
	raw, err := finalize(issuance, false)
	if err != nil {
		return nil, nil, err
	}
	if err := issuance.Validate(); err != nil {
		return nil, nil, err
	}
	return issuance, raw, nil
}

// Revoke builds the revocation event for a credential whose issuance
// event has SAID issued.
func Revoke(registry, credential Prefix, issued digest.Digest, timestamp string) (*Event, []byte, error) {
	revocation := &Event{
		Ilk:       Revocation,
		Prefix:    credential,
		Sequence:  1,
		Prior:     issued,
		Registry:  registry,
		Timestamp: timestamp,
	}
	raw, err := finalize(revocation, false)
	if err != nil {
		return nil, nil, err
	}
	if err := revocation.Validate(); err != nil {
		return nil, nil, err
	}
	return revocation, raw, nil
}

func thresholdPointer(threshold tholder.Tholder) *tholder.Tholder {
	return &threshold
}
