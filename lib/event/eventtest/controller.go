// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventtest builds signed key and registry events for tests.
//
// A Controller holds the current and next signing keys of one test
// identifier and tracks the sequence number and last SAID of the
// events it has built, so tests can write a KEL step by step:
//
//	controller := eventtest.NewController(t, 1, "1")
//	inception := controller.Incept(t, nil)
//	rotation := controller.Rotate(t, nil)
//
// Events are signed by the keys authoritative before the event: the
// declared keys for an inception, the pre-rotation current keys for a
// rotation or interaction.
package eventtest

import (
	"testing"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/signing"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

// Controller is a test identifier controller.
type Controller struct {
	Prefix    event.Prefix
	Sequence  uint64
	Last      digest.Digest
	Delegated bool

	Current          []*signing.Signer
	CurrentThreshold tholder.Tholder
	Next             []*signing.Signer
	NextThreshold    tholder.Tholder
}

// NewController generates keyCount current and next keys, both under
// the threshold text (canonical form, e.g. "2" or "[1/2,1/2]").
func NewController(t testing.TB, keyCount int, threshold string) *Controller {
	t.Helper()
	parsed, err := tholder.Parse(threshold)
	if err != nil {
		t.Fatalf("parsing threshold %q: %v", threshold, err)
	}
	return &Controller{
		Current:          Signers(t, keyCount),
		CurrentThreshold: parsed,
		Next:             Signers(t, keyCount),
		NextThreshold:    parsed,
	}
}

// Signers generates count transferable signers.
func Signers(t testing.TB, count int) []*signing.Signer {
	t.Helper()
	signers := make([]*signing.Signer, 0, count)
	for i := 0; i < count; i++ {
		signer, err := signing.GenerateSigner(true)
		if err != nil {
			t.Fatalf("GenerateSigner: %v", err)
		}
		signers = append(signers, signer)
	}
	return signers
}

// Keys returns the qualified public keys of signers.
func Keys(signers []*signing.Signer) []string {
	keys := make([]string, 0, len(signers))
	for _, signer := range signers {
		keys = append(keys, signer.Verfer())
	}
	return keys
}

// Sign signs raw with every signer, indexed by position.
func Sign(raw []byte, signers []*signing.Signer) []signing.IndexedSignature {
	signatures := make([]signing.IndexedSignature, 0, len(signers))
	for index, signer := range signers {
		signatures = append(signatures, signer.SignIndexed(raw, index))
	}
	return signatures
}

// SignIndices signs raw with only the signers at indices.
func SignIndices(raw []byte, signers []*signing.Signer, indices ...int) []signing.IndexedSignature {
	signatures := make([]signing.IndexedSignature, 0, len(indices))
	for _, index := range indices {
		signatures = append(signatures, signers[index].SignIndexed(raw, index))
	}
	return signatures
}

// Witness generates a non-transferable witness signer and its prefix.
func Witness(t testing.TB) (*signing.Signer, event.Prefix) {
	t.Helper()
	signer, err := signing.GenerateSigner(false)
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	return signer, event.Prefix(signer.Verfer())
}

// Incept builds and signs the inception. mutate may adjust the options
// before the event is built (witnesses, config, delegator).
func (c *Controller) Incept(t testing.TB, mutate func(*event.InceptOptions)) *event.Signed {
	t.Helper()
	options := event.InceptOptions{
		Keys:          Keys(c.Current),
		KeyThreshold:  c.CurrentThreshold,
		NextDigests:   event.DigestKeys(Keys(c.Next)),
		NextThreshold: c.NextThreshold,
	}
	if mutate != nil {
		mutate(&options)
	}
	incepted, raw, err := event.Incept(options)
	if err != nil {
		t.Fatalf("building inception: %v", err)
	}
	c.Prefix = incepted.Prefix
	c.Sequence = 0
	c.Last = incepted.SAID
	c.Delegated = incepted.Ilk == event.DelegatedInception
	return &event.Signed{Event: incepted, Raw: raw, Signatures: Sign(raw, c.Current)}
}

// RotationSpec overrides parts of a rotation built by BuildRotation.
type RotationSpec struct {
	// Keys replaces the revealed keys (defaults to the committed next
	// keys).
	Keys []*signing.Signer

	// Threshold replaces the signing threshold (defaults to the
	// committed next threshold).
	Threshold *tholder.Tholder

	WitnessCuts      []event.Prefix
	WitnessAdds      []event.Prefix
	WitnessThreshold uint64
	Anchors          []event.Seal
}

// BuildRotation builds and signs a rotation without advancing the
// controller. It returns the event and the freshly generated next
// keys it commits to.
func (c *Controller) BuildRotation(t testing.TB, spec RotationSpec) (*event.Signed, []*signing.Signer) {
	t.Helper()
	revealed := spec.Keys
	if revealed == nil {
		revealed = c.Next
	}
	threshold := c.NextThreshold
	if spec.Threshold != nil {
		threshold = *spec.Threshold
	}
	next := Signers(t, len(revealed))
	rotated, raw, err := event.Rotate(event.RotateOptions{
		Prefix:           c.Prefix,
		Sequence:         c.Sequence + 1,
		Prior:            c.Last,
		Keys:             Keys(revealed),
		KeyThreshold:     threshold,
		NextDigests:      event.DigestKeys(Keys(next)),
		NextThreshold:    threshold,
		WitnessThreshold: spec.WitnessThreshold,
		WitnessCuts:      spec.WitnessCuts,
		WitnessAdds:      spec.WitnessAdds,
		Anchors:          spec.Anchors,
		Delegated:        c.Delegated,
	})
	if err != nil {
		t.Fatalf("building rotation: %v", err)
	}
	return &event.Signed{Event: rotated, Raw: raw, Signatures: Sign(raw, c.Current)}, next
}

// Rotate builds a rotation to the committed next keys, signed by the
// current keys, and advances the controller.
func (c *Controller) Rotate(t testing.TB, spec *RotationSpec) *event.Signed {
	t.Helper()
	if spec == nil {
		spec = &RotationSpec{}
	}
	signed, next := c.BuildRotation(t, *spec)
	c.Sequence = signed.Event.Sequence
	c.Last = signed.Event.SAID
	c.Current = c.Next
	c.CurrentThreshold = *signed.Event.KeyThreshold
	c.Next = next
	c.NextThreshold = *signed.Event.NextThreshold
	return signed
}

// Interact builds an interaction anchoring seals and advances the
// controller.
func (c *Controller) Interact(t testing.TB, anchors ...event.Seal) *event.Signed {
	t.Helper()
	signed := c.BuildInteraction(t, c.Sequence+1, c.Last, anchors...)
	c.Sequence = signed.Event.Sequence
	c.Last = signed.Event.SAID
	return signed
}

// BuildInteraction builds an interaction at an explicit position
// without advancing the controller.
func (c *Controller) BuildInteraction(t testing.TB, sequence uint64, prior digest.Digest, anchors ...event.Seal) *event.Signed {
	t.Helper()
	interaction, raw, err := event.Interact(c.Prefix, sequence, prior, anchors)
	if err != nil {
		t.Fatalf("building interaction: %v", err)
	}
	return &event.Signed{Event: interaction, Raw: raw, Signatures: Sign(raw, c.Current)}
}

// Unsigned returns a copy of signed with no signatures.
func Unsigned(signed *event.Signed) *event.Signed {
	return &event.Signed{Event: signed.Event, Raw: signed.Raw}
}
