// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/signing"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

// InceptOptions describes a new identifier.
type InceptOptions struct {
	// KeyCount defaults to 1.
	KeyCount int

	// Threshold defaults to a simple majority of KeyCount.
	Threshold tholder.Tholder

	// NextThreshold defaults to Threshold.
	NextThreshold tholder.Tholder

	Witnesses        []event.Prefix
	WitnessThreshold uint64
	Config           []string
	Anchors          []event.Seal
	Delegator        event.Prefix
}

// RotateOptions adjusts a rotation. The revealed keys and their
// threshold are always the ones committed by the previous
// establishment event.
type RotateOptions struct {
	// NextThreshold defaults to the identifier's current next
	// threshold.
	NextThreshold tholder.Tholder

	WitnessCuts []event.Prefix
	WitnessAdds []event.Prefix

	// WitnessThreshold keeps the current threshold when nil.
	WitnessThreshold *uint64

	Anchors []event.Seal
}

// Incept creates alias, derives its first two key sets, and returns
// the signed inception. The record is saved before Incept returns.
func (k *Keeper) Incept(alias string, options InceptOptions) (*event.Signed, error) {
	if alias == "" {
		return nil, fmt.Errorf("keeper: alias is required")
	}
	count := options.KeyCount
	if count == 0 {
		count = 1
	}
	threshold := options.Threshold
	if threshold.IsZero() {
		threshold = tholder.Simple(count/2 + 1)
	}
	nextThreshold := options.NextThreshold
	if nextThreshold.IsZero() {
		nextThreshold = threshold
	}
	for _, check := range []tholder.Tholder{threshold, nextThreshold} {
		if err := check.Validate(count); err != nil {
			return nil, fmt.Errorf("keeper: %w", err)
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.identifiers[alias]; exists {
		return nil, fmt.Errorf("%w: %q", ErrAliasExists, alias)
	}

	current, err := k.signers(alias, 0, count)
	if err != nil {
		return nil, err
	}
	next, err := k.signers(alias, 1, count)
	if err != nil {
		return nil, err
	}
	incepted, raw, err := event.Incept(event.InceptOptions{
		Keys:             verfers(current),
		KeyThreshold:     threshold,
		NextDigests:      event.DigestKeys(verfers(next)),
		NextThreshold:    nextThreshold,
		Witnesses:        options.Witnesses,
		WitnessThreshold: options.WitnessThreshold,
		Config:           options.Config,
		Anchors:          options.Anchors,
		Delegator:        options.Delegator,
	})
	if err != nil {
		return nil, fmt.Errorf("keeper: building inception for %q: %w", alias, err)
	}

	now := k.clock.Now()
	record := &Identifier{
		Alias:            alias,
		Prefix:           incepted.Prefix,
		KeyCount:         count,
		Threshold:        threshold,
		NextThreshold:    nextThreshold,
		Last:             incepted.SAID,
		Witnesses:        slices.Clone(options.Witnesses),
		WitnessThreshold: options.WitnessThreshold,
		Delegator:        options.Delegator,
		Created:          now,
		Updated:          now,
	}
	if err := k.commit(alias, record); err != nil {
		return nil, err
	}
	k.logger.Info("identifier incepted", "alias", alias, "prefix", incepted.Prefix, "ilk", incepted.Ilk)
	return &event.Signed{Event: incepted, Raw: raw, Signatures: sign(raw, current)}, nil
}

// Rotate reveals the committed next keys of alias, commits to a fresh
// set, and returns the rotation signed by the keys it replaces.
func (k *Keeper) Rotate(alias string, options RotateOptions) (*event.Signed, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	record, ok := k.identifiers[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}

	nextThreshold := options.NextThreshold
	if nextThreshold.IsZero() {
		nextThreshold = record.NextThreshold
	}
	if err := nextThreshold.Validate(record.KeyCount); err != nil {
		return nil, fmt.Errorf("keeper: %w", err)
	}
	witnessThreshold := record.WitnessThreshold
	if options.WitnessThreshold != nil {
		witnessThreshold = *options.WitnessThreshold
	}

	current, err := k.signers(alias, record.Rotation, record.KeyCount)
	if err != nil {
		return nil, err
	}
	revealed, err := k.signers(alias, record.Rotation+1, record.KeyCount)
	if err != nil {
		return nil, err
	}
	next, err := k.signers(alias, record.Rotation+2, record.KeyCount)
	if err != nil {
		return nil, err
	}
	rotated, raw, err := event.Rotate(event.RotateOptions{
		Prefix:           record.Prefix,
		Sequence:         record.Sequence + 1,
		Prior:            record.Last,
		Keys:             verfers(revealed),
		KeyThreshold:     record.NextThreshold,
		NextDigests:      event.DigestKeys(verfers(next)),
		NextThreshold:    nextThreshold,
		WitnessThreshold: witnessThreshold,
		WitnessCuts:      options.WitnessCuts,
		WitnessAdds:      options.WitnessAdds,
		Anchors:          options.Anchors,
		Delegated:        record.Delegator != "",
	})
	if err != nil {
		return nil, fmt.Errorf("keeper: building rotation for %q: %w", alias, err)
	}

	updated := *record
	updated.Rotation++
	updated.Threshold = record.NextThreshold
	updated.NextThreshold = nextThreshold
	updated.Sequence = rotated.Sequence
	updated.Last = rotated.SAID
	updated.Witnesses = applyWitnessChanges(record.Witnesses, options.WitnessCuts, options.WitnessAdds)
	updated.WitnessThreshold = witnessThreshold
	updated.Updated = k.clock.Now()
	if err := k.commit(alias, &updated); err != nil {
		return nil, err
	}
	k.logger.Info("identifier rotated", "alias", alias, "prefix", record.Prefix, "sn", rotated.Sequence, "rotation", updated.Rotation)
	return &event.Signed{Event: rotated, Raw: raw, Signatures: sign(raw, current)}, nil
}

// Interact returns the next interaction of alias anchoring seals.
func (k *Keeper) Interact(alias string, seals ...event.Seal) (*event.Signed, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	record, ok := k.identifiers[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}
	current, err := k.signers(alias, record.Rotation, record.KeyCount)
	if err != nil {
		return nil, err
	}
	interaction, raw, err := event.Interact(record.Prefix, record.Sequence+1, record.Last, seals)
	if err != nil {
		return nil, fmt.Errorf("keeper: building interaction for %q: %w", alias, err)
	}

	updated := *record
	updated.Sequence = interaction.Sequence
	updated.Last = interaction.SAID
	updated.Updated = k.clock.Now()
	if err := k.commit(alias, &updated); err != nil {
		return nil, err
	}
	k.logger.Debug("interaction built", "alias", alias, "prefix", record.Prefix, "sn", interaction.Sequence)
	return &event.Signed{Event: interaction, Raw: raw, Signatures: sign(raw, current)}, nil
}

// Sign signs raw with every current key of alias. Co-signers that
// share an identifier each hold a keystore and submit their own
// signatures for the same event.
func (k *Keeper) Sign(alias string, raw []byte) ([]signing.IndexedSignature, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	record, ok := k.identifiers[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}
	current, err := k.signers(alias, record.Rotation, record.KeyCount)
	if err != nil {
		return nil, err
	}
	return sign(raw, current), nil
}

// commit saves the keystore with record in place of alias, restoring
// the previous record if the write fails. The caller holds k.mu.
func (k *Keeper) commit(alias string, record *Identifier) error {
	previous, existed := k.identifiers[alias]
	k.identifiers[alias] = record
	if err := k.save(false); err != nil {
		if existed {
			k.identifiers[alias] = previous
		} else {
			delete(k.identifiers, alias)
		}
		return err
	}
	return nil
}

func applyWitnessChanges(witnesses, cuts, adds []event.Prefix) []event.Prefix {
	var result []event.Prefix
	for _, witness := range witnesses {
		if !slices.Contains(cuts, witness) {
			result = append(result, witness)
		}
	}
	return append(result, adds...)
}
