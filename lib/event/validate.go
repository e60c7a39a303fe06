// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/bureau-foundation/keystate/lib/signing"
)

// Validate checks the per-ilk shape of the event: required fields are
// present and well formed, forbidden fields are absent. It needs no
// key state; rules that depend on prior state (witness cuts, the
// pre-rotation commitment) belong to the state machine.
func (e *Event) Validate() error {
	if e.Prefix == "" {
		return invalid(e, "missing prefix")
	}
	switch e.Ilk {
	case Inception, DelegatedInception:
		return e.validateInception()
	case Rotation, DelegatedRotation:
		return e.validateRotation()
	case Interaction:
		return e.validateInteraction()
	case RegistryInception:
		return e.validateRegistryInception()
	case Issuance:
		return e.validateIssuance()
	case Revocation:
		return e.validateRevocation()
	}
	return invalid(e, "unknown ilk %q", e.Ilk)
}

func invalid(e *Event, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s/%d: %s", ErrInvalid, e.Ilk, e.Prefix, e.Sequence, fmt.Sprintf(format, args...))
}

func (e *Event) validateInception() error {
	if e.Sequence != 0 {
		return invalid(e, "inception sequence must be 0")
	}
	if !e.Prior.IsZero() {
		return invalid(e, "inception has a prior digest")
	}
	if err := e.validateKeys(); err != nil {
		return err
	}
	if err := e.validateNext(); err != nil {
		return err
	}
	if err := validateSeals(e); err != nil {
		return err
	}
	if len(e.WitnessCuts) > 0 || len(e.WitnessAdds) > 0 {
		return invalid(e, "inception uses witness cuts or adds; declare the set in b")
	}
	if err := validatePrefixSet(e, "b", e.Witnesses); err != nil {
		return err
	}
	if err := validateWitnessThreshold(e, len(e.Witnesses)); err != nil {
		return err
	}
	for _, trait := range e.Config {
		switch trait {
		case TraitEstablishmentOnly, TraitDoNotDelegate:
		default:
			return invalid(e, "unknown config trait %q", trait)
		}
	}
	if e.Issuer != "" || e.Registry != "" || e.Timestamp != "" || e.Nonce != "" {
		return invalid(e, "registry fields on a key event")
	}

	switch {
	case e.selfAddressed():
	case e.Prefix.Basic():
		if e.Ilk == DelegatedInception {
			return invalid(e, "delegated identifiers must be self-addressing")
		}
		if len(e.Keys) != 1 || string(e.Prefix) != e.Keys[0] {
			return invalid(e, "basic prefix must equal the single inception key")
		}
		if !e.Prefix.Transferable() && len(e.NextDigests) > 0 {
			return invalid(e, "non-transferable prefix commits to next keys")
		}
	default:
		return invalid(e, "prefix is neither self-addressing nor a basic key")
	}

	if e.Ilk == DelegatedInception {
		if !e.Delegator.SelfAddressing() {
			return invalid(e, "delegator %q is not a self-addressing prefix", e.Delegator)
		}
		if e.Delegator == e.Prefix {
			return invalid(e, "identifier delegates to itself")
		}
	} else if e.Delegator != "" {
		return invalid(e, "delegator on a non-delegated inception")
	}
	return nil
}

func (e *Event) validateRotation() error {
	if e.Sequence == 0 {
		return invalid(e, "rotation sequence must be at least 1")
	}
	if !e.Prior.Valid() {
		return invalid(e, "missing or malformed prior digest")
	}
	if err := e.validateKeys(); err != nil {
		return err
	}
	if err := e.validateNext(); err != nil {
		return err
	}
	if err := validateSeals(e); err != nil {
		return err
	}
	if len(e.Witnesses) > 0 {
		return invalid(e, "rotation declares a full witness set; use br and ba")
	}
	if err := validatePrefixSet(e, "br", e.WitnessCuts); err != nil {
		return err
	}
	if err := validatePrefixSet(e, "ba", e.WitnessAdds); err != nil {
		return err
	}
	if len(e.Config) > 0 {
		return invalid(e, "config traits are fixed at inception")
	}
	if e.Delegator != "" || e.Issuer != "" || e.Registry != "" || e.Timestamp != "" || e.Nonce != "" {
		return invalid(e, "unexpected delegator or registry fields")
	}
	return nil
}

func (e *Event) validateInteraction() error {
	if e.Sequence == 0 {
		return invalid(e, "interaction sequence must be at least 1")
	}
	if !e.Prior.Valid() {
		return invalid(e, "missing or malformed prior digest")
	}
	if e.KeyThreshold != nil || len(e.Keys) > 0 || e.NextThreshold != nil || len(e.NextDigests) > 0 {
		return invalid(e, "interaction carries key fields")
	}
	if e.WitnessThreshold != 0 || len(e.Witnesses) > 0 || len(e.WitnessCuts) > 0 || len(e.WitnessAdds) > 0 {
		return invalid(e, "interaction carries witness fields")
	}
	if len(e.Config) > 0 || e.Delegator != "" || e.Issuer != "" || e.Registry != "" || e.Timestamp != "" || e.Nonce != "" {
		return invalid(e, "interaction carries config, delegator, or registry fields")
	}
	return validateSeals(e)
}

func (e *Event) validateRegistryInception() error {
	if e.Sequence != 0 || !e.Prior.IsZero() {
		return invalid(e, "registry inception must be sequence 0 with no prior")
	}
	if !e.selfAddressed() {
		return invalid(e, "registry prefix must be self-addressing")
	}
	if !e.Issuer.SelfAddressing() {
		return invalid(e, "registry issuer %q is not a self-addressing prefix", e.Issuer)
	}
	if err := e.forbidKeyFields(); err != nil {
		return err
	}
	for _, trait := range e.Config {
		if trait != TraitNoBackers {
			return invalid(e, "unknown registry trait %q", trait)
		}
	}
	if e.Registry != "" || e.Timestamp != "" {
		return invalid(e, "registry inception carries credential fields")
	}
	return nil
}

func (e *Event) validateIssuance() error {
	if e.Sequence != 0 || !e.Prior.IsZero() {
		return invalid(e, "issuance must be sequence 0 with no prior")
	}
	return e.validateCredentialEvent()
}

func (e *Event) validateRevocation() error {
	if e.Sequence != 1 {
		return invalid(e, "revocation must be sequence 1")
	}
	if !e.Prior.Valid() {
		return invalid(e, "revocation needs the issuance digest as prior")
	}
	return e.validateCredentialEvent()
}

func (e *Event) validateCredentialEvent() error {
	if !e.Registry.SelfAddressing() {
		return invalid(e, "registry %q is not a self-addressing prefix", e.Registry)
	}
	if e.Timestamp == "" {
		return invalid(e, "missing timestamp")
	}
	if e.Issuer != "" || len(e.Config) > 0 || e.Nonce != "" {
		return invalid(e, "credential event carries registry inception fields")
	}
	return e.forbidKeyFields()
}

func (e *Event) forbidKeyFields() error {
	if e.KeyThreshold != nil || len(e.Keys) > 0 || e.NextThreshold != nil || len(e.NextDigests) > 0 {
		return invalid(e, "registry event carries key fields")
	}
	if e.WitnessThreshold != 0 || len(e.Witnesses) > 0 || len(e.WitnessCuts) > 0 || len(e.WitnessAdds) > 0 {
		return invalid(e, "registry event carries witness fields")
	}
	if e.Delegator != "" || len(e.Anchors) > 0 {
		return invalid(e, "registry event carries delegator or anchors")
	}
	return nil
}

func (e *Event) validateKeys() error {
	if len(e.Keys) == 0 {
		return invalid(e, "no signing keys")
	}
	seen := make(map[string]bool, len(e.Keys))
	for _, key := range e.Keys {
		if !signing.ValidKey(key) {
			return invalid(e, "malformed signing key %q", key)
		}
		if seen[key] {
			return invalid(e, "duplicate signing key %q", key)
		}
		seen[key] = true
	}
	if e.KeyThreshold == nil {
		return invalid(e, "missing signing threshold")
	}
	if err := e.KeyThreshold.Validate(len(e.Keys)); err != nil {
		return invalid(e, "signing threshold: %v", err)
	}
	return nil
}

func (e *Event) validateNext() error {
	for _, committed := range e.NextDigests {
		if !committed.Valid() {
			return invalid(e, "malformed next key digest %q", committed)
		}
	}
	if len(e.NextDigests) == 0 {
		if e.NextThreshold != nil && !e.NextThreshold.IsZero() {
			return invalid(e, "next threshold without next key digests")
		}
		return nil
	}
	if e.NextThreshold == nil {
		return invalid(e, "next key digests without next threshold")
	}
	if err := e.NextThreshold.Validate(len(e.NextDigests)); err != nil {
		return invalid(e, "next threshold: %v", err)
	}
	return nil
}

func validatePrefixSet(e *Event, field string, prefixes []Prefix) error {
	seen := make(map[Prefix]bool, len(prefixes))
	for _, prefix := range prefixes {
		if !ValidWitness(prefix) {
			return invalid(e, "%s entry %q is not a non-transferable witness prefix", field, prefix)
		}
		if seen[prefix] {
			return invalid(e, "%s lists %q twice", field, prefix)
		}
		seen[prefix] = true
	}
	return nil
}

func validateWitnessThreshold(e *Event, witnessCount int) error {
	threshold := int(e.WitnessThreshold)
	if witnessCount == 0 && threshold != 0 {
		return invalid(e, "witness threshold %d with no witnesses", threshold)
	}
	if witnessCount > 0 && (threshold < 1 || threshold > witnessCount) {
		return invalid(e, "witness threshold %d outside 1..%d", threshold, witnessCount)
	}
	return nil
}

// ValidateWitnessThreshold checks threshold against the witness count
// that results after a rotation's cuts and adds.
func ValidateWitnessThreshold(e *Event, witnessCount int) error {
	return validateWitnessThreshold(e, witnessCount)
}

func validateSeals(e *Event) error {
	for _, seal := range e.Anchors {
		if seal.Prefix == "" || !seal.SAID.Valid() {
			return invalid(e, "malformed anchored seal %s", seal)
		}
	}
	return nil
}
