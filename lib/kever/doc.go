// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kever implements the key state machine of one identifier.
//
// A Kever starts from an inception event ([Initialize]) and advances
// only through events that [Kever.Apply] accepts. Apply checks, in
// order:
//
//   - an event at an occupied sequence number is an idempotent
//     duplicate (same SAID) or a conflict; a conflict authorized by the
//     keys that were in force is duplicity and flags the identifier
//   - a flagged identifier escrows everything later
//   - gaps and prior-digest mismatches escrow (MissingPrior,
//     PriorMismatch)
//   - signatures must satisfy the threshold of the keys in force
//     before the event, or the event escrows (ThresholdNotMet)
//   - a rotation's revealed keys and threshold must match the
//     commitment of the previous establishment event; a mismatch is
//     rejected and flags the identifier for review
//   - delegated establishment events need the delegator's anchored
//     seal (PendingDelegation)
//
// Accepted events are appended to the [Log] before state advances, so
// a failed append leaves the state untouched. State never rolls back:
// an operator can clear a flag with [Kever.Resolve], and the
// identifier resumes from its last accepted event.
//
// Kever holds no escrow of its own. Escrowed outcomes are returned to
// the caller, which holds the event and retries it later.
package kever
