// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kever

import (
	"fmt"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
)

// Status is the disposition of a submitted event.
type Status string

const (
	// Accepted: the event is (or already was) the log entry at its
	// sequence number.
	Accepted Status = "accepted"

	// Escrowed: a dependency is missing. The event is held and retried
	// when the dependency arrives.
	Escrowed Status = "escrowed"

	// Rejected: the event can never be accepted as submitted.
	Rejected Status = "rejected"

	// Duplicitous: the event conflicts with the accepted event at its
	// sequence number and is independently valid. Both are retained
	// and the identifier is flagged.
	Duplicitous Status = "duplicitous"
)

// Reason qualifies an Escrowed, Rejected or Duplicitous outcome.
type Reason string

// Retryable reasons (Escrowed).
const (
	// MissingPrior: the identifier is unknown or events before this
	// sequence number have not been accepted.
	MissingPrior Reason = "MissingPrior"

	// PriorMismatch: the event is next in sequence but its prior
	// digest is not the last accepted event's SAID.
	PriorMismatch Reason = "PriorMismatch"

	// ThresholdNotMet: the verified signatures do not satisfy the
	// authorizing threshold yet.
	ThresholdNotMet Reason = "ThresholdNotMet"

	// PendingDelegation: the delegator has not anchored a seal for
	// this delegated establishment event.
	PendingDelegation Reason = "PendingDelegation"

	// MissingAnchor: the controller has not anchored a seal for this
	// registry event.
	MissingAnchor Reason = "MissingAnchor"

	// Flagged: the identifier is under operator review after a
	// pre-rotation mismatch.
	Flagged Reason = "Flagged"

	// Duplicity: the identifier has conflicting accepted-looking
	// events. Used both for the Duplicitous outcome itself and for
	// later events escrowed behind the flag.
	Duplicity Reason = "Duplicity"
)

// Fatal reasons (Rejected).
const (
	InvalidInception     Reason = "InvalidInception"
	InvalidEvent         Reason = "InvalidEvent"
	InvalidSignatures    Reason = "InvalidSignatures"
	InvalidWitnessConfig Reason = "InvalidWitnessConfig"
	PreRotationMismatch  Reason = "PreRotationMismatch"
	NonTransferable      Reason = "NonTransferable"
	EstablishmentOnly    Reason = "EstablishmentOnly"
	DelegationRefused    Reason = "DelegationRefused"
	AlreadyRevoked       Reason = "AlreadyRevoked"
)

// Outcome is the typed result of submitting an event.
type Outcome struct {
	Status   Status        `cbor:"status"`
	Reason   Reason        `cbor:"reason,omitempty"`
	Prefix   event.Prefix  `cbor:"prefix"`
	Sequence uint64        `cbor:"sequence"`
	SAID     digest.Digest `cbor:"said"`

	// Detail is a human-readable elaboration for logs and operators.
	Detail string `cbor:"detail,omitempty"`
}

// String renders the outcome for logs and CLI output.
func (o Outcome) String() string {
	text := fmt.Sprintf("%s %s/%d %s", o.Status, o.Prefix, o.Sequence, o.SAID.Short())
	if o.Reason != "" {
		text += " (" + string(o.Reason) + ")"
	}
	if o.Detail != "" {
		text += ": " + o.Detail
	}
	return text
}

// Retryable reports whether the event was escrowed.
func (o Outcome) Retryable() bool { return o.Status == Escrowed }

func outcome(status Status, reason Reason, e *event.Event, format string, args ...any) Outcome {
	result := Outcome{
		Status:   status,
		Reason:   reason,
		Prefix:   e.Prefix,
		Sequence: e.Sequence,
		SAID:     e.SAID,
	}
	if format != "" {
		result.Detail = fmt.Sprintf(format, args...)
	}
	return result
}

// Accept returns the Accepted outcome for e.
func Accept(e *event.Event) Outcome {
	return outcome(Accepted, "", e, "")
}

// Escrow returns an Escrowed outcome for e.
func Escrow(e *event.Event, reason Reason, format string, args ...any) Outcome {
	return outcome(Escrowed, reason, e, format, args...)
}

// Reject returns a Rejected outcome for e.
func Reject(e *event.Event, reason Reason, format string, args ...any) Outcome {
	return outcome(Rejected, reason, e, format, args...)
}
