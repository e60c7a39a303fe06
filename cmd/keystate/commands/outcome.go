// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/process"
)

// Exit statuses for a submitted event that the daemon did not accept.
// The command itself succeeded; scripts branch on these.
const (
	exitRejected    = 2
	exitEscrowed    = 3
	exitDuplicitous = 4
)

// outcomeError maps a non-accepted outcome to its exit status. The
// outcome has already been printed.
func outcomeError(outcome kever.Outcome) error {
	switch outcome.Status {
	case kever.Accepted:
		return nil
	case kever.Escrowed:
		return process.Exit(exitEscrowed, nil)
	case kever.Duplicitous:
		return process.Exit(exitDuplicitous, nil)
	default:
		return process.Exit(exitRejected, nil)
	}
}

// submitSigned sends a signed key event to the daemon, prints the
// outcome, and returns outcomeError.
func (s *session) submitSigned(signed *event.Signed) (kever.Outcome, error) {
	var outcome kever.Outcome
	if err := s.call("submit-event", map[string]any{"raw": signed.Raw, "sigs": signed.Signatures}, &outcome); err != nil {
		return outcome, err
	}
	return outcome, s.printOutcome(outcome)
}

// submitRegistry sends a registry event to the daemon.
func (s *session) submitRegistry(raw []byte) (kever.Outcome, error) {
	var outcome kever.Outcome
	if err := s.call("submit-registry-event", map[string]any{"raw": raw}, &outcome); err != nil {
		return outcome, err
	}
	return outcome, s.printOutcome(outcome)
}

func (s *session) printOutcome(outcome kever.Outcome) error {
	if done, err := s.emit(outcome); done {
		if err != nil {
			return err
		}
		return outcomeError(outcome)
	}
	fmt.Println(outcome)
	return outcomeError(outcome)
}
