// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kever

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// Log durably appends accepted events. Append must be atomic: either
// the event is stored at (prefix, sequence) or nothing changes.
type Log interface {
	Append(ctx context.Context, signed *event.Signed) error
}

// Approval is a delegator's answer for one delegated establishment
// event.
type Approval int

const (
	// ApprovalPending: no anchored seal found yet.
	ApprovalPending Approval = iota

	// ApprovalConfirmed: the delegator's accepted log anchors the seal.
	ApprovalConfirmed

	// ApprovalRefused: the delegator can never approve (its inception
	// configured do-not-delegate).
	ApprovalRefused
)

// Approver answers delegation approval queries.
type Approver interface {
	Approve(ctx context.Context, delegator event.Prefix, seal event.Seal) (Approval, error)
}

// Config holds a Kever's collaborators.
type Config struct {
	// Log receives every accepted event before state advances.
	// Required.
	Log Log

	// Approver confirms delegated inceptions and rotations. With no
	// Approver, delegated establishment events stay pending.
	Approver Approver

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Kever holds the live key state of one identifier and applies new
// events to it.
//
// Apply, Resolve and SetFlag must not run concurrently for one Kever;
// the caller serializes them per prefix. State and SAIDAt may be
// called at any time.
type Kever struct {
	log      Log
	approver Approver
	logger   *slog.Logger

	mu          sync.RWMutex
	state       State
	saids       []digest.Digest
	authorities []authority
}

func newKever(config Config) *Kever {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Kever{
		log:      config.Log,
		approver: config.Approver,
		logger:   logger,
	}
}

// Initialize validates an inception (or delegated inception) and, if
// it is authorized, appends it and returns the new Kever.
//
// The returned Kever is nil unless the outcome is Accepted. The error
// is reserved for log and approver failures.
func Initialize(ctx context.Context, signed *event.Signed, config Config) (*Kever, Outcome, error) {
	incepted := signed.Event
	if incepted.Ilk != event.Inception && incepted.Ilk != event.DelegatedInception {
		return nil, Reject(incepted, InvalidInception, "expected an inception event, got %s", incepted.Ilk), nil
	}
	if err := incepted.Validate(); err != nil {
		return nil, Reject(incepted, InvalidInception, "%v", err), nil
	}

	verified := signing.VerifiedIndices(incepted.Keys, signed.Raw, signed.Signatures)
	if !incepted.KeyThreshold.Satisfied(verified, len(incepted.Keys)) {
		return nil, Escrow(incepted, ThresholdNotMet, "%d of %d declared keys signed, threshold %s",
			len(verified), len(incepted.Keys), incepted.KeyThreshold), nil
	}

	if incepted.Ilk == event.DelegatedInception {
		blocked, approved, err := approve(ctx, config.Approver, incepted, incepted.Delegator)
		if err != nil || !approved {
			return nil, blocked, err
		}
	}

	k := newKever(config)
	if err := k.log.Append(ctx, signed); err != nil {
		return nil, Outcome{}, fmt.Errorf("appending inception of %s: %w", incepted.Prefix, err)
	}
	k.incept(incepted)
	k.logger.Info("identifier incepted",
		"prefix", incepted.Prefix,
		"ilk", incepted.Ilk,
		"said", incepted.SAID,
		"keys", len(incepted.Keys),
		"witnesses", len(incepted.Witnesses),
	)
	return k, Accept(incepted), nil
}

// Restore rebuilds a Kever from a stored inception without checking
// signatures or delegation. Use it only for events the store already
// accepted.
func Restore(signed *event.Signed, config Config) (*Kever, error) {
	incepted := signed.Event
	if incepted.Ilk != event.Inception && incepted.Ilk != event.DelegatedInception {
		return nil, fmt.Errorf("restoring %s: first stored event is %s, not an inception", incepted.Prefix, incepted.Ilk)
	}
	if err := incepted.Validate(); err != nil {
		return nil, fmt.Errorf("restoring %s: %w", incepted.Prefix, err)
	}
	k := newKever(config)
	k.incept(incepted)
	return k, nil
}

// Replay advances state by one stored event without checking
// signatures, the commitment, or delegation.
func (k *Kever) Replay(signed *event.Signed) error {
	replayed := signed.Event
	state := k.State()
	if replayed.Prefix != state.Prefix {
		return fmt.Errorf("replaying %s event into %s", replayed.Prefix, state.Prefix)
	}
	if err := replayed.Validate(); err != nil {
		return fmt.Errorf("replaying %s/%d: %w", replayed.Prefix, replayed.Sequence, err)
	}
	if replayed.Sequence != state.Sequence+1 || replayed.Prior != state.LastSAID {
		return fmt.Errorf("replaying %s/%d: does not follow %d (%s)",
			replayed.Prefix, replayed.Sequence, state.Sequence, state.LastSAID.Short())
	}
	witnesses := state.Witnesses
	if replayed.Ilk.Establishment() {
		var err error
		witnesses, err = rotateWitnesses(state.Witnesses, replayed.WitnessCuts, replayed.WitnessAdds)
		if err != nil {
			return fmt.Errorf("replaying %s/%d: %w", replayed.Prefix, replayed.Sequence, err)
		}
	}
	k.advance(replayed, witnesses)
	return nil
}

// Apply validates signed against the current state and, when it is
// authorized, appends it and advances the state.
//
// Event-level results are Outcomes. The error is reserved for log and
// approver failures, after which state has not advanced.
func (k *Kever) Apply(ctx context.Context, signed *event.Signed) (Outcome, error) {
	applied := signed.Event
	state := k.State()
	if applied.Prefix != state.Prefix {
		return Outcome{}, fmt.Errorf("applying %s event to %s", applied.Prefix, state.Prefix)
	}
	if !applied.Ilk.KeyEvent() {
		return Reject(applied, InvalidEvent, "%s is not a key event", applied.Ilk), nil
	}
	if err := applied.Validate(); err != nil {
		return Reject(applied, InvalidEvent, "%v", err), nil
	}

	// An occupied sequence number: the same event again, or a
	// conflict.
	if applied.Sequence <= state.Sequence {
		accepted, _ := k.SAIDAt(applied.Sequence)
		if accepted == applied.SAID {
			return Accept(applied), nil
		}
		return k.classifyConflict(signed, accepted), nil
	}

	switch state.Flag {
	case FlagDuplicity:
		return Escrow(applied, Duplicity, "identifier is flagged duplicitous until resolved"), nil
	case FlagUnderReview:
		return Escrow(applied, Flagged, "identifier is under review until resolved"), nil
	}
	if !state.Transferable() {
		return Reject(applied, NonTransferable, "identifier accepts no events after sequence %d", state.Sequence), nil
	}
	if applied.Sequence > state.Sequence+1 {
		return Escrow(applied, MissingPrior, "last accepted sequence is %d", state.Sequence), nil
	}
	if applied.Prior != state.LastSAID {
		return Escrow(applied, PriorMismatch, "prior %s does not match last accepted %s",
			applied.Prior.Short(), state.LastSAID.Short()), nil
	}

	witnesses := state.Witnesses
	switch applied.Ilk {
	case event.Inception, event.DelegatedInception:
		return Reject(applied, InvalidEvent, "inception after sequence 0"), nil
	case event.Interaction:
		if state.HasTrait(event.TraitEstablishmentOnly) {
			return Reject(applied, EstablishmentOnly, "identifier is establishment-only"), nil
		}
	case event.Rotation, event.DelegatedRotation:
		if state.Delegated() != (applied.Ilk == event.DelegatedRotation) {
			return Reject(applied, InvalidEvent, "%s for an identifier with delegator %q", applied.Ilk, state.Delegator), nil
		}
		rotated, err := rotateWitnesses(state.Witnesses, applied.WitnessCuts, applied.WitnessAdds)
		if err != nil {
			return Reject(applied, InvalidWitnessConfig, "%v", err), nil
		}
		if err := event.ValidateWitnessThreshold(applied, len(rotated)); err != nil {
			return Reject(applied, InvalidWitnessConfig, "%v", err), nil
		}
		witnesses = rotated
	default:
		return Reject(applied, InvalidEvent, "unexpected ilk %s", applied.Ilk), nil
	}

	// Signatures index the keys in force before this event.
	verified := signing.VerifiedIndices(state.Keys, signed.Raw, signed.Signatures)
	if !state.Threshold.Satisfied(verified, len(state.Keys)) {
		return Escrow(applied, ThresholdNotMet, "%d of %d current keys signed, threshold %s",
			len(verified), len(state.Keys), state.Threshold), nil
	}

	if applied.Ilk.Establishment() {
		revealed := event.RevealedCommitment(applied.Keys, *applied.KeyThreshold)
		if revealed != state.NextCommitment {
			k.SetFlag(FlagUnderReview)
			k.logger.Warn("pre-rotation mismatch; identifier flagged for review",
				"prefix", applied.Prefix,
				"sn", applied.Sequence,
				"said", applied.SAID,
				"revealed", revealed,
				"committed", state.NextCommitment,
			)
			return Reject(applied, PreRotationMismatch, "revealed keys commit to %s, prior establishment committed %s",
				revealed.Short(), state.NextCommitment.Short()), nil
		}
	}

	if applied.Ilk.Delegated() {
		blocked, approved, err := approve(ctx, k.approver, applied, state.Delegator)
		if err != nil || !approved {
			return blocked, err
		}
	}

	if err := k.log.Append(ctx, signed); err != nil {
		return Outcome{}, fmt.Errorf("appending %s/%d: %w", applied.Prefix, applied.Sequence, err)
	}
	k.advance(applied, witnesses)
	k.logger.Info("event accepted",
		"prefix", applied.Prefix,
		"sn", applied.Sequence,
		"ilk", applied.Ilk,
		"said", applied.SAID,
	)
	return Accept(applied), nil
}

// classifyConflict decides whether an event at an occupied sequence
// number is evidence of duplicity. It is, if the keys that were in
// force before that sequence number authorized it.
//
// The check runs against historical authority, not the current keys.
// A controller that signed two different events at sequence n signed
// both with the keys established at or before n-1; by the time the
// second arrives the identifier may have rotated past n, and the
// current keys would then reject real evidence as a bad signature.
// The converse matters as much: anyone can forge an unsigned or
// badly signed event at an old sequence number, and recording that as
// duplicity would let a stranger flag any identifier. So an
// unauthorized conflict is an ordinary InvalidSignatures rejection and
// never touches the flag.
//
// An inception conflict (sequence 0) can only be judged by the keys
// it declares itself, since nothing precedes it.
func (k *Kever) classifyConflict(signed *event.Signed, accepted digest.Digest) Outcome {
	conflict := signed.Event
	keys := conflict.Keys
	threshold := conflict.KeyThreshold
	// Validate already limited sequence 0 to inceptions, which declare
	// their own keys.
	if conflict.Sequence > 0 {
		prior := k.authorityAt(conflict.Sequence - 1)
		keys = prior.keys
		threshold = &prior.threshold
	}

	verified := signing.VerifiedIndices(keys, signed.Raw, signed.Signatures)
	if threshold == nil || !threshold.Satisfied(verified, len(keys)) {
		return Reject(conflict, InvalidSignatures,
			"conflicts with accepted %s but is not authorized by the keys in force", accepted.Short())
	}

	k.SetFlag(FlagDuplicity)
	k.logger.Warn("duplicity detected",
		"prefix", conflict.Prefix,
		"sn", conflict.Sequence,
		"said", conflict.SAID,
		"accepted", accepted,
	)
	return outcome(Duplicitous, Duplicity, conflict, "conflicts with accepted %s", accepted.Short())
}

func approve(ctx context.Context, approver Approver, e *event.Event, delegator event.Prefix) (Outcome, bool, error) {
	if approver == nil {
		return Escrow(e, PendingDelegation, "no delegation approver configured"), false, nil
	}
	approval, err := approver.Approve(ctx, delegator, e.Seal())
	if err != nil {
		return Outcome{}, false, fmt.Errorf("checking delegation of %s/%d by %s: %w", e.Prefix, e.Sequence, delegator, err)
	}
	switch approval {
	case ApprovalConfirmed:
		return Outcome{}, true, nil
	case ApprovalRefused:
		return Reject(e, DelegationRefused, "delegator %s does not permit delegation", delegator), false, nil
	}
	return Escrow(e, PendingDelegation, "awaiting a seal anchored by %s", delegator), false, nil
}

// State returns a snapshot of the current key state.
func (k *Kever) State() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.clone()
}

// Prefix returns the identifier prefix.
func (k *Kever) Prefix() event.Prefix {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.Prefix
}

// SAIDAt returns the SAID of the accepted event at sequence.
func (k *Kever) SAIDAt(sequence uint64) (digest.Digest, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if sequence >= uint64(len(k.saids)) {
		return "", false
	}
	return k.saids[sequence], true
}

// SetFlag sets the review flag. The processor uses it to restore a
// persisted flag after Restore and Replay.
func (k *Kever) SetFlag(flag Flag) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state.Flag = flag
}

// Resolve clears the flag after operator review and returns the flag
// that was cleared. The accepted events stay as they are; the
// identifier resumes advancing from its last accepted event.
func (k *Kever) Resolve() Flag {
	k.mu.Lock()
	defer k.mu.Unlock()
	cleared := k.state.Flag
	k.state.Flag = FlagNone
	if cleared != FlagNone {
		k.logger.Info("identifier flag resolved", "prefix", k.state.Prefix, "flag", cleared)
	}
	return cleared
}

func (k *Kever) incept(incepted *event.Event) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = State{
		Prefix:           incepted.Prefix,
		Delegator:        incepted.Delegator,
		Config:           incepted.Config,
		Witnesses:        incepted.Witnesses,
		WitnessThreshold: incepted.WitnessThreshold,
	}
	k.saids = nil
	k.authorities = nil
	k.record(incepted)
}

func (k *Kever) advance(e *event.Event, witnesses []event.Prefix) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e.Ilk.Establishment() {
		k.state.Witnesses = witnesses
		k.state.WitnessThreshold = e.WitnessThreshold
	}
	k.record(e)
}

// record moves the position forward to e. The caller holds mu.
func (k *Kever) record(e *event.Event) {
	k.state.Sequence = e.Sequence
	k.state.LastSAID = e.SAID
	k.state.LastIlk = e.Ilk
	k.saids = append(k.saids, e.SAID)
	if !e.Ilk.Establishment() {
		return
	}
	k.state.LastEstablishment = e.Sequence
	k.state.Keys = e.Keys
	k.state.Threshold = *e.KeyThreshold
	k.state.NextDigests = e.NextDigests
	k.state.NextThreshold = zeroOr(e.NextThreshold)
	k.state.NextCommitment = e.NextCommitment()
	k.authorities = append(k.authorities, authority{
		sequence:  e.Sequence,
		keys:      e.Keys,
		threshold: *e.KeyThreshold,
	})
}

// authorityAt returns the keys in force after the event at sequence:
// those of the latest establishment event at or before it.
// Interactions do not change authority, so a sequence that falls
// between two rotations resolves to the earlier one. authorities
// always holds the inception, so the result is never empty.
func (k *Kever) authorityAt(sequence uint64) authority {
	k.mu.RLock()
	defer k.mu.RUnlock()
	current := k.authorities[0]
	for _, candidate := range k.authorities[1:] {
		if candidate.sequence > sequence {
			break
		}
		current = candidate
	}
	return current
}
