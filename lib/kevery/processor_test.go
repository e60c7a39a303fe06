// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kevery_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/event/eventtest"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/kevery"
	"github.com/bureau-foundation/keystate/lib/registry"
	"github.com/bureau-foundation/keystate/lib/signing"
)

type harness struct {
	t         *testing.T
	path      string
	clock     *clock.FakeClock
	store     *kelstore.Store
	processor *kevery.Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		path:  filepath.Join(t.TempDir(), "keystate.db"),
		clock: clock.Fake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.open()
	t.Cleanup(h.close)
	return h
}

func (h *harness) open() {
	h.t.Helper()
	ctx := context.Background()
	store, err := kelstore.Open(ctx, kelstore.Config{Path: h.path, Clock: h.clock})
	if err != nil {
		h.t.Fatalf("kelstore.Open: %v", err)
	}
	processor, err := kevery.Open(ctx, kevery.Config{Store: store, Clock: h.clock})
	if err != nil {
		store.Close()
		h.t.Fatalf("kevery.Open: %v", err)
	}
	h.store = store
	h.processor = processor
}

func (h *harness) close() {
	if h.store != nil {
		h.store.Close()
		h.store = nil
	}
}

// restart closes the store and rebuilds the processor from disk.
func (h *harness) restart() {
	h.t.Helper()
	h.close()
	h.open()
}

func (h *harness) submit(signed *event.Signed) kever.Outcome {
	h.t.Helper()
	return h.submitWith(signed, signed.Signatures)
}

func (h *harness) submitWith(signed *event.Signed, signatures []signing.IndexedSignature) kever.Outcome {
	h.t.Helper()
	outcome, err := h.processor.SubmitEvent(context.Background(), signed.Raw, signatures)
	if err != nil {
		h.t.Fatalf("SubmitEvent(%s/%d): %v", signed.Event.Prefix, signed.Event.Sequence, err)
	}
	return outcome
}

func (h *harness) submitRegistry(e *event.Event, raw []byte) kever.Outcome {
	h.t.Helper()
	outcome, err := h.processor.SubmitRegistryEvent(context.Background(), raw)
	if err != nil {
		h.t.Fatalf("SubmitRegistryEvent(%s): %v", e.Ilk, err)
	}
	return outcome
}

func (h *harness) state(prefix event.Prefix) kever.State {
	h.t.Helper()
	state, err := h.processor.QueryState(prefix)
	if err != nil {
		h.t.Fatalf("QueryState(%s): %v", prefix, err)
	}
	return state
}

func expect(t *testing.T, outcome kever.Outcome, status kever.Status, reason kever.Reason) {
	t.Helper()
	if outcome.Status != status || outcome.Reason != reason {
		t.Fatalf("outcome = %s, want %s/%s", outcome, status, reason)
	}
}

func TestRotationToCommittedKeys(t *testing.T) {
	h := newHarness(t)
	controller := eventtest.NewController(t, 1, "1")
	expect(t, h.submit(controller.Incept(t, nil)), kever.Accepted, "")
	expect(t, h.submit(controller.Rotate(t, nil)), kever.Accepted, "")
	if state := h.state(controller.Prefix); state.Sequence != 1 || state.Keys[0] != controller.Current[0].Verfer() {
		t.Errorf("state after rotation = %+v", state)
	}
}

func TestMismatchedRotationFlagsUntilResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	controller := eventtest.NewController(t, 1, "1")
	expect(t, h.submit(controller.Incept(t, nil)), kever.Accepted, "")

	rotation, _ := controller.BuildRotation(t, eventtest.RotationSpec{Keys: eventtest.Signers(t, 1)})
	expect(t, h.submit(rotation), kever.Rejected, kever.PreRotationMismatch)
	state := h.state(controller.Prefix)
	if state.Sequence != 0 || state.Flag != kever.FlagUnderReview {
		t.Fatalf("state after mismatch = sequence %d flag %q", state.Sequence, state.Flag)
	}

	interaction := controller.Interact(t)
	expect(t, h.submit(interaction), kever.Escrowed, kever.Flagged)

	// The flag survives a restart.
	h.restart()
	if state := h.state(controller.Prefix); state.Flag != kever.FlagUnderReview {
		t.Fatalf("flag after restart = %q", state.Flag)
	}

	cleared, err := h.processor.Resolve(ctx, controller.Prefix)
	if err != nil || cleared != kever.FlagUnderReview {
		t.Fatalf("Resolve = %q, %v", cleared, err)
	}
	if state := h.state(controller.Prefix); state.Sequence != 1 || state.Flag != kever.FlagNone {
		t.Errorf("state after resolve = sequence %d flag %q", state.Sequence, state.Flag)
	}
	if held := h.processor.Escrowed(""); len(held) != 0 {
		t.Errorf("escrow still holds %d entries", len(held))
	}
}

func TestSignaturesArriveLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	controller := eventtest.NewController(t, 1, "1")
	expect(t, h.submit(controller.Incept(t, nil)), kever.Accepted, "")

	rotation := controller.Rotate(t, nil)
	expect(t, h.submitWith(rotation, nil), kever.Escrowed, kever.ThresholdNotMet)

	outcome, err := h.processor.SubmitSignatures(ctx, rotation.Event.SAID, rotation.Signatures)
	if err != nil {
		t.Fatalf("SubmitSignatures: %v", err)
	}
	expect(t, outcome, kever.Accepted, "")
	if state := h.state(controller.Prefix); state.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", state.Sequence)
	}

	// Late signatures for an accepted event are harmless.
	outcome, err = h.processor.SubmitSignatures(ctx, rotation.Event.SAID, rotation.Signatures)
	if err != nil {
		t.Fatalf("SubmitSignatures after acceptance: %v", err)
	}
	expect(t, outcome, kever.Accepted, "")

	if _, err := h.processor.SubmitSignatures(ctx, digest.Compute([]byte("unknown")), nil); !errors.Is(err, kevery.ErrNotFound) {
		t.Errorf("SubmitSignatures(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSignatureStorageFailureIsNotNotFound(t *testing.T) {
	h := newHarness(t)
	controller := eventtest.NewController(t, 1, "1")
	expect(t, h.submit(controller.Incept(t, nil)), kever.Accepted, "")

	rotation := controller.Rotate(t, nil)
	expect(t, h.submitWith(rotation, nil), kever.Escrowed, kever.ThresholdNotMet)

	// The entry is still held in memory but can no longer be persisted.
	h.close()
	_, err := h.processor.SubmitSignatures(context.Background(), rotation.Event.SAID, rotation.Signatures)
	if err == nil {
		t.Fatal("SubmitSignatures succeeded with a closed store")
	}
	if errors.Is(err, kevery.ErrNotFound) {
		t.Errorf("SubmitSignatures error = %v, want a storage error rather than ErrNotFound", err)
	}
}

func TestCoSignersSubmitIndependently(t *testing.T) {
	h := newHarness(t)
	controller := eventtest.NewController(t, 3, "2")
	inception := controller.Incept(t, nil)

	expect(t, h.submitWith(inception, eventtest.SignIndices(inception.Raw, controller.Current, 0)),
		kever.Escrowed, kever.ThresholdNotMet)
	expect(t, h.submitWith(inception, eventtest.SignIndices(inception.Raw, controller.Current, 2)),
		kever.Accepted, "")
	if held := h.processor.Escrowed(controller.Prefix); len(held) != 0 {
		t.Errorf("escrow still holds the accepted inception")
	}
}

func TestMissingPriorCascades(t *testing.T) {
	h := newHarness(t)
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	first := controller.Interact(t)
	second := controller.Interact(t)
	third := controller.Interact(t)

	// Events for an unknown identifier wait for its inception.
	expect(t, h.submit(third), kever.Escrowed, kever.MissingPrior)
	expect(t, h.submit(inception), kever.Accepted, "")
	expect(t, h.submit(second), kever.Escrowed, kever.MissingPrior)
	expect(t, h.submit(first), kever.Accepted, "")

	if state := h.state(controller.Prefix); state.Sequence != 3 {
		t.Errorf("sequence after cascade = %d, want 3", state.Sequence)
	}
	if held := h.processor.Escrowed(""); len(held) != 0 {
		t.Errorf("escrow holds %d entries after cascade", len(held))
	}
	log, err := h.processor.QueryLog(context.Background(), controller.Prefix, 0)
	if err != nil || len(log) != 4 {
		t.Fatalf("QueryLog = %d events, %v", len(log), err)
	}
}

func TestDuplicityIsRecordedAndBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	expect(t, h.submit(inception), kever.Accepted, "")

	accepted := controller.BuildInteraction(t, 1, inception.Event.SAID, inception.Event.Seal())
	conflicting := controller.BuildInteraction(t, 1, inception.Event.SAID)
	expect(t, h.submit(accepted), kever.Accepted, "")
	expect(t, h.submit(conflicting), kever.Duplicitous, kever.Duplicity)

	conflicts, err := h.processor.QueryDuplicity(ctx, controller.Prefix)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("QueryDuplicity = %d, %v", len(conflicts), err)
	}
	if conflicts[0].Accepted != accepted.Event.SAID || conflicts[0].Signed.Event.SAID != conflicting.Event.SAID {
		t.Errorf("conflict = accepted %s conflicting %s", conflicts[0].Accepted, conflicts[0].Signed.Event.SAID)
	}

	later := controller.BuildInteraction(t, 2, accepted.Event.SAID)
	expect(t, h.submit(later), kever.Escrowed, kever.Duplicity)

	if _, err := h.processor.Resolve(ctx, controller.Prefix); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	state := h.state(controller.Prefix)
	if state.Sequence != 2 || state.LastSAID != later.Event.SAID {
		t.Errorf("state after resolve = sequence %d last %s", state.Sequence, state.LastSAID)
	}
	// The evidence stays.
	if conflicts, _ := h.processor.QueryDuplicity(ctx, controller.Prefix); len(conflicts) != 1 {
		t.Errorf("conflicts after resolve = %d, want 1", len(conflicts))
	}
}

func TestDelegatedInceptionCascades(t *testing.T) {
	h := newHarness(t)
	delegator := eventtest.NewController(t, 1, "1")
	expect(t, h.submit(delegator.Incept(t, nil)), kever.Accepted, "")

	delegate := eventtest.NewController(t, 1, "1")
	inception := delegate.Incept(t, func(options *event.InceptOptions) {
		options.Delegator = delegator.Prefix
	})
	expect(t, h.submit(inception), kever.Escrowed, kever.PendingDelegation)
	if pending := h.processor.PendingDelegations(); len(pending) != 1 {
		t.Fatalf("PendingDelegations = %d, want 1", len(pending))
	}

	expect(t, h.submit(delegator.Interact(t, inception.Event.Seal())), kever.Accepted, "")
	state := h.state(delegate.Prefix)
	if state.Delegator != delegator.Prefix {
		t.Errorf("delegate state = %+v", state)
	}

	// A delegated rotation anchored before it is submitted goes
	// straight through.
	rotation, next := delegate.BuildRotation(t, eventtest.RotationSpec{})
	expect(t, h.submit(delegator.Interact(t, rotation.Event.Seal())), kever.Accepted, "")
	expect(t, h.submit(rotation), kever.Accepted, "")
	if len(next) != 1 || h.state(delegate.Prefix).Sequence != 1 {
		t.Error("delegated rotation did not advance the delegate")
	}
}

func TestDoNotDelegateRefuses(t *testing.T) {
	h := newHarness(t)
	delegator := eventtest.NewController(t, 1, "1")
	expect(t, h.submit(delegator.Incept(t, func(options *event.InceptOptions) {
		options.Config = []string{event.TraitDoNotDelegate}
	})), kever.Accepted, "")

	delegate := eventtest.NewController(t, 1, "1")
	inception := delegate.Incept(t, func(options *event.InceptOptions) {
		options.Delegator = delegator.Prefix
	})
	expect(t, h.submit(inception), kever.Rejected, kever.DelegationRefused)
}

func TestWitnessReceipts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	firstSigner, firstWitness := eventtest.Witness(t)
	secondSigner, secondWitness := eventtest.Witness(t)

	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, func(options *event.InceptOptions) {
		options.Witnesses = []event.Prefix{firstWitness, secondWitness}
		options.WitnessThreshold = 2
	})
	expect(t, h.submit(inception), kever.Accepted, "")
	said := inception.Event.SAID

	met, err := h.processor.SubmitWitnessReceipt(ctx, said, firstWitness, firstSigner.Sign(inception.Raw))
	if err != nil || met {
		t.Fatalf("first receipt = %v, %v", met, err)
	}
	met, err = h.processor.SubmitWitnessReceipt(ctx, said, secondWitness, secondSigner.Sign(inception.Raw))
	if err != nil || !met {
		t.Fatalf("second receipt = %v, %v", met, err)
	}

	h.restart()
	status, err := h.processor.QueryReceipts(said)
	if err != nil || !status.Met || len(status.Receipts) != 2 {
		t.Errorf("receipts after restart = %+v, %v", status, err)
	}
	if _, err := h.processor.QueryReceipts(digest.Compute([]byte("unknown"))); !errors.Is(err, kevery.ErrNotFound) {
		t.Errorf("QueryReceipts(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	h := newHarness(t)
	issuer := eventtest.NewController(t, 1, "1")
	expect(t, h.submit(issuer.Incept(t, nil)), kever.Accepted, "")

	vcp, vcpRaw, err := event.InceptRegistry(issuer.Prefix, "diplomas")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	credential := event.Prefix(digest.Compute([]byte("diploma of record")))
	iss, issRaw, err := event.Issue(vcp.Prefix, credential, "2026-07-01T10:00:00Z")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	expect(t, h.submitRegistry(iss, issRaw), kever.Escrowed, kever.MissingPrior)
	expect(t, h.submitRegistry(vcp, vcpRaw), kever.Escrowed, kever.MissingAnchor)

	// One interaction anchors both; the cascade accepts the registry,
	// then the issuance waiting on it.
	anchoring := issuer.Interact(t, vcp.Seal(), iss.Seal())
	expect(t, h.submit(anchoring), kever.Accepted, "")

	state, err := h.processor.QueryCredential(credential)
	if err != nil {
		t.Fatalf("QueryCredential: %v", err)
	}
	if state.Status != registry.Issued || state.IssuanceAnchor.Sequence != anchoring.Event.Sequence {
		t.Fatalf("credential = %+v", state)
	}

	rev, revRaw, err := event.Revoke(vcp.Prefix, credential, iss.SAID, "2026-07-02T10:00:00Z")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	expect(t, h.submit(issuer.Interact(t, rev.Seal())), kever.Accepted, "")
	expect(t, h.submitRegistry(rev, revRaw), kever.Accepted, "")

	again, againRaw, err := event.Revoke(vcp.Prefix, credential, iss.SAID, "2026-07-03T10:00:00Z")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	expect(t, h.submit(issuer.Interact(t, again.Seal())), kever.Accepted, "")
	expect(t, h.submitRegistry(again, againRaw), kever.Rejected, kever.AlreadyRevoked)

	h.restart()
	found, credentials, err := h.processor.QueryRegistry(vcp.Prefix)
	if err != nil || found.Issuer != issuer.Prefix {
		t.Fatalf("QueryRegistry = %+v, %v", found, err)
	}
	if len(credentials) != 1 || credentials[0].Status != registry.Revoked {
		t.Errorf("credentials after restart = %+v", credentials)
	}
}

func TestRestartKeepsStateAndEscrow(t *testing.T) {
	h := newHarness(t)
	controller := eventtest.NewController(t, 2, "2")
	expect(t, h.submit(controller.Incept(t, nil)), kever.Accepted, "")
	expect(t, h.submit(controller.Rotate(t, nil)), kever.Accepted, "")
	missing := controller.Interact(t)
	waiting := controller.Interact(t)
	expect(t, h.submit(waiting), kever.Escrowed, kever.MissingPrior)
	before := h.state(controller.Prefix)

	h.restart()
	after := h.state(controller.Prefix)
	if after.Sequence != before.Sequence || after.LastSAID != before.LastSAID || after.NextCommitment != before.NextCommitment {
		t.Fatalf("state after restart = %+v, want %+v", after, before)
	}
	if held := h.processor.Escrowed(controller.Prefix); len(held) != 1 || held[0].SAID != waiting.Event.SAID {
		t.Fatalf("escrow after restart = %+v", held)
	}

	expect(t, h.submit(missing), kever.Accepted, "")
	if state := h.state(controller.Prefix); state.Sequence != 3 {
		t.Errorf("sequence = %d, want 3 after the escrowed event cascades", state.Sequence)
	}
	status, err := h.processor.Status(context.Background())
	if err != nil || status.Identifiers != 1 || status.Escrowed != 0 || status.Store.Events != 4 {
		t.Errorf("Status = %+v, %v", status, err)
	}
}

func TestMalformedInput(t *testing.T) {
	h := newHarness(t)
	outcome, err := h.processor.SubmitEvent(context.Background(), []byte("not an event"), nil)
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	expect(t, outcome, kever.Rejected, kever.InvalidEvent)

	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	outcome, err = h.processor.SubmitRegistryEvent(context.Background(), inception.Raw)
	if err != nil {
		t.Fatalf("SubmitRegistryEvent: %v", err)
	}
	expect(t, outcome, kever.Rejected, kever.InvalidEvent)

	if _, err := h.processor.QueryState(controller.Prefix); !errors.Is(err, kevery.ErrNotFound) {
		t.Errorf("QueryState(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestAbandonAndRetryAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	first := controller.Interact(t)
	second := controller.Interact(t)
	expect(t, h.submit(first), kever.Escrowed, kever.MissingPrior)
	expect(t, h.submit(second), kever.Escrowed, kever.MissingPrior)

	abandoned, err := h.processor.Abandon(ctx, second.Event.SAID)
	if err != nil || abandoned.SAID != second.Event.SAID {
		t.Fatalf("Abandon = %+v, %v", abandoned, err)
	}

	// Accept the inception behind the processor's back, so only a
	// sweep can find the held interaction.
	if err := h.store.Append(ctx, inception); err != nil {
		t.Fatalf("Append: %v", err)
	}
	h.restart()
	resolved, err := h.processor.RetryAll(ctx)
	if err != nil || resolved != 1 {
		t.Fatalf("RetryAll = %d, %v; want 1", resolved, err)
	}
	if state := h.state(controller.Prefix); state.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", state.Sequence)
	}

	h.clock.Advance(48 * time.Hour)
	expect(t, h.submit(controller.BuildInteraction(t, 5, second.Event.SAID)), kever.Escrowed, kever.MissingPrior)
	purged, err := h.processor.Purge(ctx, "", 24*time.Hour)
	if err != nil || len(purged) != 0 {
		t.Fatalf("Purge(24h) = %d, %v; want nothing older than a day", len(purged), err)
	}
	h.clock.Advance(48 * time.Hour)
	purged, err = h.processor.Purge(ctx, controller.Prefix, 24*time.Hour)
	if err != nil || len(purged) != 1 {
		t.Fatalf("Purge(24h) after two days = %d, %v", len(purged), err)
	}
}
