// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/event/eventtest"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/registry"
)

type memoryLog struct {
	events  []*event.Signed
	anchors []delegation.Anchor
	err     error
}

func (l *memoryLog) AppendRegistryEvent(_ context.Context, signed *event.Signed, anchor delegation.Anchor) error {
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, signed)
	l.anchors = append(l.anchors, anchor)
	return nil
}

// fixture wires a registry State to a delegation Verifier that observes
// every event of one issuer.
type fixture struct {
	t        *testing.T
	issuer   *eventtest.Controller
	verifier *delegation.Verifier
	log      *memoryLog
	state    *registry.State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	issuer := eventtest.NewController(t, 1, "1")
	verifier := delegation.New(delegation.Config{})
	verifier.Observe(issuer.Incept(t, nil).Event)
	log := &memoryLog{}
	return &fixture{
		t:        t,
		issuer:   issuer,
		verifier: verifier,
		log:      log,
		state:    registry.New(registry.Config{Anchors: verifier, Log: log}),
	}
}

// anchor has the issuer anchor e in a new interaction event.
func (f *fixture) anchor(e *event.Event) *event.Signed {
	f.t.Helper()
	interaction := f.issuer.Interact(f.t, e.Seal())
	f.verifier.Observe(interaction.Event)
	return interaction
}

func (f *fixture) apply(e *event.Event, raw []byte) kever.Outcome {
	f.t.Helper()
	outcome, err := f.state.Apply(context.Background(), &event.Signed{Event: e, Raw: raw})
	if err != nil {
		f.t.Fatalf("Apply(%s): %v", e.Ilk, err)
	}
	return outcome
}

func expect(t *testing.T, outcome kever.Outcome, status kever.Status, reason kever.Reason) {
	t.Helper()
	if outcome.Status != status || outcome.Reason != reason {
		t.Fatalf("outcome = %s, want %s/%s", outcome, status, reason)
	}
}

func (f *fixture) inceptRegistry() *event.Event {
	f.t.Helper()
	inception, raw, err := event.InceptRegistry(f.issuer.Prefix, "registry")
	if err != nil {
		f.t.Fatalf("InceptRegistry: %v", err)
	}
	f.anchor(inception)
	expect(f.t, f.apply(inception, raw), kever.Accepted, "")
	return inception
}

func credential(label string) event.Prefix {
	return event.Prefix(digest.Compute([]byte(label)))
}

func TestRegistryInceptionNeedsAnchor(t *testing.T) {
	f := newFixture(t)
	inception, raw, err := event.InceptRegistry(f.issuer.Prefix, "registry")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	expect(t, f.apply(inception, raw), kever.Escrowed, kever.MissingAnchor)
	if _, ok := f.state.Registry(inception.Prefix); ok {
		t.Fatal("unanchored registry is visible")
	}

	anchoring := f.anchor(inception)
	expect(t, f.apply(inception, raw), kever.Accepted, "")
	got, ok := f.state.Registry(inception.Prefix)
	if !ok {
		t.Fatal("registry not found after anchoring")
	}
	if got.Issuer != f.issuer.Prefix || got.Anchor.Sequence != anchoring.Event.Sequence {
		t.Errorf("registry = %+v", got)
	}
	// Resubmission is accepted without a second append.
	expect(t, f.apply(inception, raw), kever.Accepted, "")
	if len(f.log.events) != 1 {
		t.Errorf("log has %d events, want 1", len(f.log.events))
	}
}

func TestIssueAndRevoke(t *testing.T) {
	f := newFixture(t)
	vcp := f.inceptRegistry()
	credentialPrefix := credential("diploma")

	issuance, issuanceRaw, err := event.Issue(vcp.Prefix, credentialPrefix, "2026-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expect(t, f.apply(issuance, issuanceRaw), kever.Escrowed, kever.MissingAnchor)
	issueAnchor := f.anchor(issuance)
	expect(t, f.apply(issuance, issuanceRaw), kever.Accepted, "")

	state, ok := f.state.Credential(credentialPrefix)
	if !ok || state.Status != registry.Issued || state.IssuanceAnchor.Sequence != issueAnchor.Event.Sequence {
		t.Fatalf("credential after issuance = %+v, %v", state, ok)
	}

	revocation, revocationRaw, err := event.Revoke(vcp.Prefix, credentialPrefix, issuance.SAID, "2026-03-02T00:00:00Z")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	f.anchor(revocation)
	expect(t, f.apply(revocation, revocationRaw), kever.Accepted, "")

	state, _ = f.state.Credential(credentialPrefix)
	if state.Status != registry.Revoked || state.Revocation != revocation.SAID || state.RevokedAt != "2026-03-02T00:00:00Z" {
		t.Fatalf("credential after revocation = %+v", state)
	}

	// Revoking again, even with the identical event, is refused and
	// leaves the credential revoked.
	expect(t, f.apply(revocation, revocationRaw), kever.Rejected, kever.AlreadyRevoked)
	second, secondRaw, err := event.Revoke(vcp.Prefix, credentialPrefix, issuance.SAID, "2026-03-03T00:00:00Z")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	f.anchor(second)
	expect(t, f.apply(second, secondRaw), kever.Rejected, kever.AlreadyRevoked)
	if state, _ := f.state.Credential(credentialPrefix); state.Status != registry.Revoked {
		t.Errorf("status = %s after refused revocation", state.Status)
	}

	// Re-issuing the revoked credential is not possible.
	reissue, reissueRaw, err := event.Issue(vcp.Prefix, credentialPrefix, "2026-03-04T00:00:00Z")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.anchor(reissue)
	expect(t, f.apply(reissue, reissueRaw), kever.Rejected, kever.InvalidEvent)

	if credentials := f.state.Credentials(vcp.Prefix); len(credentials) != 1 {
		t.Errorf("Credentials = %d entries, want 1", len(credentials))
	}
}

func TestOutOfOrderRegistryEvents(t *testing.T) {
	f := newFixture(t)
	vcp, vcpRaw, err := event.InceptRegistry(f.issuer.Prefix, "registry")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	credentialPrefix := credential("license")
	issuance, issuanceRaw, err := event.Issue(vcp.Prefix, credentialPrefix, "2026-04-01T00:00:00Z")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	revocation, revocationRaw, err := event.Revoke(vcp.Prefix, credentialPrefix, issuance.SAID, "2026-04-02T00:00:00Z")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	expect(t, f.apply(issuance, issuanceRaw), kever.Escrowed, kever.MissingPrior)
	f.anchor(vcp)
	expect(t, f.apply(vcp, vcpRaw), kever.Accepted, "")
	expect(t, f.apply(revocation, revocationRaw), kever.Escrowed, kever.MissingPrior)

	f.anchor(issuance)
	expect(t, f.apply(issuance, issuanceRaw), kever.Accepted, "")
	expect(t, f.apply(revocation, revocationRaw), kever.Escrowed, kever.MissingAnchor)
}

func TestRevocationMustNameIssuance(t *testing.T) {
	f := newFixture(t)
	vcp := f.inceptRegistry()
	credentialPrefix := credential("badge")
	issuance, raw, err := event.Issue(vcp.Prefix, credentialPrefix, "2026-05-01T00:00:00Z")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.anchor(issuance)
	expect(t, f.apply(issuance, raw), kever.Accepted, "")

	wrong, wrongRaw, err := event.Revoke(vcp.Prefix, credentialPrefix, digest.Compute([]byte("other")), "2026-05-02T00:00:00Z")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	f.anchor(wrong)
	expect(t, f.apply(wrong, wrongRaw), kever.Rejected, kever.InvalidEvent)
}

func TestKeyEventsAreRejected(t *testing.T) {
	f := newFixture(t)
	interaction := f.issuer.Interact(t)
	expect(t, f.apply(interaction.Event, interaction.Raw), kever.Rejected, kever.InvalidEvent)
}

func TestApplyLogFailure(t *testing.T) {
	f := newFixture(t)
	inception, raw, err := event.InceptRegistry(f.issuer.Prefix, "registry")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	f.anchor(inception)
	f.log.err = errors.New("disk full")
	if _, err := f.state.Apply(context.Background(), &event.Signed{Event: inception, Raw: raw}); !errors.Is(err, f.log.err) {
		t.Fatalf("Apply error = %v, want the log error", err)
	}
	if _, ok := f.state.Registry(inception.Prefix); ok {
		t.Error("registry visible after a failed append")
	}
}

func TestReplay(t *testing.T) {
	f := newFixture(t)
	vcp, raw, err := event.InceptRegistry(f.issuer.Prefix, "registry")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	f.anchor(vcp)

	restored := registry.New(registry.Config{Anchors: f.verifier})
	if err := restored.Replay(context.Background(), &event.Signed{Event: vcp, Raw: raw}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if _, ok := restored.Registry(vcp.Prefix); !ok {
		t.Error("replayed registry missing")
	}

	unanchored, unanchoredRaw, err := event.InceptRegistry(f.issuer.Prefix, "second")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	if err := restored.Replay(context.Background(), &event.Signed{Event: unanchored, Raw: unanchoredRaw}); err == nil {
		t.Error("Replay accepted an unanchored registry")
	}
}

func TestCredentialsWaitingForTheirRegistry(t *testing.T) {
	f := newFixture(t)
	inception, raw, err := event.InceptRegistry(f.issuer.Prefix, "registry")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	first, second := credential("first"), credential("second")
	for _, prefix := range []event.Prefix{first, second, first} {
		issuance, issuanceRaw, err := event.Issue(inception.Prefix, prefix, "2026-05-01T00:00:00Z")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		expect(t, f.apply(issuance, issuanceRaw), kever.Escrowed, kever.MissingPrior)
	}

	f.anchor(inception)
	expect(t, f.apply(inception, raw), kever.Accepted, "")
	waiting := f.state.TakeWaiting(inception.Prefix)
	if len(waiting) != 2 || !slices.Contains(waiting, first) || !slices.Contains(waiting, second) {
		t.Fatalf("TakeWaiting = %v, want %s and %s", waiting, first, second)
	}
	if again := f.state.TakeWaiting(inception.Prefix); len(again) != 0 {
		t.Errorf("second TakeWaiting = %v, want none", again)
	}
}
