// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/event/eventtest"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kelstream"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/kevery"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/registry"
	"github.com/bureau-foundation/keystate/lib/service"
	"github.com/bureau-foundation/keystate/lib/signing"
)

type testEnv struct {
	client *service.Client
	daemon *Daemon
	clock  *clock.FakeClock
}

// testDaemon serves a daemon over a fresh database and socket until
// the test ends.
func testDaemon(t *testing.T) *testEnv {
	t.Helper()
	directory := t.TempDir()
	fakeClock := clock.Fake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithCancel(context.Background())
	store, err := kelstore.Open(ctx, kelstore.Config{Path: filepath.Join(directory, "keystate.db"), Clock: fakeClock})
	if err != nil {
		cancel()
		t.Fatalf("kelstore.Open: %v", err)
	}
	processor, err := kevery.Open(ctx, kevery.Config{Store: store, Clock: fakeClock})
	if err != nil {
		cancel()
		store.Close()
		t.Fatalf("kevery.Open: %v", err)
	}

	daemon := newDaemon(processor, store, fakeClock, logger)
	socketPath := filepath.Join(directory, "keystate.sock")
	server := service.NewSocketServer(socketPath, logger)
	daemon.registerActions(server)

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
		store.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &testEnv{client: service.NewClient(socketPath), daemon: daemon, clock: fakeClock}
}

func (e *testEnv) call(t *testing.T, action string, fields map[string]any, result any) {
	t.Helper()
	if err := e.client.Call(context.Background(), action, fields, result); err != nil {
		t.Fatalf("%s: %v", action, err)
	}
}

func (e *testEnv) submit(t *testing.T, signed *event.Signed, signatures []signing.IndexedSignature) kever.Outcome {
	t.Helper()
	var outcome kever.Outcome
	e.call(t, "submit-event", map[string]any{"raw": signed.Raw, "sigs": signatures}, &outcome)
	return outcome
}

func expectOutcome(t *testing.T, outcome kever.Outcome, status kever.Status, reason kever.Reason) {
	t.Helper()
	if outcome.Status != status || outcome.Reason != reason {
		t.Fatalf("outcome = %s, want %s/%s", outcome, status, reason)
	}
}

func TestSubmitAndQueryState(t *testing.T) {
	env := testDaemon(t)
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	expectOutcome(t, env.submit(t, inception, inception.Signatures), kever.Accepted, "")

	var state kever.State
	env.call(t, "query-state", map[string]any{"prefix": controller.Prefix}, &state)
	if state.Prefix != controller.Prefix || state.Sequence != 0 || state.LastSAID != inception.Event.SAID {
		t.Errorf("state = %+v", state)
	}

	var identifiers []event.Prefix
	env.call(t, "list-identifiers", nil, &identifiers)
	if len(identifiers) != 1 || identifiers[0] != controller.Prefix {
		t.Errorf("identifiers = %v", identifiers)
	}

	var status statusResponse
	env.call(t, "status", nil, &status)
	if status.Identifiers != 1 || status.Store.Events != 1 || status.Version == "" {
		t.Errorf("status = %+v", status)
	}

	err := env.client.Call(context.Background(), "query-state", map[string]any{"prefix": "Eunknown"}, nil)
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("query-state(unknown) error = %v, want not found", err)
	}
}

func TestMalformedEventIsAnOutcome(t *testing.T) {
	env := testDaemon(t)
	var outcome kever.Outcome
	env.call(t, "submit-event", map[string]any{"raw": []byte("not an event")}, &outcome)
	expectOutcome(t, outcome, kever.Rejected, kever.InvalidEvent)
}

func TestBadRequests(t *testing.T) {
	env := testDaemon(t)
	tests := []struct {
		action string
		fields map[string]any
	}{
		{"submit-event", map[string]any{}},
		{"submit-signatures", map[string]any{"said": "Eabc"}},
		{"submit-receipt", map[string]any{"said": "Eabc"}},
		{"query-state", map[string]any{}},
		{"query-log", map[string]any{"from": 1}},
		{"query-receipts", map[string]any{}},
		{"abandon-escrow", map[string]any{}},
		{"purge-escrow", map[string]any{"max_age": "soon"}},
		{"export", map[string]any{"compression": "brotli"}},
		{"resolve", map[string]any{}},
	}
	for _, test := range tests {
		t.Run(test.action, func(t *testing.T) {
			err := env.client.Call(context.Background(), test.action, test.fields, nil)
			if !errors.Is(err, service.ErrBadRequest) {
				t.Errorf("error = %v, want bad request", err)
			}
		})
	}
}

func TestSignaturesCompleteAnEscrowedEvent(t *testing.T) {
	env := testDaemon(t)
	controller := eventtest.NewController(t, 2, "2")
	inception := controller.Incept(t, nil)

	first := eventtest.SignIndices(inception.Raw, controller.Current, 0)
	expectOutcome(t, env.submit(t, inception, first), kever.Escrowed, kever.ThresholdNotMet)

	var held escrowResponse
	env.call(t, "list-escrow", map[string]any{}, &held)
	if len(held.Entries) != 1 || held.Entries[0].SAID != inception.Event.SAID || held.Entries[0].Signatures != 1 {
		t.Fatalf("escrow = %+v", held.Entries)
	}

	var outcome kever.Outcome
	env.call(t, "submit-signatures", map[string]any{
		"said": inception.Event.SAID,
		"sigs": eventtest.SignIndices(inception.Raw, controller.Current, 1),
	}, &outcome)
	expectOutcome(t, outcome, kever.Accepted, "")

	env.call(t, "list-escrow", map[string]any{}, &held)
	if len(held.Entries) != 0 {
		t.Errorf("escrow after acceptance = %+v", held.Entries)
	}

	err := env.client.Call(context.Background(), "submit-signatures", map[string]any{
		"said": digest.Compute([]byte("nothing")),
		"sigs": first,
	}, nil)
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("submit-signatures(unknown) error = %v, want not found", err)
	}
}

func TestReceiptsAppearInLog(t *testing.T) {
	env := testDaemon(t)
	witnessSigner, witness := eventtest.Witness(t)
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, func(options *event.InceptOptions) {
		options.Witnesses = []event.Prefix{witness}
		options.WitnessThreshold = 1
	})
	expectOutcome(t, env.submit(t, inception, inception.Signatures), kever.Accepted, "")

	var response receiptResponse
	env.call(t, "submit-receipt", map[string]any{
		"said":      inception.Event.SAID,
		"witness":   witness,
		"signature": witnessSigner.Sign(inception.Raw),
	}, &response)
	if !response.Met {
		t.Error("receipt did not meet the threshold of one")
	}

	err := env.client.Call(context.Background(), "submit-receipt", map[string]any{
		"said":      inception.Event.SAID,
		"witness":   witness,
		"signature": witnessSigner.Sign([]byte("something else")),
	}, nil)
	if !errors.Is(err, service.ErrBadRequest) {
		t.Errorf("forged receipt error = %v, want bad request", err)
	}

	var status receipt.Status
	env.call(t, "query-receipts", map[string]any{"said": inception.Event.SAID}, &status)
	if !status.Met || len(status.Receipts) != 1 {
		t.Errorf("receipt status = %+v", status)
	}

	var records []kelstream.Record
	env.call(t, "query-log", map[string]any{"prefix": controller.Prefix}, &records)
	if len(records) != 1 || !bytes.Equal(records[0].Raw, inception.Raw) || len(records[0].Receipts) != 1 {
		t.Errorf("log = %+v", records)
	}
}

func TestDuplicityAndResolve(t *testing.T) {
	env := testDaemon(t)
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	expectOutcome(t, env.submit(t, inception, inception.Signatures), kever.Accepted, "")

	accepted := controller.BuildInteraction(t, 1, inception.Event.SAID, inception.Event.Seal())
	conflicting := controller.BuildInteraction(t, 1, inception.Event.SAID)
	expectOutcome(t, env.submit(t, accepted, accepted.Signatures), kever.Accepted, "")
	expectOutcome(t, env.submit(t, conflicting, conflicting.Signatures), kever.Duplicitous, kever.Duplicity)

	var conflicts []conflictRecord
	env.call(t, "query-duplicity", map[string]any{"prefix": controller.Prefix}, &conflicts)
	if len(conflicts) != 1 || conflicts[0].SAID != conflicting.Event.SAID || conflicts[0].Accepted != accepted.Event.SAID {
		t.Fatalf("conflicts = %+v", conflicts)
	}

	var status statusResponse
	env.call(t, "status", nil, &status)
	if status.Flagged[string(controller.Prefix)] != string(kever.FlagDuplicity) {
		t.Errorf("flagged = %v", status.Flagged)
	}

	var resolved resolveResponse
	env.call(t, "resolve", map[string]any{"prefix": controller.Prefix}, &resolved)
	if resolved.Cleared != kever.FlagDuplicity {
		t.Errorf("cleared = %q", resolved.Cleared)
	}
	env.call(t, "resolve", map[string]any{"prefix": controller.Prefix}, &resolved)
	if resolved.Cleared != kever.FlagNone {
		t.Errorf("second resolve cleared %q", resolved.Cleared)
	}
}

func TestEscrowOperatorActions(t *testing.T) {
	env := testDaemon(t)
	controller := eventtest.NewController(t, 1, "1")
	controller.Incept(t, nil)
	first := controller.Interact(t)
	second := controller.Interact(t)
	expectOutcome(t, env.submit(t, first, first.Signatures), kever.Escrowed, kever.MissingPrior)
	expectOutcome(t, env.submit(t, second, second.Signatures), kever.Escrowed, kever.MissingPrior)

	var abandoned escrowEntry
	env.call(t, "abandon-escrow", map[string]any{"said": second.Event.SAID}, &abandoned)
	if abandoned.SAID != second.Event.SAID || abandoned.Reason != kever.MissingPrior {
		t.Errorf("abandoned = %+v", abandoned)
	}
	err := env.client.Call(context.Background(), "abandon-escrow", map[string]any{"said": second.Event.SAID}, nil)
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("second abandon error = %v, want not found", err)
	}

	var retried retryResponse
	env.call(t, "retry-escrow", nil, &retried)
	if retried.Resolved != 0 {
		t.Errorf("retry resolved %d with the inception still missing", retried.Resolved)
	}

	env.clock.Advance(2 * time.Hour)
	var purged []escrowEntry
	env.call(t, "purge-escrow", map[string]any{"max_age": "3h"}, &purged)
	if len(purged) != 0 {
		t.Errorf("purge(3h) removed %d entries", len(purged))
	}
	env.call(t, "purge-escrow", map[string]any{"prefix": controller.Prefix, "max_age": "1h"}, &purged)
	if len(purged) != 1 || purged[0].SAID != first.Event.SAID {
		t.Errorf("purge(1h) = %+v", purged)
	}
}

func TestSweepRetriesAndPurges(t *testing.T) {
	env := testDaemon(t)
	ctx := context.Background()
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	interaction := controller.Interact(t)
	stale := controller.BuildInteraction(t, 7, interaction.Event.SAID)
	expectOutcome(t, env.submit(t, interaction, interaction.Signatures), kever.Escrowed, kever.MissingPrior)

	// Accepted through the store directly, so only a sweep retries
	// the held interaction.
	if err := env.daemon.store.Append(ctx, inception); err != nil {
		t.Fatalf("Append: %v", err)
	}
	report := env.daemon.sweepOnce(ctx, time.Hour)
	if report.Resolved != 0 || report.Error != "" {
		t.Fatalf("sweep before the identifier is known = %+v", report)
	}

	expectOutcome(t, env.submit(t, stale, stale.Signatures), kever.Escrowed, kever.MissingPrior)
	env.clock.Advance(2 * time.Hour)
	report = env.daemon.sweepOnce(ctx, time.Hour)
	if report.Purged != 2 || report.Error != "" {
		t.Errorf("sweep after two hours = %+v", report)
	}
	if last := env.daemon.lastSweepReport(); !last.At.Equal(env.clock.Now()) {
		t.Errorf("last sweep at %v, want %v", last.At, env.clock.Now())
	}
}

func TestRegistryActions(t *testing.T) {
	env := testDaemon(t)
	issuer := eventtest.NewController(t, 1, "1")
	inception := issuer.Incept(t, nil)
	expectOutcome(t, env.submit(t, inception, inception.Signatures), kever.Accepted, "")

	vcp, vcpRaw, err := event.InceptRegistry(issuer.Prefix, "badges")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	credential := event.Prefix(digest.Compute([]byte("badge 1")))
	iss, issRaw, err := event.Issue(vcp.Prefix, credential, "2026-07-01T10:00:00Z")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var outcome kever.Outcome
	env.call(t, "submit-registry-event", map[string]any{"raw": vcpRaw}, &outcome)
	expectOutcome(t, outcome, kever.Escrowed, kever.MissingAnchor)

	anchoring := issuer.Interact(t, vcp.Seal(), iss.Seal())
	expectOutcome(t, env.submit(t, anchoring, anchoring.Signatures), kever.Accepted, "")
	// Reason is omitted when empty, so decode each response into a
	// fresh value.
	outcome = kever.Outcome{}
	env.call(t, "submit-registry-event", map[string]any{"raw": issRaw}, &outcome)
	expectOutcome(t, outcome, kever.Accepted, "")

	// Key events are refused on the registry action.
	outcome = kever.Outcome{}
	env.call(t, "submit-registry-event", map[string]any{"raw": inception.Raw}, &outcome)
	expectOutcome(t, outcome, kever.Rejected, kever.InvalidEvent)

	var state registry.Credential
	env.call(t, "query-credential", map[string]any{"prefix": credential}, &state)
	if state.Status != registry.Issued || state.Registry != vcp.Prefix {
		t.Errorf("credential = %+v", state)
	}

	var found registryResponse
	env.call(t, "query-registry", map[string]any{"prefix": vcp.Prefix}, &found)
	if found.Registry.Issuer != issuer.Prefix || len(found.Credentials) != 1 {
		t.Errorf("registry = %+v", found)
	}

	err = env.client.Call(context.Background(), "query-credential", map[string]any{"prefix": "Enope"}, nil)
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("query-credential(unknown) error = %v", err)
	}
}

func TestExportProducesAStream(t *testing.T) {
	env := testDaemon(t)
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	interaction := controller.Interact(t)
	expectOutcome(t, env.submit(t, inception, inception.Signatures), kever.Accepted, "")
	expectOutcome(t, env.submit(t, interaction, interaction.Signatures), kever.Accepted, "")

	var exported exportResponse
	env.call(t, "export", map[string]any{"compression": "zstd", "registries": true}, &exported)
	if exported.Summary.Events != 2 {
		t.Fatalf("summary = %+v", exported.Summary)
	}

	reader, err := kelstream.NewReader(bytes.NewReader(exported.Stream))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()
	if reader.Compression() != kelstream.CompressionZstd {
		t.Errorf("compression = %s", reader.Compression())
	}
	count := 0
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if count == 0 && !bytes.Equal(record.Raw, inception.Raw) {
			t.Error("first record is not the inception")
		}
		count++
	}
	if count != 2 {
		t.Errorf("stream carried %d records, want 2", count)
	}

	err = env.client.Call(context.Background(), "export", map[string]any{"prefixes": []string{"Eunknown"}}, nil)
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("export(unknown) error = %v, want not found", err)
	}
}
