// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kelstore_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/escrow"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/event/eventtest"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/receipt"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, path string) *kelstore.Store {
	t.Helper()
	store, err := kelstore.Open(context.Background(), kelstore.Config{
		Path:  path,
		Clock: clock.Fake(epoch),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "kel.db"))

	controller := eventtest.NewController(t, 2, "2")
	inception := controller.Incept(t, nil)
	rotation := controller.Rotate(t, nil)
	interaction := controller.Interact(t)
	for _, signed := range []*event.Signed{inception, rotation, interaction} {
		if err := store.Append(ctx, signed); err != nil {
			t.Fatalf("Append %s: %v", signed.Event.Ilk, err)
		}
	}

	log, err := store.Log(ctx, controller.Prefix, 0)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("Log has %d events, want 3", len(log))
	}
	for i, signed := range log {
		if signed.Event.Sequence != uint64(i) {
			t.Errorf("log[%d] has sequence %d", i, signed.Event.Sequence)
		}
	}
	if !bytes.Equal(log[1].Raw, rotation.Raw) || len(log[1].Signatures) != 2 {
		t.Error("rotation did not round trip with its signatures")
	}

	tail, err := store.Log(ctx, controller.Prefix, 2)
	if err != nil || len(tail) != 1 || tail[0].Event.SAID != interaction.Event.SAID {
		t.Errorf("Log from 2 = %d events, %v", len(tail), err)
	}

	got, err := store.Get(ctx, rotation.Event.SAID)
	if err != nil || got.Event.Ilk != event.Rotation {
		t.Errorf("Get = %v, %v", got, err)
	}
	if _, err := store.Get(ctx, digest.Compute([]byte("missing"))); !errors.Is(err, kelstore.ErrNotFound) {
		t.Errorf("Get missing error = %v, want ErrNotFound", err)
	}

	prefixes, err := store.Prefixes(ctx)
	if err != nil || len(prefixes) != 1 || prefixes[0] != controller.Prefix {
		t.Errorf("Prefixes = %v, %v", prefixes, err)
	}
}

func TestAppendRejectsOccupiedSequence(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "kel.db"))
	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	if err := store.Append(ctx, inception); err != nil {
		t.Fatalf("Append: %v", err)
	}
	first := controller.BuildInteraction(t, 1, inception.Event.SAID, inception.Event.Seal())
	second := controller.BuildInteraction(t, 1, inception.Event.SAID)
	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, second); !errors.Is(err, kelstore.ErrExists) {
		t.Fatalf("Append at occupied sequence = %v, want ErrExists", err)
	}
	if err := store.Append(ctx, first); !errors.Is(err, kelstore.ErrExists) {
		t.Fatalf("Append of a stored event = %v, want ErrExists", err)
	}

	if err := store.SaveConflict(ctx, second, first.Event.SAID); err != nil {
		t.Fatalf("SaveConflict: %v", err)
	}
	if err := store.SaveConflict(ctx, second, first.Event.SAID); err != nil {
		t.Fatalf("SaveConflict again: %v", err)
	}
	conflicts, err := store.Conflicts(ctx, controller.Prefix)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("Conflicts = %d, %v", len(conflicts), err)
	}
	if conflicts[0].Accepted != first.Event.SAID || conflicts[0].Signed.Event.SAID != second.Event.SAID {
		t.Errorf("conflict = %+v", conflicts[0])
	}
}

func TestFlags(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "kel.db"))
	prefix := event.Prefix(digest.Compute([]byte("identifier")))

	if err := store.SaveFlag(ctx, prefix, kever.FlagUnderReview, "commitment mismatch"); err != nil {
		t.Fatalf("SaveFlag: %v", err)
	}
	if err := store.SaveFlag(ctx, prefix, kever.FlagDuplicity, "conflict at 3"); err != nil {
		t.Fatalf("SaveFlag: %v", err)
	}
	flags, err := store.Flags(ctx)
	if err != nil || flags[prefix] != kever.FlagDuplicity {
		t.Fatalf("Flags = %v, %v", flags, err)
	}
	if err := store.SaveFlag(ctx, prefix, kever.FlagNone, ""); err != nil {
		t.Fatalf("SaveFlag clear: %v", err)
	}
	if flags, _ := store.Flags(ctx); len(flags) != 0 {
		t.Errorf("Flags after clear = %v", flags)
	}
}

func TestEscrowAndReceiptsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kel.db")
	store, err := kelstore.Open(ctx, kelstore.Config{Path: path, Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	controller := eventtest.NewController(t, 1, "1")
	inception := controller.Incept(t, nil)
	held := escrow.Entry{
		Prefix:     controller.Prefix,
		Sequence:   0,
		SAID:       inception.Event.SAID,
		Ilk:        inception.Event.Ilk,
		Raw:        inception.Raw,
		Signatures: inception.Signatures,
		Reason:     kever.ThresholdNotMet,
		Detail:     "0 of 1",
		Received:   epoch,
		Updated:    epoch.Add(time.Minute),
		Attempts:   2,
	}
	if err := store.SaveEscrow(ctx, held); err != nil {
		t.Fatalf("SaveEscrow: %v", err)
	}
	witnessSigner, witnessPrefix := eventtest.Witness(t)
	stored := receipt.Receipt{Witness: witnessPrefix, Signature: witnessSigner.Sign(inception.Raw), Received: epoch}
	if err := store.SaveReceipt(ctx, inception.Event.SAID, stored); err != nil {
		t.Fatalf("SaveReceipt: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStore(t, path)
	entries, err := reopened.LoadEscrow(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("LoadEscrow = %d entries, %v", len(entries), err)
	}
	loaded := entries[0]
	if loaded.SAID != held.SAID || loaded.Reason != held.Reason || loaded.Attempts != 2 ||
		!loaded.Updated.Equal(held.Updated) || len(loaded.Signatures) != 1 {
		t.Errorf("loaded entry = %+v", loaded)
	}
	if _, err := loaded.Signed(); err != nil {
		t.Errorf("loaded entry does not decode: %v", err)
	}

	receipts, err := reopened.LoadReceipts(ctx, inception.Event.SAID)
	if err != nil || len(receipts) != 1 || receipts[0].Witness != witnessPrefix {
		t.Fatalf("LoadReceipts = %+v, %v", receipts, err)
	}

	if err := reopened.DeleteEscrow(ctx, held.SAID); err != nil {
		t.Fatalf("DeleteEscrow: %v", err)
	}
	if entries, _ := reopened.LoadEscrow(ctx); len(entries) != 0 {
		t.Errorf("escrow has %d entries after delete", len(entries))
	}
	counts, err := reopened.Counts(ctx)
	if err != nil || counts.Receipts != 1 || counts.Escrowed != 0 {
		t.Errorf("Counts = %+v, %v", counts, err)
	}
}

func TestRegistryLog(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "kel.db"))
	issuer := eventtest.NewController(t, 1, "1")
	issuer.Incept(t, nil)

	vcp, vcpRaw, err := event.InceptRegistry(issuer.Prefix, "registry")
	if err != nil {
		t.Fatalf("InceptRegistry: %v", err)
	}
	credential := event.Prefix(digest.Compute([]byte("credential")))
	iss, issRaw, err := event.Issue(vcp.Prefix, credential, "2026-06-01T00:00:00Z")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	anchor := delegation.Anchor{Controller: issuer.Prefix, Sequence: 1, SAID: digest.Compute([]byte("anchor"))}
	for _, signed := range []*event.Signed{{Event: vcp, Raw: vcpRaw}, {Event: iss, Raw: issRaw}} {
		if err := store.AppendRegistryEvent(ctx, signed, anchor); err != nil {
			t.Fatalf("AppendRegistryEvent: %v", err)
		}
	}
	if err := store.AppendRegistryEvent(ctx, &event.Signed{Event: iss, Raw: issRaw}, anchor); !errors.Is(err, kelstore.ErrExists) {
		t.Errorf("duplicate AppendRegistryEvent = %v, want ErrExists", err)
	}

	all, err := store.RegistryLog(ctx)
	if err != nil || len(all) != 2 || all[0].Event.Ilk != event.RegistryInception {
		t.Fatalf("RegistryLog = %d events, %v", len(all), err)
	}
	scoped, err := store.RegistryEvents(ctx, vcp.Prefix)
	if err != nil || len(scoped) != 2 {
		t.Errorf("RegistryEvents = %d events, %v", len(scoped), err)
	}
}
