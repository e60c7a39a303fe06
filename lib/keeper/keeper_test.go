// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keeper_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/keeper"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/kevery"
	"github.com/bureau-foundation/keystate/lib/secret"
	"github.com/bureau-foundation/keystate/lib/signing"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

func passcode(t *testing.T, text string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(text))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func testConfig(t *testing.T, path, code string) keeper.Config {
	return keeper.Config{
		Path:       path,
		Passcode:   passcode(t, code),
		Tier:       signing.TierLow,
		WorkFactor: 10,
		Clock:      clock.Fake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)),
	}
}

func create(t *testing.T) (*keeper.Keeper, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keystore.age")
	k, err := keeper.Create(testConfig(t, path, "open sesame"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k, path
}

func TestReopenWithPasscode(t *testing.T) {
	k, path := create(t)
	inception, err := k.Incept("alice", keeper.InceptOptions{KeyCount: 3, Threshold: tholder.Simple(2)})
	if err != nil {
		t.Fatalf("Incept: %v", err)
	}
	signatures, err := k.Sign("alice", []byte("payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	k.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("keystore mode = %v, want 0600", info.Mode().Perm())
	}
	sealed, _ := os.ReadFile(path)
	if bytes.Contains(sealed, []byte("alice")) {
		t.Error("keystore file contains the alias in plaintext")
	}

	reopened, err := keeper.Open(testConfig(t, path, "open sesame"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if aliases := reopened.Aliases(); !slices.Equal(aliases, []string{"alice"}) {
		t.Fatalf("Aliases = %v", aliases)
	}
	record, err := reopened.Identifier("alice")
	if err != nil {
		t.Fatalf("Identifier: %v", err)
	}
	if record.Prefix != inception.Event.Prefix || record.KeyCount != 3 || record.Last != inception.Event.SAID {
		t.Errorf("record = %+v", record)
	}
	again, err := reopened.Sign("alice", []byte("payload"))
	if err != nil {
		t.Fatalf("Sign after reopen: %v", err)
	}
	for i := range signatures {
		if !bytes.Equal(signatures[i].Signature, again[i].Signature) {
			t.Errorf("key %d derived differently after reopen", i)
		}
	}
}

func TestWrongPasscode(t *testing.T) {
	k, path := create(t)
	k.Close()
	if _, err := keeper.Open(testConfig(t, path, "open barley")); !errors.Is(err, keeper.ErrPasscode) {
		t.Fatalf("Open with wrong passcode error = %v, want ErrPasscode", err)
	}
}

func TestCreateRefusesExistingFile(t *testing.T) {
	_, path := create(t)
	if _, err := keeper.Create(testConfig(t, path, "open sesame")); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("Create over existing keystore error = %v, want fs.ErrExist", err)
	}
}

func TestChangePasscode(t *testing.T) {
	k, path := create(t)
	if _, err := k.Incept("bob", keeper.InceptOptions{}); err != nil {
		t.Fatalf("Incept: %v", err)
	}
	if err := k.ChangePasscode(passcode(t, "new words")); err != nil {
		t.Fatalf("ChangePasscode: %v", err)
	}
	if _, err := keeper.Open(testConfig(t, path, "open sesame")); !errors.Is(err, keeper.ErrPasscode) {
		t.Errorf("old passcode error = %v, want ErrPasscode", err)
	}
	reopened, err := keeper.Open(testConfig(t, path, "new words"))
	if err != nil {
		t.Fatalf("Open with new passcode: %v", err)
	}
	reopened.Close()
}

func TestAliases(t *testing.T) {
	k, _ := create(t)
	for _, alias := range []string{"carol", "alice"} {
		if _, err := k.Incept(alias, keeper.InceptOptions{}); err != nil {
			t.Fatalf("Incept(%s): %v", alias, err)
		}
	}
	if _, err := k.Incept("alice", keeper.InceptOptions{}); !errors.Is(err, keeper.ErrAliasExists) {
		t.Errorf("duplicate Incept error = %v, want ErrAliasExists", err)
	}
	if _, err := k.Interact("dave"); !errors.Is(err, keeper.ErrUnknownAlias) {
		t.Errorf("Interact(unknown) error = %v, want ErrUnknownAlias", err)
	}
	if _, err := k.Incept("erin", keeper.InceptOptions{KeyCount: 2, Threshold: tholder.Simple(3)}); err == nil {
		t.Error("Incept with an unsatisfiable threshold succeeded")
	}
	if aliases := k.Aliases(); !slices.Equal(aliases, []string{"alice", "carol"}) {
		t.Errorf("Aliases = %v", aliases)
	}
}

func TestEventsAreAcceptedInOrder(t *testing.T) {
	ctx := context.Background()
	store, err := kelstore.Open(ctx, kelstore.Config{Path: filepath.Join(t.TempDir(), "keystate.db")})
	if err != nil {
		t.Fatalf("kelstore.Open: %v", err)
	}
	defer store.Close()
	processor, err := kevery.Open(ctx, kevery.Config{Store: store})
	if err != nil {
		t.Fatalf("kevery.Open: %v", err)
	}
	submit := func(signed *event.Signed, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("building event: %v", err)
		}
		outcome, err := processor.SubmitEvent(ctx, signed.Raw, signed.Signatures)
		if err != nil || outcome.Status != kever.Accepted {
			t.Fatalf("%s/%d = %s, %v", signed.Event.Ilk, signed.Event.Sequence, outcome, err)
		}
	}

	k, _ := create(t)
	submit(k.Incept("alice", keeper.InceptOptions{KeyCount: 2, Threshold: tholder.Simple(2)}))
	submit(k.Interact("alice"))
	submit(k.Rotate("alice", keeper.RotateOptions{NextThreshold: tholder.Simple(1)}))
	submit(k.Rotate("alice", keeper.RotateOptions{}))
	submit(k.Interact("alice"))

	record, err := k.Identifier("alice")
	if err != nil {
		t.Fatalf("Identifier: %v", err)
	}
	state, err := processor.QueryState(record.Prefix)
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	if state.Sequence != 4 || state.LastSAID != record.Last || record.Rotation != 2 {
		t.Errorf("state sequence %d last %s, keystore rotation %d last %s",
			state.Sequence, state.LastSAID, record.Rotation, record.Last)
	}
	if !state.Threshold.Equal(tholder.Simple(1)) {
		t.Errorf("threshold after rotations = %s, want 1", state.Threshold)
	}
}
