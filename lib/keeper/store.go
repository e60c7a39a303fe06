// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/keystate/lib/codec"
	"github.com/bureau-foundation/keystate/lib/secret"
	"github.com/bureau-foundation/keystate/lib/signing"
)

const formatVersion = 1

// keystoreFile is the sealed plaintext.
type keystoreFile struct {
	Version     int          `cbor:"version"`
	Salt        []byte       `cbor:"salt"`
	Tier        signing.Tier `cbor:"tier"`
	Identifiers []Identifier `cbor:"identifiers"`
}

// save seals the keystore and replaces the file atomically. With
// create set, an existing file is an error.
func (k *Keeper) save(create bool) error {
	if create {
		if _, err := os.Stat(k.path); err == nil {
			return fmt.Errorf("keeper: keystore %s: %w", k.path, fs.ErrExist)
		}
	}

	aliases := make([]string, 0, len(k.identifiers))
	for alias := range k.identifiers {
		aliases = append(aliases, alias)
	}
	slices.Sort(aliases)
	contents := keystoreFile{
		Version: formatVersion,
		Salt:    k.salt.Bytes(),
		Tier:    k.tier,
	}
	for _, alias := range aliases {
		contents.Identifiers = append(contents.Identifiers, *k.identifiers[alias])
	}
	plaintext, err := codec.Marshal(contents)
	if err != nil {
		return fmt.Errorf("keeper: encoding keystore: %w", err)
	}
	defer secret.Zero(plaintext)

	recipient, err := age.NewScryptRecipient(k.passcode.String())
	if err != nil {
		return fmt.Errorf("keeper: %w", err)
	}
	if k.workFactor > 0 {
		recipient.SetWorkFactor(k.workFactor)
	}
	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("keeper: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("keeper: sealing keystore: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("keeper: finalizing keystore: %w", err)
	}
	return writeFile(k.path, sealed.Bytes())
}

// load unseals the keystore file into k.
func (k *Keeper) load() error {
	sealed, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("keeper: reading keystore: %w", err)
	}
	identity, err := age.NewScryptIdentity(k.passcode.String())
	if err != nil {
		return fmt.Errorf("keeper: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return ErrPasscode
		}
		return fmt.Errorf("keeper: unsealing %s: %w", k.path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("keeper: unsealing %s: %w", k.path, err)
	}
	defer secret.Zero(plaintext)

	var contents keystoreFile
	if err := codec.Unmarshal(plaintext, &contents); err != nil {
		return fmt.Errorf("keeper: decoding keystore: %w", err)
	}
	defer secret.Zero(contents.Salt)
	if contents.Version != formatVersion {
		return fmt.Errorf("keeper: keystore version %d, this build reads %d", contents.Version, formatVersion)
	}
	if len(contents.Salt) != signing.SaltSize {
		return fmt.Errorf("keeper: keystore salt has %d bytes", len(contents.Salt))
	}

	salt, err := secret.NewFromBytes(contents.Salt)
	if err != nil {
		return err
	}
	k.salt = salt
	k.tier = contents.Tier
	for i := range contents.Identifiers {
		record := contents.Identifiers[i]
		k.identifiers[record.Alias] = &record
	}
	k.logger.Debug("keystore opened", "path", k.path, "identifiers", len(k.identifiers))
	return nil
}

// ChangePasscode reseals the keystore under passcode. The Keeper
// borrows the new passcode from then on.
func (k *Keeper) ChangePasscode(passcode *secret.Buffer) error {
	if passcode == nil || passcode.Len() == 0 {
		return fmt.Errorf("keeper: passcode is required")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	previous := k.passcode
	k.passcode = passcode
	if err := k.save(false); err != nil {
		k.passcode = previous
		return err
	}
	k.logger.Info("keystore passcode changed", "path", k.path)
	return nil
}

// writeFile writes data to a temporary file beside path, syncs it, and
// renames it into place with mode 0600.
func writeFile(path string, data []byte) error {
	directory := filepath.Dir(path)
	temporary, err := os.CreateTemp(directory, "."+strings.TrimPrefix(filepath.Base(path), ".")+"-*.tmp")
	if err != nil {
		return fmt.Errorf("keeper: creating temporary keystore: %w", err)
	}
	temporaryPath := temporary.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(temporaryPath)
		}
	}()

	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("keeper: restricting temporary keystore: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("keeper: writing temporary keystore: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("keeper: syncing temporary keystore: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("keeper: closing temporary keystore: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("keeper: renaming keystore into place: %w", err)
	}
	success = true

	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
