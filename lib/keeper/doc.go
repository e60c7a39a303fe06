// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keeper manages the signing keys of locally controlled
// identifiers.
//
// A keystore is one file: deterministic CBOR sealed with an age scrypt
// recipient derived from the operator's passcode. It holds a random
// salt and one record per alias (prefix, key count, thresholds,
// rotation index, witnesses, last accepted position). Private keys are
// never written anywhere: each is re-derived on demand as
// argon2id(salt, "<alias>/<rotation>/<index>") through
// [signing.Salter], so the keys of rotation r+1 exist (and are
// committed to) before rotation r is ever replaced.
//
// The Keeper builds and signs events; it does not decide whether they
// are accepted. Callers submit the results to a processor.
package keeper
