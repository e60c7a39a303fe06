// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used by keystate.
//
// Key event bodies are hashed and signed over their exact serialized
// bytes, so every encoder in the process must agree on one canonical
// form. The package fixes that form to RFC 8949 §4.2 Core
// Deterministic Encoding: map keys sorted, integers in their shortest
// form, no indefinite-length items. Decoding the canonical bytes of an
// event and encoding the result again reproduces the input exactly,
// which is what lets the event package detect non-canonical
// (tampered or foreign) serializations.
//
// The same configuration is used for the daemon's socket protocol, the
// keystore file, and the KEL export stream. Consumers import only this
// package, never fxamacker/cbor directly.
package codec
