// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines key and registry events and their canonical
// serialization.
//
// One Event struct carries every event type. Its Ilk field selects the
// variant, and each variant's required and forbidden fields are
// enforced by Validate. Code that consumes events switches on Ilk over
// the fixed enumeration:
//
//	Inception, Rotation, Interaction,
//	DelegatedInception, DelegatedRotation     key events (KEL)
//	RegistryInception, Issuance, Revocation   registry events (TEL)
//
// # Self-addressing identifiers
//
// Every event's "d" field is the SAID: the BLAKE3 digest of the
// event's canonical CBOR serialization with "d" replaced by a
// fixed-length placeholder. Inceptions (and registry inceptions) are
// additionally self-addressing in "i": the identifier prefix is the
// same digest, so the prefix commits to the full inception content
// including the initial keys and the next-key commitment. Decode
// recomputes the SAID and rejects any event whose content does not
// match it.
//
// # Signatures
//
// Signatures cover the exact raw bytes returned by the builders (and
// accepted by Decode). Raw bytes are canonical: Decode rejects input
// that does not re-encode to itself.
package event
