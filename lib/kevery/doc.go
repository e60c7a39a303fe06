// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kevery processes key and registry events for every known
// identifier.
//
// A Processor owns one [kever.Kever] per identifier, the shared event
// escrow, the witness receipt tracker, the delegation verifier, and the
// registry state, all persisted through one [kelstore.Store].
//
// Work on one identifier is serialized by a per-prefix lock; work on
// different identifiers runs in parallel. An accepted event can unblock
// held events of its own identifier (a missing prior), of identifiers
// it delegates (an anchored seal), and of credentials in a registry it
// anchors. Those retries run from a work queue after the submitting
// call has released its lock, so no call ever holds two prefix locks.
//
// Outcomes, not errors, report what happened to an event. Malformed
// bytes are Rejected(InvalidEvent); retryable outcomes are escrowed
// before they are returned; duplicity is recorded as evidence and
// flags the identifier until an operator calls Resolve.
package kevery
