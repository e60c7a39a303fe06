// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// keystate-daemon owns the key state database and serves it over a
// Unix socket.
//
// On startup it replays every stored key event log and registry log,
// reloads escrow and witness receipts, and listens on the configured
// socket (mode 0600). Each connection carries one CBOR request with an
// "action" field; see registerActions for the action set.
//
// A background sweep retries every escrowed event on
// daemon.retry_interval. When daemon.escrow_max_age is set the sweep
// also purges entries that have not changed for that long. Acceptance
// cascades never wait for the sweep; it exists for events whose
// dependency arrived through another daemon's database or an import.
package main
