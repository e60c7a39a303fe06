// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service carries the keystate daemon's request protocol over a
// Unix socket.
//
// Each connection carries exactly one CBOR request and one CBOR
// response. A request is a map with an "action" field plus
// action-specific fields; a response is a [Response] envelope. The
// socket is created with mode 0600, so only the daemon's user can
// submit events or read key state. There is no other authentication.
//
// Handlers signal "no such thing" with [NotFound]; the code travels in
// the envelope and [Client.Call] turns it back into an error that
// matches [ErrNotFound].
package service
