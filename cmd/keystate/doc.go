// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Keystate is the operator CLI for keystate-daemon and the local
// keystore.
//
// Run "keystate --help" for the command tree. The daemon socket and
// keystore paths come from keystate.yaml, found through --config or
// $KEYSTATE_CONFIG; without either the built-in defaults apply.
package main
